package cli

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/sensorpress/internal/config"
)

var (
	importDryRun bool
	importName   string
)

var importCmd = &cobra.Command{
	Use:   "import <file.opml>",
	Short: "Import RSS feeds from an OPML file into an rss source",
	Long: `Adds the feeds of an OPML file to the rss source named by --name. The source
is created at the end of the sources list when it does not exist yet.`,
	Args: cobra.ExactArgs(1),
	RunE: importAction,
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "show what would be added without modifying config")
	importCmd.Flags().StringVar(&importName, "name", "feeds", "name of the rss source to add the feeds to")
	rootCmd.AddCommand(importCmd)
}

type opml struct {
	Body opmlBody `xml:"body"`
}

type opmlBody struct {
	Outlines []opmlOutline `xml:"outline"`
}

type opmlOutline struct {
	XMLURL   string        `xml:"xmlUrl,attr"`
	Text     string        `xml:"text,attr"`
	Outlines []opmlOutline `xml:"outline"`
}

func importAction(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read OPML: %w", err)
	}

	var doc opml
	if err := xml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse OPML: %w", err)
	}

	feedURLs := extractFeedURLs(doc.Body.Outlines)
	if len(feedURLs) == 0 {
		fmt.Println("No feed URLs found in OPML file.")
		return nil
	}

	configPath := filepath.Join(configDir, config.DefaultConfigFile)
	added, skipped, out, err := mergeFeeds(configPath, importName, feedURLs)
	if err != nil {
		return fmt.Errorf("merge feeds: %w", err)
	}

	if len(added) == 0 {
		fmt.Printf("All %d feeds already present, nothing to add.\n", skipped)
		return nil
	}

	if importDryRun {
		fmt.Printf("Would add %d feeds to %s (skipping %d duplicates):\n", len(added), importName, skipped)
		for _, f := range added {
			fmt.Printf("  + %s\n", f)
		}
		return nil
	}

	if err := renameio.WriteFile(configPath, out, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Added %d feeds to %s, skipped %d duplicates.\n", len(added), importName, skipped)
	return nil
}

func extractFeedURLs(outlines []opmlOutline) []string {
	var urls []string
	for _, o := range outlines {
		u := strings.TrimSpace(o.XMLURL)
		if u != "" && (strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")) {
			urls = append(urls, u)
		}
		// Recurse into nested outlines (folders)
		urls = append(urls, extractFeedURLs(o.Outlines)...)
	}
	return urls
}

// mergeFeeds reads config.yaml as a yaml.Node tree, finds the rss source
// called name (creating it when missing), appends the feeds it does not list
// yet and returns the new document.
func mergeFeeds(configPath, name string, feeds []string) (added []string, skipped int, out []byte, err error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("read config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, 0, nil, fmt.Errorf("parse config YAML: %w", err)
	}

	feedsNode, err := findFeedsNode(&doc, name)
	if err != nil {
		return nil, 0, nil, err
	}

	existing := make(map[string]bool, len(feedsNode.Content))
	for _, n := range feedsNode.Content {
		existing[n.Value] = true
	}
	for _, f := range feeds {
		if existing[f] {
			skipped++
			continue
		}
		existing[f] = true
		added = append(added, f)
		feedsNode.Content = append(feedsNode.Content, scalar(f, yaml.DoubleQuotedStyle))
	}

	out, err = yaml.Marshal(&doc)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("marshal config: %w", err)
	}
	return added, skipped, out, nil
}

// findFeedsNode returns the rss.feeds sequence of the source called name,
// appending a new rss source to the sources list when there is none.
func findFeedsNode(doc *yaml.Node, name string) (*yaml.Node, error) {
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config.yaml is not a mapping")
	}

	sources := findMapValue(root, "sources")
	if sources == nil {
		sources = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		root.Content = append(root.Content, scalar("sources", 0), sources)
	}
	if sources.Kind == yaml.ScalarNode && sources.Tag == "!!null" {
		*sources = yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	}
	if sources.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("sources is not a list")
	}

	for _, src := range sources.Content {
		if n := findMapValue(src, "name"); n == nil || n.Value != name {
			continue
		}
		if kind := findMapValue(src, "kind"); kind == nil || kind.Value != config.KindRSS {
			return nil, fmt.Errorf("source %q is not an rss source", name)
		}
		rss := findMapValue(src, config.KindRSS)
		if rss == nil {
			rss = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			src.Content = append(src.Content, scalar(config.KindRSS, 0), rss)
		}
		feeds := findMapValue(rss, "feeds")
		if feeds == nil {
			feeds = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
			rss.Content = append(rss.Content, scalar("feeds", 0), feeds)
		}
		if feeds.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("source %q: rss.feeds is not a list", name)
		}
		return feeds, nil
	}

	feeds := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	sources.Content = append(sources.Content, &yaml.Node{
		Kind: yaml.MappingNode,
		Tag:  "!!map",
		Content: []*yaml.Node{
			scalar("name", 0), scalar(name, 0),
			scalar("kind", 0), scalar(config.KindRSS, 0),
			scalar(config.KindRSS, 0), {
				Kind:    yaml.MappingNode,
				Tag:     "!!map",
				Content: []*yaml.Node{scalar("feeds", 0), feeds},
			},
		},
	})
	return feeds, nil
}

func findMapValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func scalar(value string, style yaml.Style) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value, Style: style}
}
