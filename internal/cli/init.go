package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/sensorpress/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config directory with an example config",
	RunE:  initAction,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func initAction(_ *cobra.Command, _ []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	configPath := filepath.Join(configDir, config.DefaultConfigFile)
	wrote, err := writeIfNotExists(configPath, []byte(exampleConfig))
	if err != nil {
		return err
	}

	if wrote {
		fmt.Printf("Initialized %s. Edit %s, then run: sensorpress doctor\n", configDir, configPath)
	} else {
		fmt.Printf("Config directory %s already initialized.\n", configDir)
	}
	return nil
}

// writeIfNotExists writes data to path if the file does not exist.
// Returns true if the file was created.
func writeIfNotExists(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("  exists: %s\n", path)
		return false, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("  created: %s\n", path)
	return true, nil
}

const exampleConfig = `# sensorpress configuration

sources:
  - name: hacker-news
    kind: hn
    request_delta: 1h
    about: Top stories from Hacker News.
    hn:
      min_points: 200

  - name: go-blog
    kind: rss
    request_delta: 6h
    about: The Go blog.
    rss:
      feeds:
        - "https://go.dev/blog/feed.atom"
      extract_story: true

  # - name: devops
  #   kind: reddit
  #   request_delta: 2h
  #   reddit:
  #     subreddits: ["devops", "kubernetes"]

  # - name: market
  #   kind: stocks
  #   request_delta: 15m
  #   stocks:
  #     service_url: "https://quotes.example.com/stock/%s/quote"
  #     ticks: ["AAPL", "GOOG"]

  # - name: homelab
  #   kind: script
  #   script:
  #     command: /usr/local/bin/homelab-report
  #     args: ["--json"]

cms:
  backend: local          # local or ghost
  ghost:
    url: "https://blog.example.com"
    admin_key_env: GHOST_ADMIN_KEY
    requests_per_second: 5

state:
  backend: sqlite         # sqlite or file
  # path: .sensorpress/state.yaml

storage:
  path: .sensorpress/sensorpress.db
  cache_retain_days: 30

sync:
  policy: skip            # skip or wait
  fetch_timeout: 30s
  concurrency: 4

privacy:
  redact:
    enabled: false
    patterns: []

log:
  level: info
  # file: .sensorpress/sensorpress.log

metrics:
  # textfile: /var/lib/node_exporter/textfile/sensorpress.prom
`
