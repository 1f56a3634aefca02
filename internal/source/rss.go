package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	"github.com/mmcdole/gofeed"

	"github.com/ppiankov/sensorpress/internal/config"
	"github.com/ppiankov/sensorpress/internal/summarize"
)

const (
	rssFetchTimeout = 30 * time.Second
	rssUserAgent    = "Mozilla/5.0 (compatible; sensorpress/1.0; +https://github.com/ppiankov/sensorpress)"
	rssMaxWorkers   = 10
	rssMaxRetries   = 3
	rssDomainDelay  = 3 * time.Second
	rssDateLayout   = "January 2, 2006"
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s{3,}`)
)

// RSSSource turns the items of one or more RSS/Atom feeds into records.
// The cursor is the GUID (or link) of an item.
type RSSSource struct {
	meta
	feeds        []string
	extractStory bool
	client       *http.Client
	log          *log.Logger
}

// NewRSS creates an RSS/Atom source. At least one feed URL is required.
func NewRSS(m meta, cfg config.RSSConfig, logger *log.Logger) (*RSSSource, error) {
	if len(cfg.Feeds) == 0 {
		return nil, errors.New("rss: at least one feed URL is required")
	}
	return &RSSSource{
		meta:         m,
		feeds:        cfg.Feeds,
		extractStory: cfg.ExtractStory,
		client: &http.Client{
			Timeout:   rssFetchTimeout,
			Transport: &rssTransport{base: http.DefaultTransport},
		},
		log: logger.WithPrefix("rss"),
	}, nil
}

func (rs *RSSSource) FetchNew(ctx context.Context, cursor string) ([]Record, error) {
	records, err := rs.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return newerThan(records, cursor), nil
}

// FetchAll returns the items of every feed merged newest first. A failure of
// any feed fails the whole fetch so the cursor never jumps over its items.
func (rs *RSSSource) FetchAll(ctx context.Context) ([]Record, error) {
	type result struct {
		items []datedRecord
		err   error
		url   string
	}

	// Group feeds by domain so same-domain requests are serialized.
	domainFeeds := make(map[string][]string)
	for _, feedURL := range rs.feeds {
		d := feedDomain(feedURL)
		domainFeeds[d] = append(domainFeeds[d], feedURL)
	}

	results := make(chan result, len(rs.feeds))
	domainJobs := make(chan []string, len(domainFeeds))

	workers := min(rssMaxWorkers, len(domainFeeds))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for feeds := range domainJobs {
				for i, feedURL := range feeds {
					if i > 0 {
						rssSleepFunc(rssDomainDelay)
					}
					items, err := rs.fetchWithRetry(ctx, feedURL)
					results <- result{items: items, err: err, url: feedURL}
				}
			}
		}()
	}

	for _, feeds := range domainFeeds {
		domainJobs <- feeds
	}
	close(domainJobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		all  []datedRecord
		errs []error
	)
	for r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.url, r.err))
			continue
		}
		all = append(all, r.items...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].at.After(all[j].at) })
	records := make([]Record, 0, len(all))
	seen := make(map[string]bool, len(all))
	for _, d := range all {
		if seen[d.rec.K] {
			continue
		}
		seen[d.rec.K] = true
		records = append(records, d.rec)
	}
	return records, nil
}

// datedRecord keeps the parsed timestamp next to a record for sorting.
type datedRecord struct {
	rec Record
	at  time.Time
}

// feedDomain extracts the host from a feed URL for rate limiting grouping.
func feedDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

// rssTransport injects a User-Agent header into every request.
type rssTransport struct {
	base http.RoundTripper
}

func (t *rssTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", rssUserAgent)
	return t.base.RoundTrip(req)
}

// rssSleepFunc is the function used for retry backoff delays.
// It defaults to time.Sleep but can be overridden in tests.
var rssSleepFunc = time.Sleep

func (rs *RSSSource) fetchWithRetry(ctx context.Context, feedURL string) ([]datedRecord, error) {
	var lastErr error
	for attempt := range rssMaxRetries {
		items, err := rs.fetchFeed(ctx, feedURL)
		if err == nil {
			return items, nil
		}
		if !isRetryableError(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt < rssMaxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second // 1s, 2s, 4s
			rssSleepFunc(backoff)
		}
	}
	return nil, lastErr
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	if strings.Contains(s, "timeout") || strings.Contains(s, "Timeout") {
		return true
	}
	if strings.Contains(s, "connection refused") || strings.Contains(s, "no such host") {
		return true
	}
	// Rate limiting and server-side errors are worth retrying.
	for _, code := range []string{"429", "500", "502", "503", "504"} {
		if strings.Contains(s, code) {
			return true
		}
	}
	return false
}

func (rs *RSSSource) fetchFeed(ctx context.Context, feedURL string) ([]datedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, rssFetchTimeout)
	defer cancel()

	fp := gofeed.NewParser()
	fp.Client = rs.client
	feed, err := fp.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", feedURL, err)
	}

	return rs.recordsFromFeed(feed), nil
}

func (rs *RSSSource) recordsFromFeed(feed *gofeed.Feed) []datedRecord {
	var out []datedRecord
	for _, item := range feed.Items {
		at := itemPublishedTime(item)
		if at.IsZero() {
			continue
		}
		id := itemID(item)
		if id == "" {
			continue
		}

		body := itemHTML(item)
		text := stripHTML(body)

		caption := strings.TrimSpace(item.Title)
		if caption == "" {
			caption = summarize.FirstLine(text, 120)
		}

		story := text
		if rs.extractStory {
			if md, err := extractStory(body, item.Link); err != nil {
				rs.log.Debug("story extraction failed", "item", id, "err", err)
			} else {
				story = md
			}
		}

		out = append(out, datedRecord{
			at: at,
			rec: Record{
				K:       id,
				Date:    at.Format(rssDateLayout),
				Caption: caption,
				Summary: summarize.Lead(text, summarize.DefaultMaxLen),
				Story:   story,
				Img:     itemImage(item, body),
				Origin:  item.Link,
			},
		})
	}
	return out
}

func itemPublishedTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

func itemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func itemHTML(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}

// itemImage prefers the feed's own image metadata, then an image enclosure,
// then the first <img> in the item body.
func itemImage(item *gofeed.Item, body string) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	if body == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return strings.TrimSpace(src)
}

// extractStory runs the readability algorithm over the item HTML and
// converts the cleaned article to markdown.
func extractStory(body, link string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", errors.New("empty body")
	}
	pageURL, _ := url.Parse(link)
	article, err := readability.FromReader(strings.NewReader(body), pageURL)
	if err != nil {
		return "", fmt.Errorf("readability: %w", err)
	}
	if article.Node == nil {
		return "", errors.New("readability: no article")
	}
	md, err := htmltomarkdown.ConvertNode(article.Node)
	if err == nil && strings.TrimSpace(string(md)) != "" {
		return strings.TrimSpace(string(md)), nil
	}
	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return "", fmt.Errorf("render text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func stripHTML(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = whitespaceRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
