package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ppiankov/sensorpress/internal/summarize"
)

const (
	hnAPIBase      = "https://hacker-news.firebaseio.com/v0"
	hnItemURL      = "https://news.ycombinator.com/item?id="
	hnFetchTimeout = 30 * time.Second
	hnMaxStories   = 200
	hnMaxWorkers   = 5
	hnDateLayout   = "January 2, 2006 15:04 MST"
)

// HNSource publishes Hacker News top stories above a score threshold.
// The cursor is the numeric id of the newest story already consumed; ids are
// monotonic so anything above it is new.
type HNSource struct {
	meta
	minPoints int
	log       *log.Logger
}

// NewHN creates a Hacker News source. minPoints filters stories below the threshold.
func NewHN(m meta, minPoints int, logger *log.Logger) (*HNSource, error) {
	if minPoints < 1 {
		return nil, errors.New("hn: min_points must be at least 1")
	}
	return &HNSource{meta: m, minPoints: minPoints, log: logger.WithPrefix("hn")}, nil
}

// hnItem represents a Hacker News story from the API.
type hnItem struct {
	ID          int    `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Text        string `json:"text"`
	Score       int    `json:"score"`
	Time        int64  `json:"time"`
	Descendants int    `json:"descendants"`
	By          string `json:"by"`
}

// hnAPIBaseURL allows tests to override the API endpoint.
var hnAPIBaseURL = hnAPIBase

func (h *HNSource) FetchNew(ctx context.Context, cursor string) ([]Record, error) {
	after := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, fmt.Errorf("hn: invalid cursor %q: %w", cursor, err)
		}
		after = n
	}
	return h.fetch(ctx, after)
}

func (h *HNSource) FetchAll(ctx context.Context) ([]Record, error) {
	return h.fetch(ctx, 0)
}

func (h *HNSource) fetch(ctx context.Context, after int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, hnFetchTimeout)
	defer cancel()

	ids, err := h.fetchTopStories(ctx)
	if err != nil {
		return nil, fmt.Errorf("hn: fetch top stories: %w", err)
	}

	if len(ids) > hnMaxStories {
		ids = ids[:hnMaxStories]
	}

	var fresh []int
	for _, id := range ids {
		if id > after {
			fresh = append(fresh, id)
		}
	}

	type result struct {
		item *hnItem
		err  error
	}

	jobs := make(chan int, len(fresh))
	results := make(chan result, len(fresh))

	workers := min(hnMaxWorkers, len(fresh))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				item, err := h.fetchItem(ctx, id)
				if err != nil {
					results <- result{err: err}
					continue
				}
				if item.Type != "story" || item.Score < h.minPoints {
					results <- result{}
					continue
				}
				results <- result{item: item}
			}
		}()
	}

	for _, id := range fresh {
		jobs <- id
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var items []*hnItem
	for r := range results {
		if r.err != nil {
			h.log.Warn("skipping item", "err", r.err)
			continue
		}
		if r.item != nil {
			items = append(items, r.item)
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	records := make([]Record, 0, len(items))
	for _, item := range items {
		records = append(records, item.record())
	}
	return records, nil
}

func (item *hnItem) record() Record {
	discussion := hnItemURL + strconv.Itoa(item.ID)
	origin := item.URL
	if origin == "" {
		origin = discussion
	}

	summary := fmt.Sprintf("%d points and %d comments on Hacker News, posted by %s.",
		item.Score, item.Descendants, item.By)

	story := summary
	if text := stripHTML(item.Text); text != "" {
		story = text + "\n\n" + summary
		summary = summarize.Lead(text, summarize.DefaultMaxLen)
	}
	story += "\n\n[Discussion](" + discussion + ")"

	return Record{
		K:       strconv.Itoa(item.ID),
		Date:    time.Unix(item.Time, 0).UTC().Format(hnDateLayout),
		Caption: item.Title,
		Summary: summary,
		Story:   story,
		Origin:  origin,
	}
}

func (h *HNSource) fetchTopStories(ctx context.Context) ([]int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hnAPIBaseURL+"/topstories.json", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("topstories: HTTP %d", resp.StatusCode)
	}

	var ids []int
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("topstories: %w", err)
	}
	return ids, nil
}

func (h *HNSource) fetchItem(ctx context.Context, id int) (*hnItem, error) {
	url := fmt.Sprintf("%s/item/%d.json", hnAPIBaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("item %d: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("item %d: HTTP %d", id, resp.StatusCode)
	}

	var item hnItem
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("item %d: %w", id, err)
	}
	return &item, nil
}
