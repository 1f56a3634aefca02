package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/sensorpress/internal/summarize"
)

const (
	redditBaseURL    = "https://www.reddit.com"
	redditTimeout    = 30 * time.Second
	redditUserAgent  = "sensorpress/1.0"
	redditRateLimit  = 1 * time.Second
	redditDateLayout = "January 2, 2006 15:04 MST"
)

// redditSleepFunc spaces out subreddit requests; tests replace it.
var redditSleepFunc = time.Sleep

// RedditSource fetches posts from public subreddits via Reddit's JSON API.
// The cursor is the id of the newest post already consumed.
type RedditSource struct {
	meta
	subreddits []string
	client     *http.Client
	baseURL    string
}

// NewReddit creates a Reddit source. At least one subreddit is required.
func NewReddit(m meta, subreddits []string) (*RedditSource, error) {
	if len(subreddits) == 0 {
		return nil, errors.New("reddit: at least one subreddit is required")
	}
	return &RedditSource{
		meta:       m,
		subreddits: subreddits,
		client:     &http.Client{Timeout: redditTimeout},
		baseURL:    redditBaseURL,
	}, nil
}

func (rs *RedditSource) FetchNew(ctx context.Context, cursor string) ([]Record, error) {
	records, err := rs.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return newerThan(records, cursor), nil
}

// FetchAll returns the newest posts of every subreddit merged newest first.
func (rs *RedditSource) FetchAll(ctx context.Context) ([]Record, error) {
	var posts []redditPost

	for i, sub := range rs.subreddits {
		if i > 0 {
			redditSleepFunc(redditRateLimit)
		}

		items, err := rs.fetchSubreddit(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("reddit: r/%s: %w", sub, err)
		}
		posts = append(posts, items...)
	}

	sort.SliceStable(posts, func(i, j int) bool { return posts[i].CreatedUTC > posts[j].CreatedUTC })
	records := make([]Record, 0, len(posts))
	for _, p := range posts {
		records = append(records, p.record())
	}
	return records, nil
}

func (rs *RedditSource) fetchSubreddit(ctx context.Context, subreddit string) ([]redditPost, error) {
	ctx, cancel := context.WithTimeout(ctx, redditTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/r/%s/new.json?limit=100", rs.baseURL, subreddit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", redditUserAgent)

	resp, err := rs.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch r/%s: %w", subreddit, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("r/%s: status %d", subreddit, resp.StatusCode)
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode r/%s: %w", subreddit, err)
	}

	posts := make([]redditPost, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		posts = append(posts, child.Data)
	}
	return posts, nil
}

func (p redditPost) record() Record {
	permalink := redditBaseURL + p.Permalink
	byline := fmt.Sprintf("Posted in r/%s by u/%s.", p.Subreddit, p.Author)

	summary := byline
	story := byline
	if body := strings.TrimSpace(p.Selftext); body != "" {
		summary = summarize.Lead(body, summarize.DefaultMaxLen)
		story = body + "\n\n" + byline
	}
	story += "\n\n[Comments](" + permalink + ")"

	origin := permalink
	if p.URL != "" && !p.IsSelf {
		origin = p.URL
	}

	img := ""
	if strings.HasPrefix(p.Thumbnail, "http") {
		img = p.Thumbnail
	}

	return Record{
		K:       p.ID,
		Date:    time.Unix(int64(p.CreatedUTC), 0).UTC().Format(redditDateLayout),
		Caption: p.Title,
		Summary: summary,
		Story:   story,
		Img:     img,
		Origin:  origin,
	}
}

type redditListing struct {
	Data struct {
		Children []redditChild `json:"children"`
	} `json:"data"`
}

type redditChild struct {
	Data redditPost `json:"data"`
}

type redditPost struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Selftext   string  `json:"selftext"`
	URL        string  `json:"url"`
	Permalink  string  `json:"permalink"`
	Subreddit  string  `json:"subreddit"`
	Author     string  `json:"author"`
	Thumbnail  string  `json:"thumbnail"`
	IsSelf     bool    `json:"is_self"`
	CreatedUTC float64 `json:"created_utc"`
}
