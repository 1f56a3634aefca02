package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func makeListing(posts ...redditPost) redditListing {
	var children []redditChild
	for _, p := range posts {
		children = append(children, redditChild{Data: p})
	}
	return redditListing{Data: struct {
		Children []redditChild `json:"children"`
	}{Children: children}}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func redditWithTransport(t *testing.T, subreddits []string, rt roundTripFunc) *RedditSource {
	t.Helper()
	oldSleep := redditSleepFunc
	redditSleepFunc = func(time.Duration) {}
	t.Cleanup(func() { redditSleepFunc = oldSleep })

	rs, err := NewReddit(meta{name: "reddit"}, subreddits)
	if err != nil {
		t.Fatalf("NewReddit: %v", err)
	}
	rs.baseURL = "https://reddit.test"
	rs.client = &http.Client{
		Timeout:   redditTimeout,
		Transport: rt,
	}
	return rs
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	return string(b)
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestNewReddit_EmptySubreddits(t *testing.T) {
	if _, err := NewReddit(meta{name: "reddit"}, nil); err == nil {
		t.Fatal("expected error for nil subreddits")
	}
	if _, err := NewReddit(meta{name: "reddit"}, []string{}); err == nil {
		t.Fatal("expected error for empty subreddits")
	}
}

func TestReddit_SuccessfulFetch(t *testing.T) {
	now := time.Now()
	rs := redditWithTransport(t, []string{"devops"}, func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("User-Agent") != redditUserAgent {
			t.Errorf("user-agent = %q, want %q", r.Header.Get("User-Agent"), redditUserAgent)
		}
		if r.URL.Path != "/r/devops/new.json" {
			t.Errorf("path = %q, want /r/devops/new.json", r.URL.Path)
		}
		if got := r.URL.Query().Get("limit"); got != "100" {
			t.Errorf("limit query = %q, want 100", got)
		}

		listing := makeListing(
			redditPost{
				ID:         "abc123",
				Title:      "CVE Alert",
				Selftext:   "Critical vulnerability found",
				Permalink:  "/r/devops/comments/abc123/cve_alert/",
				Subreddit:  "devops",
				Author:     "sec",
				IsSelf:     true,
				CreatedUTC: float64(now.Unix()),
			},
			redditPost{
				ID:         "def456",
				Title:      "Link Post",
				URL:        "https://example.com",
				Permalink:  "/r/devops/comments/def456/link_post/",
				Subreddit:  "devops",
				Author:     "ops",
				Thumbnail:  "https://b.thumbs.redditmedia.com/x.jpg",
				CreatedUTC: float64(now.Add(-time.Minute).Unix()),
			},
		)
		return response(http.StatusOK, mustJSON(t, listing)), nil
	})

	records, err := rs.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	self := records[0]
	if self.K != "abc123" {
		t.Errorf("K = %q", self.K)
	}
	if self.Summary != "Critical vulnerability found" {
		t.Errorf("summary = %q", self.Summary)
	}
	if !strings.Contains(self.Origin, "/r/devops/comments/abc123") {
		t.Errorf("self post origin = %q", self.Origin)
	}

	link := records[1]
	if link.Origin != "https://example.com" {
		t.Errorf("link origin = %q", link.Origin)
	}
	if link.Summary != "Posted in r/devops by u/ops." {
		t.Errorf("link summary = %q", link.Summary)
	}
	if link.Img != "https://b.thumbs.redditmedia.com/x.jpg" {
		t.Errorf("img = %q", link.Img)
	}
}

func TestReddit_MergesSubredditsNewestFirst(t *testing.T) {
	now := time.Now()
	rs := redditWithTransport(t, []string{"a", "b"}, func(r *http.Request) (*http.Response, error) {
		var listing redditListing
		switch r.URL.Path {
		case "/r/a/new.json":
			listing = makeListing(
				redditPost{ID: "a2", Title: "A2", CreatedUTC: float64(now.Unix())},
				redditPost{ID: "a1", Title: "A1", CreatedUTC: float64(now.Add(-2 * time.Hour).Unix())},
			)
		default:
			listing = makeListing(
				redditPost{ID: "b1", Title: "B1", CreatedUTC: float64(now.Add(-time.Hour).Unix())},
			)
		}
		return response(http.StatusOK, mustJSON(t, listing)), nil
	})

	records, err := rs.FetchNew(context.Background(), "a1")
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(records) != 2 || records[0].K != "a2" || records[1].K != "b1" {
		t.Fatalf("got %+v, want [a2 b1]", records)
	}
}

func TestReddit_EmptyListing(t *testing.T) {
	rs := redditWithTransport(t, []string{"empty"}, func(_ *http.Request) (*http.Response, error) {
		return response(http.StatusOK, mustJSON(t, makeListing())), nil
	})

	records, err := rs.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestReddit_APIError(t *testing.T) {
	rs := redditWithTransport(t, []string{"ratelimited"}, func(_ *http.Request) (*http.Response, error) {
		return response(http.StatusTooManyRequests, ""), nil
	})
	if _, err := rs.FetchAll(context.Background()); err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestReddit_MalformedJSON(t *testing.T) {
	rs := redditWithTransport(t, []string{"broken"}, func(_ *http.Request) (*http.Response, error) {
		return response(http.StatusOK, "{{{not json"), nil
	})
	if _, err := rs.FetchAll(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}
