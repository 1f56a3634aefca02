package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/sensorpress/internal/config"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memCache) GetPayload(_ context.Context, source, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[source+"/"+key], nil
}

func (m *memCache) PutPayload(_ context.Context, source, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[source+"/"+key] = data
	return nil
}

type quoteServer struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (q *quoteServer) set(sym string, price float64) {
	q.mu.Lock()
	q.prices[sym] = price
	q.mu.Unlock()
}

func (q *quoteServer) handler(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/quote/"))
	q.mu.Lock()
	price, ok := q.prices[sym]
	q.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"%s": {"quote": {"companyName": "%s Inc.", "low": 1.5, "high": 3.25, "latestPrice": %.2f},
 "news": [{"headline": "h", "summary": "Earnings beat.", "url": "https://news.example.com/%s"}]}}`,
		sym, sym, price, sym)
}

func newTestStocks(t *testing.T, cache PayloadCache, ticks ...string) (*StocksSource, *quoteServer) {
	t.Helper()
	qs := &quoteServer{prices: map[string]float64{"QCOM": 50, "ILMN": 200}}
	ts := httptest.NewServer(http.HandlerFunc(qs.handler))
	t.Cleanup(ts.Close)

	ms := int64(1_700_000_000_000)
	oldNow := stocksNow
	stocksNow = func() time.Time {
		ms += 1000
		return time.UnixMilli(ms)
	}
	t.Cleanup(func() { stocksNow = oldNow })

	s, err := NewStocks(meta{name: "stocks"}, config.StocksConfig{
		ServiceURL: ts.URL + "/quote/%s",
		Ticks:      ticks,
		Image:      "https://img.example.com/chart.jpg",
	}, cache)
	if err != nil {
		t.Fatalf("NewStocks: %v", err)
	}
	return s, qs
}

func TestNewStocks_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StocksConfig
	}{
		{"no placeholder", config.StocksConfig{ServiceURL: "https://api.example.com", Ticks: []string{"a"}}},
		{"no ticks", config.StocksConfig{ServiceURL: "https://api.example.com/%s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStocks(meta{name: "stocks"}, tt.cfg, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStocks_FirstFetchReportsAll(t *testing.T) {
	s, _ := newTestStocks(t, &memCache{}, "qcom", "ilmn")

	records, err := s.FetchNew(context.Background(), "")
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	r := records[0]
	if !strings.HasPrefix(r.K, "QCOM@") {
		t.Errorf("K = %q, want QCOM@<ms>", r.K)
	}
	if r.Caption != "QCOM Inc.'s Stock History from a Month + News" {
		t.Errorf("caption = %q", r.Caption)
	}
	if !strings.Contains(r.Story, "Last Selling Price: 50.00") {
		t.Errorf("story = %q", r.Story)
	}
	if r.Origin != "https://news.example.com/QCOM" {
		t.Errorf("origin = %q", r.Origin)
	}
	if r.Img != "https://img.example.com/chart.jpg" {
		t.Errorf("img = %q", r.Img)
	}
	if err := r.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestStocks_OnlyChangedTickers(t *testing.T) {
	s, qs := newTestStocks(t, &memCache{}, "qcom", "ilmn")
	ctx := context.Background()

	first, err := s.FetchNew(ctx, "")
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	cursor := first[0].K

	same, err := s.FetchNew(ctx, cursor)
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(same) != 0 {
		t.Fatalf("unchanged payloads produced %d records", len(same))
	}

	qs.set("ILMN", 210)
	changed, err := s.FetchNew(ctx, cursor)
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(changed) != 1 || !strings.HasPrefix(changed[0].K, "ILMN@") {
		t.Fatalf("got %+v, want one ILMN record", changed)
	}

	// Peeking again from the old cursor sees the same change.
	again, err := s.FetchNew(ctx, cursor)
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(again) != 1 {
		t.Errorf("repeat fetch from old cursor = %d records, want 1", len(again))
	}

	// From the advanced cursor there is nothing new.
	after, err := s.FetchNew(ctx, changed[0].K)
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(after) != 0 {
		t.Errorf("fetch after advance = %d records, want 0", len(after))
	}
}

func TestStocks_NoCacheAlwaysReports(t *testing.T) {
	s, _ := newTestStocks(t, nil, "qcom")
	records, err := s.FetchNew(context.Background(), "QCOM@1")
	if err != nil {
		t.Fatalf("FetchNew: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records, want 1", len(records))
	}
}

func TestStocks_UnknownTickerFails(t *testing.T) {
	s, _ := newTestStocks(t, &memCache{}, "qcom", "nope")
	if _, err := s.FetchAll(context.Background()); err == nil {
		t.Fatal("expected error for unknown ticker")
	}
}

func TestSamePayload(t *testing.T) {
	if samePayload(nil, []byte(`{}`)) {
		t.Error("missing baseline must count as changed")
	}
	if !samePayload([]byte(`{"a": 1}`), []byte(`{"a":1}`)) {
		t.Error("whitespace differences must not count as a change")
	}
	if samePayload([]byte(`{"a":1}`), []byte(`{"a":2}`)) {
		t.Error("value change not detected")
	}
}
