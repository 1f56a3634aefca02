package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/sensorpress/internal/config"
)

const (
	stocksTimeout    = 30 * time.Second
	stocksDateLayout = "January 02, 2006 [15:04:05 PM]"
	stocksMaxBody    = 4 << 20
)

// stocksNow is the clock used to stamp record keys; tests replace it.
var stocksNow = time.Now

// StocksSource reports quote changes for a list of tickers. Each ticker's raw
// payload is kept in the payload cache, keyed by the cursor it was observed at,
// so a ticker yields a record only when its payload differs from the snapshot
// taken when the current cursor was produced.
type StocksSource struct {
	meta
	serviceURL string
	ticks      []string
	img        string
	cache      PayloadCache
	client     *http.Client
}

// NewStocks creates a stock quote source. The service URL must contain a %s
// placeholder for the ticker symbol.
func NewStocks(m meta, cfg config.StocksConfig, cache PayloadCache) (*StocksSource, error) {
	if !strings.Contains(cfg.ServiceURL, "%s") {
		return nil, errors.New("stocks: service_url must contain %s for the ticker")
	}
	if len(cfg.Ticks) == 0 {
		return nil, errors.New("stocks: at least one ticker is required")
	}
	return &StocksSource{
		meta:       m,
		serviceURL: cfg.ServiceURL,
		ticks:      cfg.Ticks,
		img:        cfg.Image,
		cache:      cache,
		client:     &http.Client{Timeout: stocksTimeout},
	}, nil
}

func (s *StocksSource) FetchNew(ctx context.Context, cursor string) ([]Record, error) {
	return s.fetch(ctx, cursor)
}

func (s *StocksSource) FetchAll(ctx context.Context) ([]Record, error) {
	return s.fetch(ctx, "")
}

type tickPayload struct {
	symbol string
	raw    []byte
	quote  stockQuote
}

func (s *StocksSource) fetch(ctx context.Context, cursor string) ([]Record, error) {
	now := stocksNow()
	stamp := strconv.FormatInt(now.UnixMilli(), 10)

	payloads := make([]tickPayload, 0, len(s.ticks))
	for _, tick := range s.ticks {
		p, err := s.fetchTick(ctx, tick)
		if err != nil {
			return nil, fmt.Errorf("stocks: %s: %w", tick, err)
		}
		payloads = append(payloads, p)
	}

	var records []Record
	for _, p := range payloads {
		changed, err := s.changed(ctx, p, cursor)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		records = append(records, p.quote.record(p.symbol+"@"+stamp, now, s.img))
	}

	if len(records) == 0 || s.cache == nil {
		return records, nil
	}

	// Snapshot every ticker under the newest key, which the next incremental
	// fetch resumes after.
	next := records[0].K
	for _, p := range payloads {
		if err := s.cache.PutPayload(ctx, s.name, snapshotKey(p.symbol, next), p.raw); err != nil {
			return nil, fmt.Errorf("stocks: cache %s: %w", p.symbol, err)
		}
	}
	return records, nil
}

func (s *StocksSource) changed(ctx context.Context, p tickPayload, cursor string) (bool, error) {
	if cursor == "" || s.cache == nil {
		return true, nil
	}
	prev, err := s.cache.GetPayload(ctx, s.name, snapshotKey(p.symbol, cursor))
	if err != nil {
		return false, fmt.Errorf("stocks: read cache %s: %w", p.symbol, err)
	}
	return !samePayload(prev, p.raw), nil
}

func snapshotKey(symbol, cursor string) string {
	return symbol + "|" + cursor
}

func samePayload(a, b []byte) bool {
	if a == nil {
		return false
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func (s *StocksSource) fetchTick(ctx context.Context, tick string) (tickPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, stocksTimeout)
	defer cancel()

	url := fmt.Sprintf(s.serviceURL, tick)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return tickPayload{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return tickPayload{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return tickPayload{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, stocksMaxBody))
	if err != nil {
		return tickPayload{}, fmt.Errorf("read body: %w", err)
	}

	var body map[string]stockQuote
	if err := json.Unmarshal(raw, &body); err != nil {
		return tickPayload{}, fmt.Errorf("decode: %w", err)
	}
	symbol := strings.ToUpper(tick)
	q, ok := body[symbol]
	if !ok || q.Quote.CompanyName == "" {
		return tickPayload{}, fmt.Errorf("payload has no quote for %s", symbol)
	}
	return tickPayload{symbol: symbol, raw: raw, quote: q}, nil
}

// stockQuote is the IEX batch payload for one symbol.
type stockQuote struct {
	Quote struct {
		CompanyName string  `json:"companyName"`
		Low         float64 `json:"low"`
		High        float64 `json:"high"`
		LatestPrice float64 `json:"latestPrice"`
	} `json:"quote"`
	News []struct {
		Headline string `json:"headline"`
		Summary  string `json:"summary"`
		URL      string `json:"url"`
	} `json:"news"`
}

func (q stockQuote) record(k string, at time.Time, img string) Record {
	name := q.Quote.CompanyName
	var story strings.Builder
	fmt.Fprintf(&story, "Latest Low: %.2f\n", q.Quote.Low)
	fmt.Fprintf(&story, "Latest High: %.2f\n", q.Quote.High)
	fmt.Fprintf(&story, "Last Selling Price: %.2f", q.Quote.LatestPrice)

	origin := ""
	if len(q.News) > 0 {
		fmt.Fprintf(&story, "\nRecent Article: %s", q.News[0].Summary)
		origin = q.News[0].URL
	}

	return Record{
		K:       k,
		Date:    at.Format(stocksDateLayout),
		Caption: fmt.Sprintf("%s's Stock History from a Month + News", name),
		Summary: fmt.Sprintf("Last month stock reports and last news report for %s", name),
		Story:   story.String(),
		Img:     img,
		Origin:  origin,
	}
}
