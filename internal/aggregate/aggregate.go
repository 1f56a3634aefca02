// Package aggregate pulls new records from every registered source and keeps
// their cursors in step.
package aggregate

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/sensorpress/internal/config"
	"github.com/ppiankov/sensorpress/internal/cursor"
	"github.com/ppiankov/sensorpress/internal/fault"
	"github.com/ppiankov/sensorpress/internal/logging"
	"github.com/ppiankov/sensorpress/internal/source"
)

// Batch is the records one source returned in a cycle, newest first.
type Batch struct {
	Source  string
	Records []source.Record
}

// Outcome says what happened to a source during a sync.
type Outcome int

const (
	Fetched Outcome = iota
	RateLimited
	NotReady
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Fetched:
		return "fetched"
	case RateLimited:
		return "rate limited"
	case NotReady:
		return "not ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the per-source outcome of the last sync, in registration order.
type Result struct {
	Source  string
	Outcome Outcome
	Count   int
	Err     error
}

type Options struct {
	Policy       string // config.PolicySkip or config.PolicyWait
	FetchTimeout time.Duration
	Concurrency  int
	Log          *log.Logger
}

// Aggregator fetches from sources and advances their cursors in State.
type Aggregator struct {
	sources     []source.Source
	state       *cursor.State
	policy      string
	timeout     time.Duration
	concurrency int
	log         *log.Logger
	now         func() time.Time

	results []Result
}

// New returns an aggregator over sources, which must be in registration order.
func New(sources []source.Source, state *cursor.State, opts Options) *Aggregator {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicySkip
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = config.DefaultFetchTimeout
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Aggregator{
		sources:     sources,
		state:       state,
		policy:      opts.Policy,
		timeout:     opts.FetchTimeout,
		concurrency: opts.Concurrency,
		log:         opts.Log.WithPrefix("aggregate"),
		now:         time.Now,
	}
}

// State returns the cursor state the aggregator works on.
func (a *Aggregator) State() *cursor.State { return a.state }

// Results returns the per-source outcomes of the last Sync or Peek.
func (a *Aggregator) Results() []Result {
	return append([]Result(nil), a.results...)
}

type fetchResult struct {
	records []source.Record
	outcome Outcome
	err     error
}

// Sync fetches from every source and advances the cursor of each source that
// returned records. The cursor moves to the oldest returned record and the head
// to the newest; incremental fetches resume after the head. With full set,
// sources return their whole history.
// A failing source contributes an empty batch and keeps its cursor.
// Batches are returned in registration order.
func (a *Aggregator) Sync(ctx context.Context, full bool) ([]Batch, error) {
	results := make([]fetchResult, len(a.sources))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, src := range a.sources {
		g.Go(func() error {
			r, err := a.fetch(ctx, src, full)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Commits happen here, one source at a time, so the order never depends on
	// which fetch finished first.
	batches := make([]Batch, 0, len(a.sources))
	a.results = a.results[:0]
	for i, src := range a.sources {
		r := results[i]
		a.results = append(a.results, Result{
			Source:  src.Name(),
			Outcome: r.outcome,
			Count:   len(r.records),
			Err:     r.err,
		})
		if r.outcome != Fetched {
			continue
		}
		if k := oldestKey(r.records); k != "" {
			a.state.Commit(src.Name(), k, newestKey(r.records))
		}
		batches = append(batches, Batch{Source: src.Name(), Records: r.records})
	}
	return batches, nil
}

// fetch runs one source through the rate gate and the readiness probe and
// fetches from it. Only context cancellation is returned as an error.
func (a *Aggregator) fetch(ctx context.Context, src source.Source, full bool) (fetchResult, error) {
	name := src.Name()
	d, ok := a.state.Get(name)
	if !ok {
		err := fault.SourceErr(name, "sync", errors.New("source has no cursor state"))
		a.log.Warn("skipping source", "source", name, "err", err)
		return fetchResult{outcome: Failed, err: err}, nil
	}

	if !cursor.CanRequest(d, a.now()) {
		if a.policy != config.PolicyWait {
			a.log.Debug("rate limited, skipping", "source", name, "retry_in", cursor.Until(d, a.now()))
			return fetchResult{outcome: RateLimited}, nil
		}
		a.log.Info("rate limited, waiting", "source", name, "wait", cursor.Until(d, a.now()))
		if err := cursor.Wait(ctx, d, a.now()); err != nil {
			return fetchResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return fetchResult{}, err
	}

	if !src.Ready(ctx) {
		a.log.Info("source not ready, skipping", "source", name)
		return fetchResult{outcome: NotReady}, nil
	}

	a.state.Stamp(name, a.now())

	fetchCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		records []source.Record
		err     error
	)
	if full {
		records, err = src.FetchAll(fetchCtx)
	} else {
		records, err = src.FetchNew(fetchCtx, d.After())
	}
	if err != nil {
		if ctx.Err() != nil {
			return fetchResult{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fault.SourceErr(name, "fetch", errors.New("timed out after "+a.timeout.String()))
		} else if fault.KindOf(err) != fault.Source {
			err = fault.SourceErr(name, "fetch", err)
		}
		a.log.Warn("fetch failed", "source", name, "err", err)
		return fetchResult{outcome: Failed, err: err}, nil
	}

	a.log.Debug("fetched", "source", name, "records", len(records), "full", full)
	return fetchResult{records: records, outcome: Fetched}, nil
}

// Peek fetches like Sync and then puts every cursor back. Request stamps are
// kept because the requests were made.
func (a *Aggregator) Peek(ctx context.Context) ([]Batch, error) {
	snap := a.state.Snapshot()
	defer a.state.RestoreCursors(snap)
	return a.Sync(ctx, false)
}

// HasUpdates returns the number of new records across all sources without
// consuming them.
func (a *Aggregator) HasUpdates(ctx context.Context) (int, error) {
	batches, err := a.Peek(ctx)
	if err != nil {
		return 0, err
	}
	return Count(batches), nil
}

// Count returns the total number of records in batches.
func Count(batches []Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Records)
	}
	return n
}

// oldestKey returns the K of the last record that has one. Records are
// newest first, so that is the oldest.
func oldestKey(records []source.Record) string {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].K != "" {
			return records[i].K
		}
	}
	return ""
}

// newestKey returns the K of the first record that has one.
func newestKey(records []source.Record) string {
	for _, r := range records {
		if r.K != "" {
			return r.K
		}
	}
	return ""
}
