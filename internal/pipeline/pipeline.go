// Package pipeline runs one sync, interleave and publish cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/ppiankov/sensorpress/internal/aggregate"
	"github.com/ppiankov/sensorpress/internal/cms"
	"github.com/ppiankov/sensorpress/internal/cursor"
	"github.com/ppiankov/sensorpress/internal/fault"
	"github.com/ppiankov/sensorpress/internal/interleave"
	"github.com/ppiankov/sensorpress/internal/logging"
	"github.com/ppiankov/sensorpress/internal/metrics"
	"github.com/ppiankov/sensorpress/internal/publish"
	"github.com/ppiankov/sensorpress/internal/source"
)

// Deps are the collaborators of a Runner.
type Deps struct {
	Sources   []source.Source // registration order
	State     *cursor.State
	Cursors   cursor.Store
	Content   cms.ContentStore
	Publisher *publish.Publisher
	Sync      aggregate.Options
	Metrics   *metrics.Metrics
	Log       *log.Logger
}

type Options struct {
	Full       bool // fetch each source's whole history instead of what follows the cursor
	PurgeFirst bool // delete every post and its tags before publishing
	DryRun     bool // fetch and plan, publish nothing, keep cursors
}

// Failure is a record that could not be published.
type Failure struct {
	Source  string
	K       string
	Caption string
	Err     error
}

// Report describes one cycle.
type Report struct {
	DryRun    bool
	Sources   []aggregate.Result
	Batches   []aggregate.Batch
	Plan      interleave.Plan
	Purged    int
	Published publish.Stats
	Failures  []Failure
}

// Runner executes cycles against one content store.
type Runner struct {
	sources   []source.Source
	byName    map[string]source.Source
	agg       *aggregate.Aggregator
	state     *cursor.State
	cursors   cursor.Store
	content   cms.ContentStore
	publisher *publish.Publisher
	metrics   *metrics.Metrics
	log       *log.Logger
}

func New(d Deps) *Runner {
	if d.Log == nil {
		d.Log = logging.Discard()
	}
	if d.Sync.Log == nil {
		d.Sync.Log = d.Log
	}
	if d.Publisher == nil {
		d.Publisher = publish.New(d.Content, publish.Options{Log: d.Log})
	}

	byName := make(map[string]source.Source, len(d.Sources))
	for _, src := range d.Sources {
		byName[src.Name()] = src
	}
	return &Runner{
		sources:   d.Sources,
		byName:    byName,
		agg:       aggregate.New(d.Sources, d.State, d.Sync),
		state:     d.State,
		cursors:   d.Cursors,
		content:   d.Content,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		log:       d.Log.WithPrefix("pipeline"),
	}
}

// Names returns the registered source names in order.
func (r *Runner) Names() []string {
	names := make([]string, len(r.sources))
	for i, src := range r.sources {
		names[i] = src.Name()
	}
	return names
}

// Run performs one cycle. Records that fail to publish are collected in the
// report and the cycle goes on; the returned error then joins them. When any
// record failed, cursors are put back to where the cycle started so the next
// run fetches the same records again, while request stamps are kept.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{DryRun: opts.DryRun}

	if !opts.DryRun {
		if err := r.content.Ping(ctx); err != nil {
			return report, fmt.Errorf("content store unavailable: %w", err)
		}
		if opts.PurgeFirst {
			n, err := r.publisher.PurgeEverything(ctx, r.Names())
			report.Purged = n
			r.metrics.AddDeleted(n)
			if err != nil {
				return report, fmt.Errorf("purge: %w", err)
			}
			r.log.Info("purged all posts", "posts", n)
		}
	}

	snap := r.state.Snapshot()
	batches, err := r.agg.Sync(ctx, opts.Full)
	if err != nil {
		r.state.RestoreCursors(snap)
		return report, fmt.Errorf("sync: %w", err)
	}
	report.Sources = r.agg.Results()
	report.Batches = batches
	report.Plan = interleave.Interleave(batches)
	r.observeSources(report.Sources)

	r.log.Info("planned cycle", "records", len(report.Plan), "sources", len(batches), "full", opts.Full)

	if opts.DryRun {
		r.state.RestoreCursors(snap)
		return report, r.save(ctx)
	}

	before := r.publisher.Stats()
	var fatal error
	for _, e := range report.Plan.PublishOrder() {
		created := r.publisher.Stats().Created
		if err := r.publisher.Publish(ctx, r.byName[e.Source], e.Record); err != nil {
			if fault.IsFatal(err) || ctx.Err() != nil {
				fatal = err
				break
			}
			r.log.Error("publish failed", "source", e.Source, "k", e.Record.K, "err", err)
			r.metrics.IncPublishFailure()
			report.Failures = append(report.Failures, Failure{
				Source:  e.Source,
				K:       e.Record.K,
				Caption: e.Record.Caption,
				Err:     err,
			})
			continue
		}
		if r.publisher.Stats().Created > created {
			r.metrics.IncCreated(e.Source)
		}
	}
	report.Published = diffStats(before, r.publisher.Stats())
	r.metrics.AddDeleted(report.Published.Deleted)
	r.metrics.AddSkipped(report.Published.Skipped)
	r.metrics.AddImagesFailed(report.Published.ImagesFailed)

	if fatal != nil || len(report.Failures) > 0 {
		r.state.RestoreCursors(snap)
	}
	// A cancelled context must not keep the stamps from being written.
	saveErr := r.save(context.WithoutCancel(ctx))

	if fatal != nil {
		return report, errors.Join(fmt.Errorf("publish aborted: %w", fatal), saveErr)
	}
	if saveErr != nil {
		return report, saveErr
	}
	if len(report.Failures) > 0 {
		errs := make([]error, len(report.Failures))
		for i, f := range report.Failures {
			errs[i] = f.Err
		}
		return report, fmt.Errorf("%d of %d records failed to publish: %w",
			len(report.Failures), len(report.Plan), errors.Join(errs...))
	}

	r.metrics.MarkSuccess()
	return report, nil
}

// Check counts new records without consuming them. Request stamps are saved.
func (r *Runner) Check(ctx context.Context) (int, []aggregate.Result, error) {
	n, err := r.agg.HasUpdates(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("check: %w", err)
	}
	results := r.agg.Results()
	r.observeSources(results)
	return n, results, r.save(ctx)
}

// Purge deletes the posts and tags of the named sources. With no names it
// deletes every post in the store and the tags they carried, including posts
// of sources that are no longer registered.
func (r *Runner) Purge(ctx context.Context, names []string) (int, error) {
	if err := r.content.Ping(ctx); err != nil {
		return 0, fmt.Errorf("content store unavailable: %w", err)
	}
	if len(names) == 0 {
		n, err := r.publisher.PurgeEverything(ctx, r.Names())
		r.metrics.AddDeleted(n)
		return n, err
	}
	for _, name := range names {
		if _, ok := r.byName[name]; !ok {
			return 0, fault.ConfigErr("purge", fmt.Errorf("unknown source %q", name))
		}
	}
	n, err := r.publisher.PurgeAll(ctx, names)
	r.metrics.AddDeleted(n)
	return n, err
}

func (r *Runner) save(ctx context.Context) error {
	if r.cursors == nil {
		return nil
	}
	if err := r.cursors.Save(ctx, r.state); err != nil {
		return fmt.Errorf("save cursor state: %w", err)
	}
	return nil
}

func (r *Runner) observeSources(results []aggregate.Result) {
	for _, res := range results {
		r.metrics.ObserveSource(res.Source, res.Outcome.String(), res.Count)
	}
}

func diffStats(before, after publish.Stats) publish.Stats {
	return publish.Stats{
		Created:      after.Created - before.Created,
		Deleted:      after.Deleted - before.Deleted,
		Skipped:      after.Skipped - before.Skipped,
		ImagesFailed: after.ImagesFailed - before.ImagesFailed,
	}
}
