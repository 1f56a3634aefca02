package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/ppiankov/sensorpress/internal/aggregate"
	"github.com/ppiankov/sensorpress/internal/cms"
	"github.com/ppiankov/sensorpress/internal/config"
	"github.com/ppiankov/sensorpress/internal/cursor"
	"github.com/ppiankov/sensorpress/internal/fault"
	"github.com/ppiankov/sensorpress/internal/logging"
	"github.com/ppiankov/sensorpress/internal/metrics"
	"github.com/ppiankov/sensorpress/internal/pipeline"
	"github.com/ppiankov/sensorpress/internal/privacy"
	"github.com/ppiankov/sensorpress/internal/publish"
	"github.com/ppiankov/sensorpress/internal/source"
	"github.com/ppiankov/sensorpress/internal/store"
)

// app is everything a command needs, opened from the config directory.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	db      *store.Store
	cursors cursor.Store
	state   *cursor.State
	content cms.ContentStore
	metrics *metrics.Metrics
	runner  *pipeline.Runner
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fault.ConfigErr("load config", err)
	}
	return cfg, nil
}

// openApp loads config, opens the database and cursor state, and builds the
// sources, content store and runner.
func openApp(ctx context.Context) (_ *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return nil, fault.ConfigErr("open log", err)
	}
	a := &app{cfg: cfg, log: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.db, err = store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.cursors = cursorStore(cfg, a.db)
	persisted, err := a.cursors.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cursor state: %w", err)
	}
	a.state = cursor.NewState(cfg.Sources, persisted)

	a.content, err = contentStore(cfg, a.db, logger.Logger)
	if err != nil {
		return nil, err
	}

	sources, err := source.BuildAll(cfg, source.Deps{Cache: a.db, Log: logger.Logger})
	if err != nil {
		return nil, err
	}

	redactor, err := privacy.New(cfg.Privacy.Redact)
	if err != nil {
		return nil, fault.ConfigErr("compile redact patterns", err)
	}

	a.runner = pipeline.New(pipeline.Deps{
		Sources:   sources,
		State:     a.state,
		Cursors:   a.cursors,
		Content:   a.content,
		Publisher: publish.New(a.content, publish.Options{Redactor: redactor, Log: logger.Logger}),
		Sync: aggregate.Options{
			Policy:       cfg.Sync.Policy,
			FetchTimeout: cfg.Sync.FetchTimeout.Duration,
			Concurrency:  cfg.Sync.Concurrency,
			Log:          logger.Logger,
		},
		Metrics: a.metrics,
		Log:     logger.Logger,
	})
	return a, nil
}

func cursorStore(cfg *config.Config, db *store.Store) cursor.Store {
	if cfg.State.Backend == config.BackendFile {
		return cursor.NewFileStore(cfg.State.Path)
	}
	return db.Cursors()
}

func contentStore(cfg *config.Config, db *store.Store, logger *log.Logger) (cms.ContentStore, error) {
	if cfg.CMS.Backend == config.BackendGhost {
		g, err := cms.NewGhost(cfg.CMS.Ghost, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return db.Content(), nil
}

// finish prunes the payload cache and writes the metrics textfile. Failures
// are logged, never returned.
func (a *app) finish(ctx context.Context) {
	if n, err := a.db.PruneCache(ctx, a.cfg.Storage.CacheRetainDays); err != nil {
		a.log.Warn("prune payload cache", "err", err)
	} else if n > 0 {
		a.log.Debug("pruned payload cache", "entries", n)
	}
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.log.Warn("write metrics", "err", err)
	}
}

func (a *app) Close() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	errs = append(errs, a.log.Close())
	return errors.Join(errs...)
}
