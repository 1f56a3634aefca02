package source

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/ppiankov/sensorpress/internal/config"
	"github.com/ppiankov/sensorpress/internal/fault"
	"github.com/ppiankov/sensorpress/internal/logging"
)

// PayloadCache stores raw upstream payloads for sources that detect changes
// by comparing against the previous response.
type PayloadCache interface {
	GetPayload(ctx context.Context, source, key string) ([]byte, error)
	PutPayload(ctx context.Context, source, key string, data []byte) error
}

// Deps are the collaborators a provider constructor may need.
type Deps struct {
	Cache PayloadCache
	Log   *log.Logger
}

// Constructor builds a Source from its config.
type Constructor func(sc config.SourceConfig, deps Deps) (Source, error)

var registry = map[string]Constructor{
	config.KindRSS: func(sc config.SourceConfig, deps Deps) (Source, error) {
		return NewRSS(metaFor(sc), *sc.RSS, deps.Log)
	},
	config.KindHN: func(sc config.SourceConfig, deps Deps) (Source, error) {
		return NewHN(metaFor(sc), sc.HN.MinPoints, deps.Log)
	},
	config.KindReddit: func(sc config.SourceConfig, _ Deps) (Source, error) {
		return NewReddit(metaFor(sc), sc.Reddit.Subreddits)
	},
	config.KindStocks: func(sc config.SourceConfig, deps Deps) (Source, error) {
		return NewStocks(metaFor(sc), *sc.Stocks, deps.Cache)
	},
	config.KindScript: func(sc config.SourceConfig, _ Deps) (Source, error) {
		return NewScript(metaFor(sc), sc.Script.Command, sc.Script.Args)
	},
}

// Build constructs the source described by sc.
func Build(sc config.SourceConfig, deps Deps) (Source, error) {
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	ctor, ok := registry[sc.Kind]
	if !ok {
		return nil, fault.ConfigErr("build source "+sc.Name, fmt.Errorf("unknown kind %q", sc.Kind))
	}
	if !hasBlock(sc) {
		return nil, fault.ConfigErr("build source "+sc.Name, fmt.Errorf("missing %s block", sc.Kind))
	}
	src, err := ctor(sc, deps)
	if err != nil {
		return nil, fault.ConfigErr("build source "+sc.Name, err)
	}
	return src, nil
}

// BuildAll constructs every configured source in registration order.
func BuildAll(cfg *config.Config, deps Deps) ([]Source, error) {
	sources := make([]Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src, err := Build(sc, deps)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func hasBlock(sc config.SourceConfig) bool {
	switch sc.Kind {
	case config.KindRSS:
		return sc.RSS != nil
	case config.KindHN:
		return sc.HN != nil
	case config.KindReddit:
		return sc.Reddit != nil
	case config.KindStocks:
		return sc.Stocks != nil
	case config.KindScript:
		return sc.Script != nil
	}
	return false
}

func metaFor(sc config.SourceConfig) meta {
	return meta{name: sc.Name, about: sc.About, image: sc.Image}
}
