// Package digest renders the report of a cycle for humans and scripts.
package digest

import (
	"fmt"
	"io"

	"github.com/ppiankov/sensorpress/internal/aggregate"
	"github.com/ppiankov/sensorpress/internal/pipeline"
)

// headlineLen caps captions in the plan listing.
const headlineLen = 72

// Formatter writes a formatted cycle report to w.
type Formatter interface {
	Format(w io.Writer, report *pipeline.Report) error
}

// New returns the formatter for format: "text", "json" or "markdown".
func New(format string, color bool) (Formatter, error) {
	switch format {
	case "", "text":
		return NewTerminal(color), nil
	case "json":
		return NewJSON(), nil
	case "markdown", "md":
		return NewMarkdown(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want text, json or markdown)", format)
	}
}

// counts tallies sources by outcome.
type counts struct {
	fetched, limited, notReady, failed int
}

func countOutcomes(results []aggregate.Result) counts {
	var c counts
	for _, r := range results {
		switch r.Outcome {
		case aggregate.Fetched:
			c.fetched++
		case aggregate.RateLimited:
			c.limited++
		case aggregate.NotReady:
			c.notReady++
		case aggregate.Failed:
			c.failed++
		}
	}
	return c
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
