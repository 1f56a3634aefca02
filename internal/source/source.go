package source

import (
	"context"
	"strings"

	"github.com/ppiankov/sensorpress/internal/fault"
)

// Record is one publishable unit produced by a source.
type Record struct {
	K       string `json:"k"`                // source-defined identifier, used as the cursor
	Date    string `json:"date"`             // human readable date of the record
	Caption string `json:"caption"`          // post title
	Summary string `json:"summary"`          // post excerpt
	Story   string `json:"story,omitempty"`  // long-form markdown body, defaults to Summary
	Img     string `json:"img,omitempty"`    // remote URL or local path of the feature image
	Origin  string `json:"origin,omitempty"` // link to the original item
}

// Validate reports a validation fault when K, Caption or Summary is missing.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.K) == "":
		return fault.ValidationErr(r.Caption, "k is required")
	case strings.TrimSpace(r.Caption) == "":
		return fault.ValidationErr(r.K, "caption is required")
	case strings.TrimSpace(r.Summary) == "":
		return fault.ValidationErr(r.K, "summary is required")
	}
	return nil
}

// StoryOrSummary returns the story, falling back to the summary.
func (r Record) StoryOrSummary() string {
	if strings.TrimSpace(r.Story) == "" {
		return r.Summary
	}
	return r.Story
}

// Source fetches content records from one upstream origin.
// Every fetch returns records newest first.
type Source interface {
	// Name returns the registered source name. It doubles as the tag name.
	Name() string

	// FetchNew returns the records newer than cursor, the newest key already
	// consumed. An empty cursor means the source has not been consumed yet.
	FetchNew(ctx context.Context, cursor string) ([]Record, error)

	// FetchAll returns the full history the source can provide.
	FetchAll(ctx context.Context) ([]Record, error)

	// Ready reports whether the upstream currently accepts requests.
	Ready(ctx context.Context) bool
}

// Describer is implemented by sources that can describe themselves when
// their tag is created.
type Describer interface {
	About() string
	FeaturedImage() string
}

// meta carries the descriptive fields every provider shares.
type meta struct {
	name  string
	about string
	image string
}

func (m meta) Name() string          { return m.name }
func (m meta) About() string         { return m.about }
func (m meta) FeaturedImage() string { return m.image }

// Ready is true for providers without an upstream quota probe.
func (m meta) Ready(context.Context) bool { return true }

// newerThan returns the prefix of newest-first records that precede the
// record whose K equals cursor. If cursor is empty or not present, all
// records are new.
func newerThan(records []Record, cursor string) []Record {
	if cursor == "" {
		return records
	}
	for i, r := range records {
		if r.K == cursor {
			return records[:i]
		}
	}
	return records
}
