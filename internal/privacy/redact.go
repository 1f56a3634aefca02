// Package privacy masks configured patterns in record text before it is published.
package privacy

import (
	"fmt"
	"regexp"

	"github.com/ppiankov/sensorpress/internal/config"
	"github.com/ppiankov/sensorpress/internal/source"
)

const redactedPlaceholder = "[REDACTED]"

// Compile compiles a list of regex pattern strings into compiled regexps.
// Returns an error if any pattern is invalid.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Apply replaces all matches of the compiled patterns in text with [REDACTED].
func Apply(text string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		text = re.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// Redactor masks the text fields of records. A nil Redactor passes records through.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New returns a Redactor for cfg, or nil when redaction is disabled.
func New(cfg config.RedactConfig) (*Redactor, error) {
	if !cfg.Enabled || len(cfg.Patterns) == 0 {
		return nil, nil
	}
	patterns, err := Compile(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	return &Redactor{patterns: patterns}, nil
}

// Record returns rec with caption, summary and story redacted. Links and
// keys are left alone.
func (r *Redactor) Record(rec source.Record) source.Record {
	if r == nil {
		return rec
	}
	rec.Caption = Apply(rec.Caption, r.patterns)
	rec.Summary = Apply(rec.Summary, r.patterns)
	rec.Story = Apply(rec.Story, r.patterns)
	return rec
}
