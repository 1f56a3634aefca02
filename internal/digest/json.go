package digest

import (
	"encoding/json"
	"io"

	"github.com/ppiankov/sensorpress/internal/pipeline"
)

type jsonReport struct {
	DryRun    bool          `json:"dry_run"`
	Sources   []jsonSource  `json:"sources"`
	Plan      []jsonEntry   `json:"plan"`
	Purged    int           `json:"purged,omitempty"`
	Published jsonPublished `json:"published"`
	Failures  []jsonFailure `json:"failures,omitempty"`
}

type jsonSource struct {
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
	Records int    `json:"records"`
	Error   string `json:"error,omitempty"`
}

type jsonEntry struct {
	Source  string `json:"source"`
	K       string `json:"k"`
	Caption string `json:"caption"`
	Origin  string `json:"origin,omitempty"`
}

type jsonPublished struct {
	Created      int `json:"created"`
	Deleted      int `json:"deleted"`
	Skipped      int `json:"skipped"`
	ImagesFailed int `json:"images_failed"`
}

type jsonFailure struct {
	Source string `json:"source"`
	K      string `json:"k"`
	Error  string `json:"error"`
}

// JSONFormatter formats a report as JSON.
type JSONFormatter struct{}

// NewJSON creates a JSON formatter.
func NewJSON() *JSONFormatter {
	return &JSONFormatter{}
}

// Format writes the report as indented JSON to w.
func (f *JSONFormatter) Format(w io.Writer, report *pipeline.Report) error {
	out := jsonReport{
		DryRun:  report.DryRun,
		Sources: make([]jsonSource, 0, len(report.Sources)),
		Plan:    make([]jsonEntry, 0, len(report.Plan)),
		Purged:  report.Purged,
		Published: jsonPublished{
			Created:      report.Published.Created,
			Deleted:      report.Published.Deleted,
			Skipped:      report.Published.Skipped,
			ImagesFailed: report.Published.ImagesFailed,
		},
	}
	for _, r := range report.Sources {
		out.Sources = append(out.Sources, jsonSource{
			Name:    r.Source,
			Outcome: r.Outcome.String(),
			Records: r.Count,
			Error:   errString(r.Err),
		})
	}
	for _, e := range report.Plan {
		out.Plan = append(out.Plan, jsonEntry{
			Source:  e.Source,
			K:       e.Record.K,
			Caption: e.Record.Caption,
			Origin:  e.Record.Origin,
		})
	}
	for _, fl := range report.Failures {
		out.Failures = append(out.Failures, jsonFailure{
			Source: fl.Source,
			K:      fl.K,
			Error:  errString(fl.Err),
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
