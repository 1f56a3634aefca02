package digest

import (
	"fmt"
	"io"

	"github.com/ppiankov/sensorpress/internal/pipeline"
	"github.com/ppiankov/sensorpress/internal/summarize"
)

// MarkdownFormatter formats a report as Markdown.
type MarkdownFormatter struct{}

// NewMarkdown creates a Markdown formatter.
func NewMarkdown() *MarkdownFormatter {
	return &MarkdownFormatter{}
}

// Format writes the report as Markdown to w.
func (f *MarkdownFormatter) Format(w io.Writer, report *pipeline.Report) error {
	fmt.Fprintf(w, "# sensorpress run\n\n")
	if report.DryRun {
		fmt.Fprintf(w, "_Dry run: nothing published._\n\n")
	}

	if len(report.Sources) > 0 {
		fmt.Fprintf(w, "## Sources\n\n")
		fmt.Fprintf(w, "| Source | Outcome | Records |\n|---|---|---|\n")
		for _, r := range report.Sources {
			outcome := r.Outcome.String()
			if r.Err != nil {
				outcome += ": " + r.Err.Error()
			}
			fmt.Fprintf(w, "| %s | %s | %d |\n", r.Source, outcome, r.Count)
		}
		fmt.Fprintln(w)
	}

	if len(report.Plan) == 0 {
		fmt.Fprintln(w, "No new records.")
		return nil
	}

	fmt.Fprintf(w, "## Plan (%d)\n\n", len(report.Plan))
	for i, e := range report.Plan {
		caption := summarize.FirstLine(e.Record.Caption, headlineLen)
		if e.Record.Origin != "" {
			caption = fmt.Sprintf("[%s](%s)", caption, e.Record.Origin)
		}
		fmt.Fprintf(w, "%d. **%s** %s\n", i+1, e.Source, caption)
	}
	fmt.Fprintln(w)

	if len(report.Failures) > 0 {
		fmt.Fprintf(w, "## Failed (%d)\n\n", len(report.Failures))
		for _, fl := range report.Failures {
			fmt.Fprintf(w, "- **%s** `%s`: %s\n", fl.Source, fl.K, errString(fl.Err))
		}
		fmt.Fprintln(w)
	}

	if !report.DryRun {
		p := report.Published
		fmt.Fprintf(w, "*Published %d, replaced %d, skipped %d, images dropped %d*\n",
			p.Created, p.Deleted, p.Skipped, p.ImagesFailed)
	}
	return nil
}
