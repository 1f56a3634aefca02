package digest

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/ppiankov/sensorpress/internal/aggregate"
	"github.com/ppiankov/sensorpress/internal/pipeline"
	"github.com/ppiankov/sensorpress/internal/summarize"
)

// TerminalFormatter formats a report for terminal output.
type TerminalFormatter struct {
	color bool
}

// NewTerminal creates a terminal formatter. Set color=true for ANSI colors.
func NewTerminal(color bool) *TerminalFormatter {
	return &TerminalFormatter{color: color}
}

// Format writes the per-source outcomes, the plan in display order and the
// publish totals.
func (f *TerminalFormatter) Format(w io.Writer, report *pipeline.Report) error {
	c := countOutcomes(report.Sources)
	header := fmt.Sprintf("sensorpress: %d sources, %s records",
		len(report.Sources), humanize.Comma(int64(len(report.Plan))))
	if report.DryRun {
		header += " (dry run)"
	}
	fmt.Fprintln(w, f.bold(header))
	fmt.Fprintln(w)

	if len(report.Sources) > 0 {
		fmt.Fprintln(w, f.bold("--- Sources ---"))
		for _, r := range report.Sources {
			f.writeSource(w, r)
		}
		fmt.Fprintln(w)
	}

	if len(report.Plan) == 0 {
		fmt.Fprintln(w, "Nothing new.")
	} else {
		fmt.Fprintln(w, f.bold(fmt.Sprintf("--- Plan (%d) ---", len(report.Plan))))
		for i, e := range report.Plan {
			fmt.Fprintf(w, "  %3d. %s %s\n", i+1,
				f.dim("["+e.Source+"]"),
				summarize.FirstLine(e.Record.Caption, headlineLen))
		}
		fmt.Fprintln(w)
	}

	if len(report.Failures) > 0 {
		fmt.Fprintln(w, f.red(f.bold(fmt.Sprintf("--- Failed (%d) ---", len(report.Failures)))))
		for _, fl := range report.Failures {
			fmt.Fprintf(w, "  [%s] %s\n", fl.Source, summarize.FirstLine(fl.Caption, headlineLen))
			fmt.Fprintf(w, "      %s\n", f.dim(errString(fl.Err)))
		}
		fmt.Fprintln(w)
	}

	if report.DryRun {
		fmt.Fprintln(w, f.dim("Dry run: nothing published, cursors unchanged."))
		return nil
	}

	p := report.Published
	fmt.Fprintf(w, "Published %s, replaced %s, skipped %s",
		humanize.Comma(int64(p.Created)), humanize.Comma(int64(p.Deleted)), humanize.Comma(int64(p.Skipped)))
	if report.Purged > 0 {
		fmt.Fprintf(w, ", purged %s", humanize.Comma(int64(report.Purged)))
	}
	fmt.Fprintln(w)
	if p.ImagesFailed > 0 || c.failed > 0 {
		fmt.Fprintln(w, f.yellow(fmt.Sprintf("%d images dropped, %d sources failed", p.ImagesFailed, c.failed)))
	}
	return nil
}

func (f *TerminalFormatter) writeSource(w io.Writer, r aggregate.Result) {
	switch r.Outcome {
	case aggregate.Fetched:
		fmt.Fprintf(w, "  %s %-20s %d new\n", f.green("ok"), r.Source, r.Count)
	case aggregate.Failed:
		fmt.Fprintf(w, "  %s %-20s %s\n", f.red("!!"), r.Source, f.dim(errString(r.Err)))
	default:
		fmt.Fprintf(w, "  %s %-20s %s\n", f.yellow("--"), r.Source, r.Outcome)
	}
}

// ANSI helpers, no-op when color=false.

func (f *TerminalFormatter) bold(s string) string   { return f.ansi("1", s) }
func (f *TerminalFormatter) green(s string) string  { return f.ansi("32", s) }
func (f *TerminalFormatter) yellow(s string) string { return f.ansi("33", s) }
func (f *TerminalFormatter) red(s string) string    { return f.ansi("31", s) }
func (f *TerminalFormatter) dim(s string) string    { return f.ansi("2", s) }

func (f *TerminalFormatter) ansi(code, s string) string {
	if !f.color {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}
