package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/sensorpress/internal/cursor"
	"github.com/ppiankov/sensorpress/internal/store"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show each source's cursor and when it may be fetched again",
	RunE:  statusAction,
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text, json")
	rootCmd.AddCommand(statusCmd)
}

type sourceStatus struct {
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Cursor       string    `json:"cursor"`
	Head         string    `json:"head,omitempty"`
	LastRequest  time.Time `json:"last_request,omitzero"`
	RequestDelta string    `json:"request_delta"`
	Ready        bool      `json:"ready"`
	NextRequest  time.Time `json:"next_request,omitzero"`
}

func statusAction(cmd *cobra.Command, _ []string) error {
	if statusFormat != "text" && statusFormat != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", statusFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	persisted, err := cursorStore(cfg, db).Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load cursor state: %w", err)
	}
	state := cursor.NewState(cfg.Sources, persisted)

	statuses := buildStatus(state.Descriptors(), time.Now())
	if statusFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}
	writeStatus(os.Stdout, statuses)
	return nil
}

func buildStatus(descs []cursor.Descriptor, now time.Time) []sourceStatus {
	out := make([]sourceStatus, 0, len(descs))
	for _, d := range descs {
		st := sourceStatus{
			Name:         d.Name,
			Kind:         d.Kind,
			Cursor:       d.K,
			Head:         d.Head,
			LastRequest:  d.LastRequest,
			RequestDelta: d.RequestDelta.String(),
			Ready:        cursor.CanRequest(d, now),
		}
		if !st.Ready {
			st.NextRequest = now.Add(cursor.Until(d, now))
		}
		out = append(out, st)
	}
	return out
}

func writeStatus(w io.Writer, statuses []sourceStatus) {
	fmt.Fprintf(w, "%-20s %-7s %-24s %-18s %s\n", "SOURCE", "KIND", "CURSOR", "LAST REQUEST", "NEXT")
	for _, st := range statuses {
		cur := st.Cursor
		if cur == "" {
			cur = "-"
		} else if len(cur) > 24 {
			cur = cur[:21] + "..."
		}
		last := "never"
		if !st.LastRequest.IsZero() {
			last = humanize.Time(st.LastRequest)
		}
		next := "now"
		if !st.Ready {
			next = humanize.Time(st.NextRequest)
		}
		fmt.Fprintf(w, "%-20s %-7s %-24s %-18s %s\n", st.Name, st.Kind, cur, last, next)
	}
}
