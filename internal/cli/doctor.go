package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/sensorpress/internal/config"
	"github.com/ppiankov/sensorpress/internal/logging"
	"github.com/ppiankov/sensorpress/internal/privacy"
	"github.com/ppiankov/sensorpress/internal/source"
	"github.com/ppiankov/sensorpress/internal/store"
)

const doctorPingTimeout = 15 * time.Second

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check config, database, sources and the content store",
	RunE:  doctorAction,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func doctorAction(cmd *cobra.Command, _ []string) error {
	ok := true

	// Config dir
	if info, err := os.Stat(configDir); err != nil || !info.IsDir() {
		printCheck(false, "config directory %s", configDir)
		return fmt.Errorf("some checks failed")
	}
	printCheck(true, "config directory %s", configDir)

	// Config file
	cfg, err := config.Load(configDir)
	if err != nil {
		printCheck(false, "config.yaml: %v", err)
		return fmt.Errorf("some checks failed")
	}
	kinds := make(map[string]int)
	for _, sc := range cfg.Sources {
		kinds[sc.Kind]++
	}
	printCheck(true, "config.yaml (%d sources: %s)", len(cfg.Sources), formatKinds(kinds))

	if _, err := privacy.New(cfg.Privacy.Redact); err != nil {
		printCheck(false, "redact patterns: %v", err)
		ok = false
	}

	// Database
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		printCheck(false, "database: %v", err)
		return fmt.Errorf("some checks failed")
	}
	defer func() { _ = db.Close() }()
	printCheck(true, "database %s", cfg.Storage.Path)

	// Cursor state
	if _, err := cursorStore(cfg, db).Load(cmd.Context()); err != nil {
		printCheck(false, "cursor state (%s): %v", cfg.State.Backend, err)
		ok = false
	} else {
		printCheck(true, "cursor state (%s)", cfg.State.Backend)
	}

	// Sources
	if _, err := source.BuildAll(cfg, source.Deps{Cache: db, Log: logging.Discard()}); err != nil {
		printCheck(false, "sources: %v", err)
		ok = false
	}
	for _, sc := range cfg.Sources {
		if sc.Script == nil {
			continue
		}
		if _, err := exec.LookPath(sc.Script.Command); err != nil {
			printCheck(false, "script %s: %v", sc.Name, err)
			ok = false
		} else {
			printCheck(true, "script %s (%s)", sc.Name, sc.Script.Command)
		}
	}

	// Content store
	content, err := contentStore(cfg, db, logging.Discard())
	if err != nil {
		printCheck(false, "content store (%s): %v", cfg.CMS.Backend, err)
		ok = false
	} else {
		ctx, cancel := context.WithTimeout(cmd.Context(), doctorPingTimeout)
		defer cancel()
		if err := content.Ping(ctx); err != nil {
			printCheck(false, "content store (%s): %v", cfg.CMS.Backend, err)
			ok = false
		} else {
			printCheck(true, "content store (%s)", cfg.CMS.Backend)
		}
	}

	if !ok {
		return fmt.Errorf("some checks failed")
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func formatKinds(kinds map[string]int) string {
	var parts []string
	for _, k := range []string{config.KindRSS, config.KindHN, config.KindReddit, config.KindStocks, config.KindScript} {
		if n := kinds[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, k))
		}
	}
	return strings.Join(parts, ", ")
}

func printCheck(pass bool, format string, args ...any) {
	mark := "FAIL"
	if pass {
		mark = " OK "
	}
	fmt.Printf("[%s] %s\n", mark, fmt.Sprintf(format, args...))
}
