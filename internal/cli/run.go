package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/sensorpress/internal/digest"
	"github.com/ppiankov/sensorpress/internal/pipeline"
)

var (
	runFull    bool
	runPurge   bool
	runDryRun  bool
	runFormat  string
	runNoColor bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync all sources and publish new records",
	Long: `Fetches new records from every source that is not cooling down, interleaves
them and publishes them oldest first. Existing posts with the same title and
excerpt are replaced. If any record fails to publish, cursors are kept where
they were so the next run fetches the same records again.`,
	RunE: runAction,
}

func init() {
	runCmd.Flags().BoolVar(&runFull, "full", false, "fetch each source's whole history instead of what is new")
	runCmd.Flags().BoolVar(&runPurge, "purge", false, "delete every post and its tags before publishing")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "fetch and show the plan without publishing or moving cursors")
	runCmd.Flags().StringVar(&runFormat, "format", "text", "report format: text, json, markdown")
	runCmd.Flags().BoolVar(&runNoColor, "no-color", false, "disable ANSI colors")
	rootCmd.AddCommand(runCmd)
}

func runAction(cmd *cobra.Command, _ []string) error {
	formatter, err := digest.New(runFormat, !runNoColor)
	if err != nil {
		return err
	}
	if runPurge && runDryRun {
		return errors.New("--purge and --dry-run cannot be combined")
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	report, runErr := a.runner.Run(ctx, pipeline.Options{
		Full:       runFull,
		PurgeFirst: runPurge,
		DryRun:     runDryRun,
	})
	a.finish(ctx)

	if err := formatter.Format(os.Stdout, report); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
