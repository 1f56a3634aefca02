package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/sensorpress/internal/aggregate"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Count new records without publishing them",
	RunE:  checkAction,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func checkAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	n, results, err := a.runner.Check(ctx)
	a.finish(ctx)
	if err != nil {
		return err
	}

	for _, r := range results {
		switch r.Outcome {
		case aggregate.Fetched:
			fmt.Printf("  %-20s %d new\n", r.Source, r.Count)
		case aggregate.Failed:
			fmt.Printf("  %-20s failed: %v\n", r.Source, r.Err)
		default:
			fmt.Printf("  %-20s %s\n", r.Source, r.Outcome)
		}
	}
	fmt.Printf("%d new records\n", n)
	return nil
}
