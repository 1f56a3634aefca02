package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var purgeAll bool

var purgeCmd = &cobra.Command{
	Use:   "purge [source...]",
	Short: "Delete every post and the tag of the given sources",
	RunE:  purgeAction,
}

func init() {
	purgeCmd.Flags().BoolVar(&purgeAll, "all", false, "delete every post in the store and its tags")
	rootCmd.AddCommand(purgeCmd)
}

func purgeAction(cmd *cobra.Command, args []string) error {
	switch {
	case purgeAll && len(args) > 0:
		return errors.New("give source names or --all, not both")
	case !purgeAll && len(args) == 0:
		return errors.New("no sources given (use --all to purge every post)")
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	n, err := a.runner.Purge(ctx, args)
	a.finish(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d posts.\n", n)
	return nil
}
