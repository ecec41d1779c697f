package cli

import (
	"github.com/spf13/cobra"

	"tradeguard/internal/app"
)

var (
	seedPath   string
	seedDryRun bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create or update breakers from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Seed(cmd.Context(), app.SeedOptions{Path: seedPath, DryRun: seedDryRun})
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedPath, "file", "", "Seed file (defaults to breaker.seed_file)")
	seedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false, "Validate the file without writing to storage")
}
