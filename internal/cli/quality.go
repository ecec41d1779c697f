package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tradeguard/internal/app"
)

var (
	exportSource    string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var qualityCmd = &cobra.Command{
	Use:   "quality",
	Short: "Data quality history tools",
}

var qualityExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the quality history of a source as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			SourceID:  exportSource,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	qualityExportCmd.Flags().StringVar(&exportSource, "source", "", "Source id whose quality scores are exported")
	qualityExportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	qualityExportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	qualityExportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	qualityExportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	qualityExportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")

	qualityCmd.AddCommand(qualityExportCmd)
}
