package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agentic-research/stratum/internal/ingest"
)

var loadCmd = &cobra.Command{
	Use:   "load [file-or-dir]...",
	Short: "Load JSON exports of nodes, assertions and space-time facts",
	Long: `Reads each JSON file (or every .json file under a directory) and upserts
its nodes, assertions and space-time facts. Records that fail validation
are reported and skipped; loading the same file twice is a no-op.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := ingest.NewLoader(current.store, current.logger)
		var failed int
		for _, path := range args {
			sum, err := loader.Ingest(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			for _, e := range sum.Errors {
				current.logger.Warn("skipped record", slog.String("path", path), slog.String("error", e))
			}
			failed += len(sum.Errors)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d files, %d nodes, %d assertions, %d spacetime, %d errors\n",
				path, sum.Files, sum.Nodes, sum.Assertions, sum.SpaceTime, len(sum.Errors))
		}
		if failed > 0 {
			return fmt.Errorf("%d records could not be loaded", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loadCmd)
}
