package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mergeDryRun bool

var mergeCmd = &cobra.Command{
	Use:   "merge [keep-root-id] [delete-root-id]",
	Short: "Fold a duplicated subtree into its twin",
	Long: `Aligns the two subtrees by path, then for each pair from the deepest up
redirects assertions, space-time facts, classifications and children from
the deleted node to the kept one before removing it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := current.svc.MergeDuplicateSubtrees(cmd.Context(), args[0], args[1], mergeDryRun)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
			return err
		}
		if len(rep.Errors) > 0 {
			return fmt.Errorf("merge finished with %d errors", len(rep.Errors))
		}
		return nil
	},
}

func init() {
	mergeCmd.Flags().BoolVar(&mergeDryRun, "dry-run", false, "Report the planned pairs without writing")
	rootCmd.AddCommand(mergeCmd)
}
