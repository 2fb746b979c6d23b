package cmd

import (
	"github.com/spf13/cobra"
)

var flagCmd = &cobra.Command{
	Use:   "flag [project-id]",
	Short: "Propagate human-remains flags across a project",
	Long: `Flags subject records linked to human remains, then media and documents
depicting or describing them. Progress is checkpointed so an interrupted
run resumes where it stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := current.svc.PropagateSensitivity(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

func init() {
	rootCmd.AddCommand(flagCmd)
}
