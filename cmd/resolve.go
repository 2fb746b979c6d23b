package cmd

import (
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [item-id]...",
	Short: "Print the effective geometry and chronology of items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), current.svc.ResolveSpacetime(cmd.Context(), args...))
	},
}

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize [item-id]...",
	Short: "Print canonical statements synthesized for items",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), current.svc.SynthesizeEquivalents(cmd.Context(), args...))
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(synthesizeCmd)
}
