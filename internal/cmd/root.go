package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "domuser",
		Short: "Simulated callers for telnet bulletin boards",
		Long: "domuser dials LLM-driven personas into a BBS over telnet, one watched\n" +
			"session at a time or a whole scheduled community of them.",
	}

	rootCmd.AddCommand(
		newSingleCmd(),
		newOrchestrateCmd(),
		newPersonasCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
