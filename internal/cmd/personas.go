package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redswoop/domuser/internal/persona"
	"github.com/redswoop/domuser/internal/termstyle"
)

func newPersonasCmd() *cobra.Command {
	var personasDir string

	cmd := &cobra.Command{
		Use:   "personas",
		Short: "List loaded personas and their schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			personas, err := persona.LoadDir(personasDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range personas {
				fmt.Fprintf(out, "%s %s\n", termstyle.Bold(p.Handle), termstyle.Dim("("+p.Name+")"))
				fmt.Fprintf(out, "    %s\n", scheduleSummary(p))
			}
			fmt.Fprintf(out, "%d personas\n", len(personas))
			return nil
		},
	}

	cmd.Flags().StringVar(&personasDir, "personas-dir", "personas", "directory of persona YAML files")
	return cmd
}
