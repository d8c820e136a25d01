package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modelsVerbose bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List available models",
	Long: `List the models offered by the Codex app-server.

Examples:
  codexhost models
  codexhost models --verbose    # Include descriptions`,
	RunE: runModels,
}

func init() {
	modelsCmd.Flags().BoolVarP(&modelsVerbose, "verbose", "v", false, "Include descriptions")
}

func runModels(cmd *cobra.Command, args []string) error {
	svc, err := openService()
	if err != nil {
		return err
	}
	defer closeService(svc)

	models, err := svc.Models(context.Background())
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if modelsVerbose {
		fmt.Fprintln(w, "MODEL\tNAME\tDEFAULT\tDESCRIPTION\t")
	} else {
		fmt.Fprintln(w, "MODEL\tNAME\tDEFAULT\t")
	}
	for _, m := range models {
		def := ""
		if m.IsDefault {
			def = "*"
		}
		if modelsVerbose {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n", m.Model, m.DisplayName, def, m.Description)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t\n", m.Model, m.DisplayName, def)
		}
	}
	return w.Flush()
}
