package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/bookforge/pkg/bookforge/credentials"
	"github.com/jholhewres/bookforge/pkg/bookforge/providers"
)

// newProvidersCmd creates `bookforge providers`.
func newProvidersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List supported providers and whether a key is configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			configured, err := credentials.Available(cmd.Context(), a.resolver)
			if err != nil {
				return err
			}
			showModels, _ := cmd.Flags().GetBool("models")
			fmt.Fprintln(cmd.OutOrStdout(), providersTable(configured, showModels))
			return nil
		},
	}
	cmd.Flags().Bool("models", false, "list every selectable model")
	return cmd
}

func providersTable(configured map[providers.ID]bool, showModels bool) string {
	headers := []string{"#", "Provider", "ID", "Default model", "Key env", "Key"}
	if showModels {
		headers = append(headers, "Models")
	}

	rows := make([][]string, 0, len(providers.Order))
	for i, info := range providers.All() {
		key := "missing"
		if configured[info.ID] {
			key = "configured"
		}
		row := []string{
			fmt.Sprint(i + 1),
			info.Name,
			string(info.ID),
			info.DefaultModel,
			info.KeyEnv,
			key,
		}
		if showModels {
			var ids []string
			for _, m := range info.Models {
				if m.ID != providers.AutoModel {
					ids = append(ids, m.ID)
				}
			}
			row = append(row, strings.Join(ids, "\n"))
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, []columnAlignment{alignRight})
}
