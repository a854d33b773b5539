package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEndpointsCommand() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List configured directories",
		Long: `List the configured directory endpoints in search order. With --check,
each endpoint is dialed and its service account bound.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolver := servicesFrom(cmd).Authenticator.Resolver()

			headers := []string{"Name", "URL", "Auth", "Search Base", "Pre-Filter"}
			if check {
				headers = append(headers, "Status")
			}

			var (
				rows   [][]string
				failed int
			)
			for _, ep := range resolver.Endpoints() {
				row := []string{ep.Name(), ep.URL(), ep.AuthMethod().String(), ep.SearchBase, orDash(ep.PreFilterRegex)}
				if check {
					status := "ok"
					if err := resolver.Check(cmd.Context(), ep); err != nil {
						status = err.Error()
						failed++
					}
					row = append(row, status)
				}
				rows = append(rows, row)
			}
			printTable(cmd.OutOrStdout(), headers, rows)

			if failed > 0 {
				return fmt.Errorf("%d endpoint(s) failed the check", failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Dial and bind every endpoint")

	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
