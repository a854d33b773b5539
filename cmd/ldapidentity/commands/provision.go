package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isometry/ldap-identity/internal/identity"
)

func newProvisionCommand() *cobra.Command {
	var claims []string

	cmd := &cobra.Command{
		Use:   "provision PROVIDER USER_ID",
		Short: "Provision an identity for an external login",
		Long: `Create a local identity for a user authenticated by an external provider.
Claims are given as TYPE=VALUE and may use legacy WS-Federation claim URIs.

Examples:
  ldap-identity provision google 10983471 --claim given_name=Ada --claim family_name=Lovelace`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseClaims(claims)
			if err != nil {
				return err
			}

			rec, err := servicesFrom(cmd).Store.AutoProvisionUser(cmd.Context(), args[0], args[1], parsed)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringArrayVar(&claims, "claim", nil, "Claim as TYPE=VALUE (repeatable)")

	return cmd
}

func parseClaims(raw []string) ([]identity.Claim, error) {
	claims := make([]identity.Claim, 0, len(raw))
	for _, kv := range raw {
		typ, value, ok := strings.Cut(kv, "=")
		if !ok || typ == "" {
			return nil, fmt.Errorf("invalid claim %q (expected TYPE=VALUE)", kv)
		}
		claims = append(claims, identity.Claim{Type: typ, Value: value})
	}
	return claims, nil
}
