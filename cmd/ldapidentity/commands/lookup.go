package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isometry/ldap-identity/internal/identity"
)

func newLookupCommand() *cobra.Command {
	var (
		bySubject bool
		provider  string
	)

	cmd := &cobra.Command{
		Use:   "lookup ID",
		Short: "Resolve a user through the user store",
		Long: `Resolve a user by username (default), subject id or external provider id.
Username and subject lookups fall back to the directories on a cache miss.

Examples:
  ldap-identity lookup alice
  ldap-identity lookup --subject ldap_alice
  ldap-identity lookup --provider google 10983471`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := servicesFrom(cmd).Store
			ctx := cmd.Context()

			var (
				rec *identity.Record
				err error
			)
			switch {
			case provider != "":
				rec, err = store.FindByExternalProvider(ctx, provider, args[0])
			case bySubject:
				rec, err = store.FindBySubjectID(ctx, args[0])
			default:
				rec, err = store.FindByUsername(ctx, args[0])
			}
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("user %q not found", args[0])
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().BoolVar(&bySubject, "subject", false, "Treat ID as a subject id")
	cmd.Flags().StringVar(&provider, "provider", "", "Treat ID as a user id issued by this external provider")
	cmd.MarkFlagsMutuallyExclusive("subject", "provider")

	return cmd
}
