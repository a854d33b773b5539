package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// ErrInvalidCredentials is returned when the directory rejects a login.
var ErrInvalidCredentials = errors.New("invalid credentials")

func newLoginCommand() *cobra.Command {
	var (
		domain        string
		password      string
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "login USERNAME",
		Short: "Validate a username and password",
		Long: `Validate credentials against the configured directories and print the
resulting password grant. The user record is cached in the user store.

Examples:
  # Read the password from stdin
  echo -n "$PASSWORD" | ldap-identity login alice --password-stdin

  # Restrict the search to one directory
  ldap-identity login alice --domain emea --password-stdin < secret.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				var err error
				if password, err = readPassword(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			services := servicesFrom(cmd)
			grant, err := services.Passwords.Validate(cmd.Context(), args[0], password, domain)
			if err != nil {
				return err
			}
			if grant == nil {
				return ErrInvalidCredentials
			}
			return printJSON(cmd.OutOrStdout(), grant)
		},
	}

	cmd.Flags().StringVarP(&domain, "domain", "d", "", "Friendly name of the directory to search")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prefer --password-stdin)")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	cmd.MarkFlagsMutuallyExclusive("password", "password-stdin")

	return cmd
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
