// Package commands implements the ldap-identity command line.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/isometry/ldap-identity/internal/config"
	"github.com/isometry/ldap-identity/internal/host"
	"github.com/isometry/ldap-identity/internal/ldap"
)

// Build information, set by main.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

type contextKey struct{}

// session holds the services built for one invocation.
type session struct {
	services *host.Services
}

// close flushes metrics and releases the user store. It runs whether or not
// the command succeeded.
func (s *session) close(w io.Writer) error {
	if s.services == nil {
		return nil
	}
	var errs []error
	if s.services.Registry != nil {
		errs = append(errs, writeMetrics(w, s.services))
	}
	errs = append(errs, s.services.Close())
	return errors.Join(errs...)
}

// newRootCommand builds the command tree. Services built by the command are
// recorded in s.
func newRootCommand(s *session) *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "ldap-identity",
		Short: "Authenticate and resolve users across LDAP directories",
		Long: `ldap-identity validates credentials against one or more LDAP directories,
resolves users into identity records and caches them in a user store.

Examples:
  # Validate a password
  ldap-identity login alice --config /etc/ldap-identity/config.yaml

  # Show the configured directories and probe them
  ldap-identity endpoints --check`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx := tfsdklog.NewRootProviderLogger(cmd.Context(),
				tfsdklog.WithLogName("ldap-identity"),
				tfsdklog.WithLevel(hclog.LevelFromString(logLevel)),
				tfsdklog.WithoutLocation(),
			)
			ctx = ldap.WithLogging(ctx)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			services, err := host.New(ctx, cfg)
			if err != nil {
				return err
			}

			s.services = services
			cmd.SetContext(context.WithValue(ctx, contextKey{}, services))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("LDAP_IDENTITY_CONFIG", "ldap-identity.yaml"), "Path to configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (trace, debug, info, warn, error, off)")

	root.AddCommand(
		newLoginCommand(),
		newLookupCommand(),
		newProvisionCommand(),
		newEndpointsCommand(),
	)

	return root
}

// Execute runs the command line with ctx.
func Execute(ctx context.Context) error {
	var s session
	root := newRootCommand(&s)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, s.close(root.ErrOrStderr()))
}

func servicesFrom(cmd *cobra.Command) *host.Services {
	services, _ := cmd.Context().Value(contextKey{}).(*host.Services)
	return services
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeMetrics(w io.Writer, services *host.Services) error {
	families, err := services.Registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
