// Package host assembles the directory, user store and identity-host adapters
// from a loaded configuration.
package host

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/isometry/ldap-identity/internal/config"
	"github.com/isometry/ldap-identity/internal/identity"
	"github.com/isometry/ldap-identity/internal/ldap"
	"github.com/isometry/ldap-identity/internal/metrics"
	"github.com/isometry/ldap-identity/internal/userstore"
)

// Services bundles the runtime components built from a Config.
type Services struct {
	Authenticator *ldap.Authenticator
	Store         *userstore.Store
	Profiles      *ProfileService
	Passwords     *PasswordValidator
	Metrics       *metrics.Metrics
	Registry      *prometheus.Registry
}

// Option configures New.
type Option func(*options)

type options struct {
	dialer  ldap.Dialer
	backend userstore.Backend
	storeOp []userstore.Option
}

// WithDialer replaces the LDAP network dialer.
func WithDialer(d ldap.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithBackend uses backend instead of the configured store.
func WithBackend(backend userstore.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithStoreOptions passes extra options to the user store.
func WithStoreOptions(opts ...userstore.Option) Option {
	return func(o *options) { o.storeOp = append(o.storeOp, opts...) }
}

// New builds every component described by cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Services, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	schema, err := cfg.SchemaDefinition()
	if err != nil {
		return nil, err
	}
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, fmt.Errorf("invalid connections: %w", err)
	}

	s := &Services{}
	if cfg.Metrics.Enabled {
		s.Registry = prometheus.NewRegistry()
		s.Metrics = metrics.New(s.Registry)
	}

	resolverOpts := []ldap.Option{ldap.WithMetrics(s.Metrics)}
	if o.dialer != nil {
		resolverOpts = append(resolverOpts, ldap.WithDialer(o.dialer))
	}
	resolver, err := ldap.NewResolver(endpoints, schema, resolverOpts...)
	if err != nil {
		return nil, err
	}
	s.Authenticator = ldap.NewAuthenticator(resolver, identity.NewMaterializer(schema))

	backend := o.backend
	if backend == nil {
		if backend, err = cfg.OpenBackend(ctx); err != nil {
			return nil, fmt.Errorf("failed to open %s user store: %w", cfg.Store.Kind, err)
		}
	}

	storeOpts := append([]userstore.Option{userstore.WithMetrics(s.Metrics)}, o.storeOp...)
	s.Store = userstore.New(s.Authenticator, backend, storeOpts...)
	s.Profiles = NewProfileService(s.Store)
	s.Passwords = NewPasswordValidator(s.Store, nil)

	tflog.Debug(ctx, "Identity services initialized", map[string]any{
		"schema":    schema.Name,
		"endpoints": len(endpoints),
		"store":     cfg.Store.Kind,
		"metrics":   cfg.Metrics.Enabled,
	})

	return s, nil
}

// Close releases the user store backend.
func (s *Services) Close() error {
	return s.Store.Backend().Close()
}
