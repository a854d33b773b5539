package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
)

// FilterPlaceholder is replaced by the escaped username in search filter templates.
const FilterPlaceholder = "{0}"

// Default ports by transport.
const (
	DefaultLDAPPort  = 389
	DefaultLDAPSPort = 636
)

// EndpointConfig describes one directory endpoint as loaded from configuration.
type EndpointConfig struct {
	FriendlyName string `mapstructure:"friendly_name" yaml:"friendly_name"`
	Host         string `mapstructure:"host" yaml:"host" validate:"required"`
	Port         int    `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`

	// TLS settings
	TLS                bool   `mapstructure:"tls" yaml:"tls"`
	StartTLS           bool   `mapstructure:"start_tls" yaml:"start_tls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	TLSCACertFile      string `mapstructure:"tls_ca_cert_file" yaml:"tls_ca_cert_file"`

	// Service account
	BindDN          string          `mapstructure:"bind_dn" yaml:"bind_dn"`
	BindCredentials string          `mapstructure:"bind_credentials" yaml:"bind_credentials"`
	Kerberos        *KerberosConfig `mapstructure:"kerberos" yaml:"kerberos"`

	// Search
	SearchBase      string        `mapstructure:"search_base" yaml:"search_base" validate:"required"`
	SearchFilter    string        `mapstructure:"search_filter" yaml:"search_filter" validate:"required"`
	PreFilterRegex  string        `mapstructure:"pre_filter_regex" yaml:"pre_filter_regex"`
	ExtraAttributes []string      `mapstructure:"extra_attributes" yaml:"extra_attributes"`
	SizeLimit       int           `mapstructure:"size_limit" yaml:"size_limit" validate:"gte=0"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout" default:"30s"`
	RefreshClaims   time.Duration `mapstructure:"refresh_claims" yaml:"refresh_claims"`
}

// KerberosConfig enables a GSSAPI service-account bind.
type KerberosConfig struct {
	Realm      string `mapstructure:"realm" yaml:"realm"`
	ConfigPath string `mapstructure:"config_path" yaml:"config_path" default:"/etc/krb5.conf"`
	Keytab     string `mapstructure:"keytab" yaml:"keytab"`
	CCache     string `mapstructure:"ccache" yaml:"ccache"`
	SPN        string `mapstructure:"spn" yaml:"spn"`
}

// AuthMethod defines how the service account binds.
type AuthMethod int

const (
	AuthMethodSimpleBind AuthMethod = iota // DN/password
	AuthMethodKerberos                     // GSSAPI
	AuthMethodAnonymous                    // unauthenticated search
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Endpoint is a prepared, immutable EndpointConfig.
type Endpoint struct {
	EndpointConfig

	preFilter *regexp.Regexp
	tlsConfig *tls.Config
}

// Name returns the endpoint's friendly name.
func (e *Endpoint) Name() string {
	return e.FriendlyName
}

// Address returns host:port.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the ldap:// or ldaps:// URL of the endpoint.
func (e *Endpoint) URL() string {
	scheme := "ldap"
	if e.TLS {
		scheme = "ldaps"
	}
	return scheme + "://" + e.Address()
}

// AuthMethod reports the service-account bind method.
func (e *Endpoint) AuthMethod() AuthMethod {
	switch {
	case e.Kerberos != nil:
		return AuthMethodKerberos
	case e.BindDN == "" && e.BindCredentials == "":
		return AuthMethodAnonymous
	default:
		return AuthMethodSimpleBind
	}
}

// Concerns reports whether username is eligible for this endpoint.
func (e *Endpoint) Concerns(username string) bool {
	return e.preFilter == nil || e.preFilter.MatchString(username)
}

// Filter formats the search filter for username. The username is escaped
// before substitution.
func (e *Endpoint) Filter(username string) string {
	return strings.ReplaceAll(e.SearchFilter, FilterPlaceholder, ldap.EscapeFilter(username))
}

// TLSConfig returns the TLS configuration used for LDAPS and StartTLS.
func (e *Endpoint) TLSConfig() *tls.Config {
	return e.tlsConfig
}

// NewEndpoint prepares a single endpoint. ordinal names endpoints without a friendly name.
func NewEndpoint(cfg EndpointConfig, ordinal int) (*Endpoint, error) {
	if cfg.Kerberos != nil {
		krb := *cfg.Kerberos
		cfg.Kerberos = &krb
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply endpoint defaults: %w", err)
	}

	if cfg.FriendlyName == "" {
		cfg.FriendlyName = strconv.Itoa(ordinal)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("endpoint %q: host is required", cfg.FriendlyName)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultLDAPPort
		if cfg.TLS {
			cfg.Port = DefaultLDAPSPort
		}
	}
	if cfg.TLS && cfg.StartTLS {
		return nil, fmt.Errorf("endpoint %q: tls and start_tls are mutually exclusive", cfg.FriendlyName)
	}
	if cfg.SearchBase == "" {
		return nil, fmt.Errorf("endpoint %q: search_base is required", cfg.FriendlyName)
	}
	if _, err := ldap.ParseDN(cfg.SearchBase); err != nil {
		return nil, fmt.Errorf("endpoint %q: invalid search_base %q: %w", cfg.FriendlyName, cfg.SearchBase, err)
	}
	if !strings.Contains(cfg.SearchFilter, FilterPlaceholder) {
		return nil, fmt.Errorf("endpoint %q: search_filter %q must contain the %s placeholder",
			cfg.FriendlyName, cfg.SearchFilter, FilterPlaceholder)
	}
	if _, err := ldap.CompileFilter(strings.ReplaceAll(cfg.SearchFilter, FilterPlaceholder, "x")); err != nil {
		return nil, fmt.Errorf("endpoint %q: invalid search_filter: %w", cfg.FriendlyName, err)
	}

	ep := &Endpoint{EndpointConfig: cfg}

	if cfg.PreFilterRegex != "" {
		re, err := regexp.Compile(cfg.PreFilterRegex)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: invalid pre_filter_regex: %w", cfg.FriendlyName, err)
		}
		ep.preFilter = re
	}

	if cfg.TLS || cfg.StartTLS {
		tlsConfig, err := buildTLSConfig(&cfg)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", cfg.FriendlyName, err)
		}
		ep.tlsConfig = tlsConfig
	}

	return ep, nil
}

// PrepareEndpoints validates and defaults a configuration set. At least one
// endpoint is required and friendly names must be unique.
func PrepareEndpoints(cfgs []EndpointConfig) ([]*Endpoint, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("at least one directory endpoint must be configured")
	}

	endpoints := make([]*Endpoint, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))

	for i, cfg := range cfgs {
		ep, err := NewEndpoint(cfg, i)
		if err != nil {
			return nil, err
		}
		if seen[ep.FriendlyName] {
			return nil, fmt.Errorf("duplicate endpoint friendly_name %q", ep.FriendlyName)
		}
		seen[ep.FriendlyName] = true
		endpoints = append(endpoints, ep)
	}

	return endpoints, nil
}

func buildTLSConfig(cfg *EndpointConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in per endpoint
	}

	if cfg.TLSCACertFile != "" {
		pem, err := os.ReadFile(cfg.TLSCACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
