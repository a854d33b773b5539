package ldap

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-identity/internal/identity"
	"github.com/isometry/ldap-identity/internal/metrics"
)

// SearchResult is a candidate entry together with the live connection it was
// found on. The caller owns the connection and must Close the result.
type SearchResult struct {
	Entry    *ldap.Entry
	Endpoint *Endpoint
	Conn     Conn
}

// Close releases the connection.
func (r *SearchResult) Close() error {
	if r == nil || r.Conn == nil {
		return nil
	}
	return r.Conn.Close()
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) Option {
	return func(r *Resolver) { r.dialer = d }
}

// WithMetrics records attempts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver selects eligible endpoints for a username and searches them in
// configuration order, returning the first candidate found.
type Resolver struct {
	endpoints  []*Endpoint
	attributes []string
	dialer     Dialer
	metrics    *metrics.Metrics
}

// NewResolver creates a Resolver over prepared endpoints. Each search requests
// the schema's attributes plus the endpoint's extra attributes.
func NewResolver(endpoints []*Endpoint, schema *identity.Schema, opts ...Option) (*Resolver, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("at least one directory endpoint must be configured")
	}
	if schema == nil {
		return nil, fmt.Errorf("directory schema is required")
	}

	r := &Resolver{
		endpoints:  endpoints,
		attributes: schema.RequestedAttributes(),
		dialer:     NetDialer{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Endpoints returns the configured endpoints in order.
func (r *Resolver) Endpoints() []*Endpoint {
	return slices.Clone(r.endpoints)
}

// Eligible returns the endpoints that may be searched for username, in
// configuration order. A non-empty domainHint restricts the set to the
// endpoint whose friendly name equals it exactly.
func (r *Resolver) Eligible(username, domainHint string) []*Endpoint {
	var eligible []*Endpoint
	for _, ep := range r.endpoints {
		if !ep.Concerns(username) {
			continue
		}
		if domainHint != "" && ep.FriendlyName != domainHint {
			continue
		}
		eligible = append(eligible, ep)
	}
	return eligible
}

// Search finds username on the first eligible endpoint that returns a
// candidate. Endpoints that fail are logged and skipped.
func (r *Resolver) Search(ctx context.Context, username, domainHint string) (*SearchResult, error) {
	eligible := r.Eligible(username, domainHint)
	if len(eligible) == 0 {
		tflog.SubsystemWarn(ctx, SubsystemLDAP, "No eligible directory endpoint", map[string]any{
			"username":    username,
			"domain_hint": domainHint,
		})
		return nil, &NoEligibleEndpointError{Username: username, DomainHint: domainHint}
	}

	var (
		tried    []string
		failures []EndpointFailure
		searched bool
	)

	for _, ep := range eligible {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("directory search for %q interrupted: %w", username, err)
		}

		tried = append(tried, ep.Name())

		result, err := r.attempt(ctx, ep, username)
		if err != nil {
			LogLDAPError(ctx, "search_endpoint", err, map[string]any{
				"endpoint": ep.Name(),
				"username": username,
			})
			failures = append(failures, EndpointFailure{Endpoint: ep.Name(), Err: err})
			continue
		}

		searched = true
		if result != nil {
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "Directory entry found", map[string]any{
				"endpoint": ep.Name(),
				"username": username,
				"dn":       result.Entry.DN,
			})
			return result, nil
		}
	}

	if !searched {
		return nil, &UnavailableError{Failures: failures}
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "User not found in any directory", map[string]any{
		"username":  username,
		"endpoints": tried,
	})
	return nil, &NotFoundError{Username: username, Endpoints: tried, Failures: failures}
}

// Check dials ep and performs its service bind without searching.
func (r *Resolver) Check(ctx context.Context, ep *Endpoint) error {
	return LogOperation(ctx, SubsystemLDAP, "check_endpoint", map[string]any{
		"endpoint":    ep.Name(),
		"url":         ep.URL(),
		"auth_method": ep.AuthMethod().String(),
	}, func() error {
		conn, err := r.dialer.Dial(ctx, ep)
		if err != nil {
			return NewLDAPError("dial", ep.Name(), err)
		}
		defer func() {
			_ = conn.Close()
		}()

		if err := r.bindService(ctx, conn, ep); err != nil {
			return NewLDAPError("bind", ep.Name(), err)
		}
		return nil
	})
}

// attempt runs dial, service bind and search against one endpoint. It returns
// (nil, nil) when the search completed without a candidate. On every path
// other than success the connection is closed here.
func (r *Resolver) attempt(ctx context.Context, ep *Endpoint, username string) (result *SearchResult, err error) {
	start := time.Now()
	outcome := metrics.OutcomeFound
	defer func() {
		r.metrics.ObserveAttempt(ep.Name(), outcome, time.Since(start))
	}()

	conn, err := r.dialer.Dial(ctx, ep)
	if err != nil {
		outcome = metrics.OutcomeDialError
		return nil, NewLDAPError("dial", ep.Name(), err)
	}
	LogConnectionEvent(ctx, "connection_established", map[string]any{
		"endpoint": ep.Name(),
		"url":      ep.URL(),
	})

	defer func() {
		if result == nil {
			_ = conn.Close()
		}
	}()

	if err := r.bindService(ctx, conn, ep); err != nil {
		outcome = metrics.OutcomeBindError
		LogConnectionEvent(ctx, "authentication_failed", map[string]any{
			"endpoint":    ep.Name(),
			"auth_method": ep.AuthMethod().String(),
		})
		return nil, NewLDAPError("bind", ep.Name(), err)
	}

	req := ldap.NewSearchRequest(
		ep.SearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		ep.SizeLimit,
		int(ep.Timeout.Seconds()),
		false,
		ep.Filter(username),
		r.requestedAttributes(ep),
		nil,
	)

	res, err := conn.Search(req)
	if err != nil && !(hasResultCode(err, ldap.LDAPResultSizeLimitExceeded) && res != nil && len(res.Entries) > 0) {
		outcome = metrics.OutcomeSearchError
		return nil, NewLDAPError("search", ep.Name(), err)
	}

	if res == nil || len(res.Entries) == 0 {
		outcome = metrics.OutcomeNotFound
		return nil, nil
	}

	return &SearchResult{Entry: res.Entries[0], Endpoint: ep, Conn: conn}, nil
}

func (r *Resolver) bindService(ctx context.Context, conn Conn, ep *Endpoint) error {
	switch ep.AuthMethod() {
	case AuthMethodKerberos:
		return kerberosBind(ctx, conn, ep)
	case AuthMethodAnonymous:
		return conn.UnauthenticatedBind("")
	default:
		return conn.Bind(ep.BindDN, ep.BindCredentials)
	}
}

func (r *Resolver) requestedAttributes(ep *Endpoint) []string {
	if len(ep.ExtraAttributes) == 0 {
		return r.attributes
	}
	attrs := slices.Clone(r.attributes)
	for _, a := range ep.ExtraAttributes {
		if !slices.Contains(attrs, a) {
			attrs = append(attrs, a)
		}
	}
	return attrs
}
