package ldap

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-identity/internal/identity"
)

// Authenticator validates credentials and looks users up through a Resolver,
// materializing matches with the deployment's schema.
type Authenticator struct {
	resolver     *Resolver
	materializer *identity.Materializer
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(resolver *Resolver, materializer *identity.Materializer) *Authenticator {
	return &Authenticator{
		resolver:     resolver,
		materializer: materializer,
	}
}

// Resolver returns the underlying resolver.
func (a *Authenticator) Resolver() *Resolver {
	return a.resolver
}

// Login verifies password for username. An unknown user or a wrong password
// yields (nil, nil). Any other fault is returned as a *LoginFailedError.
func (a *Authenticator) Login(ctx context.Context, username, password, domainHint string) (*identity.Record, error) {
	if password == "" {
		// An empty password would turn the user bind into an unauthenticated bind.
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Rejecting login with empty password", map[string]any{
			"username": username,
		})
		return nil, nil
	}

	result, err := a.resolver.Search(ctx, username, domainHint)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil
		}
		return nil, &LoginFailedError{Username: username, Cause: err}
	}
	defer func() {
		_ = result.Close()
	}()

	fields := map[string]any{
		"username": username,
		"endpoint": result.Endpoint.Name(),
		"dn":       result.Entry.DN,
	}

	if err := result.Conn.Bind(result.Entry.DN, password); err != nil {
		if hasResultCode(err, ldap.LDAPResultInvalidCredentials) {
			tflog.SubsystemInfo(ctx, SubsystemLDAP, "Invalid credentials", fields)
			return nil, nil
		}
		lerr := NewLDAPError("bind", result.Endpoint.Name(), err)
		LogLDAPError(ctx, "user_bind", lerr, fields)
		return nil, &LoginFailedError{Username: username, Cause: lerr}
	}

	rec, err := a.materialize(result, domainHint)
	if err != nil {
		return nil, &LoginFailedError{Username: username, Cause: err}
	}

	tflog.SubsystemInfo(ctx, SubsystemLDAP, "User authenticated", fields)
	return rec, nil
}

// FindUser looks username up without verifying a password. An unknown user or
// an unroutable request yields (nil, nil).
func (a *Authenticator) FindUser(ctx context.Context, username, domainHint string) (*identity.Record, error) {
	result, err := a.resolver.Search(ctx, username, domainHint)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrNoEligibleEndpoint) {
			return nil, nil
		}
		return nil, &LoginFailedError{Username: username, Cause: err}
	}
	defer func() {
		_ = result.Close()
	}()

	rec, err := a.materialize(result, domainHint)
	if err != nil {
		return nil, &LoginFailedError{Username: username, Cause: err}
	}
	return rec, nil
}

func (a *Authenticator) materialize(result *SearchResult, domainHint string) (*identity.Record, error) {
	rec, err := a.materializer.Materialize(result.Entry, domainHint, result.Endpoint.ExtraAttributes)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize %s from %s: %w", result.Entry.DN, result.Endpoint.Name(), err)
	}
	return rec, nil
}
