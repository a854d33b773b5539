package host

import (
	"context"
	"errors"
	"time"

	"github.com/isometry/ldap-identity/internal/identity"
	"github.com/isometry/ldap-identity/internal/userstore"
)

// AuthMethodPassword is the amr value recorded for password grants.
const AuthMethodPassword = "pwd"

// GrantResult is the outcome of a successful resource-owner password grant.
type GrantResult struct {
	Subject    string
	AuthMethod string
	AuthTime   time.Time
	Claims     []identity.Claim
}

// PasswordValidator validates resource-owner password credentials.
type PasswordValidator struct {
	users userstore.UserStore
	now   func() time.Time
}

// NewPasswordValidator creates a PasswordValidator. A nil now uses time.Now.
func NewPasswordValidator(users userstore.UserStore, now func() time.Time) *PasswordValidator {
	if now == nil {
		now = time.Now
	}
	return &PasswordValidator{users: users, now: now}
}

// Validate checks the credentials. Invalid credentials yield (nil, nil).
func (v *PasswordValidator) Validate(ctx context.Context, username, password, domainHint string) (*GrantResult, error) {
	rec, err := v.users.ValidateCredentials(ctx, username, password, domainHint)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	subject := rec.GetSubjectID()
	if subject == "" {
		return nil, errors.New("authenticated user has no subject id")
	}

	return &GrantResult{
		Subject:    subject,
		AuthMethod: AuthMethodPassword,
		AuthTime:   v.now().UTC(),
		Claims:     rec.Claims,
	}, nil
}
