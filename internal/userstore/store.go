// Package userstore caches directory identities and auto-provisioned external
// identities behind a pluggable Backend.
package userstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/singleflight"

	"github.com/isometry/ldap-identity/internal/identity"
	"github.com/isometry/ldap-identity/internal/ldap"
	"github.com/isometry/ldap-identity/internal/metrics"
)

// Index labels used in logs and metrics.
const (
	IndexSubject  = "subject"
	IndexUsername = "username"
	IndexProvider = "provider"
)

// UserStore is the identity-host facing contract.
type UserStore interface {
	ValidateCredentials(ctx context.Context, username, password, domainHint string) (*identity.Record, error)
	FindBySubjectID(ctx context.Context, subjectID string) (*identity.Record, error)
	FindByUsername(ctx context.Context, username string) (*identity.Record, error)
	FindByExternalProvider(ctx context.Context, provider, providerSubjectID string) (*identity.Record, error)
	AutoProvisionUser(ctx context.Context, provider, providerSubjectID string, claims []identity.Claim) (*identity.Record, error)
}

// Directory is the subset of *ldap.Authenticator used by the Store.
type Directory interface {
	Login(ctx context.Context, username, password, domainHint string) (*identity.Record, error)
	FindUser(ctx context.Context, username, domainHint string) (*identity.Record, error)
}

// Store is a read-through UserStore.
type Store struct {
	directory    Directory
	backend      Backend
	newSubjectID func() string
	metrics      *metrics.Metrics
	group        singleflight.Group
}

var _ UserStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithSubjectIDGenerator overrides the subject id generator used for auto-provisioning.
func WithSubjectIDGenerator(fn func() string) Option {
	return func(s *Store) {
		s.newSubjectID = fn
	}
}

// WithMetrics records lookups and provisioning on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New creates a Store over directory and backend.
func New(directory Directory, backend Backend, opts ...Option) *Store {
	s := &Store{
		directory:    directory,
		backend:      backend,
		newSubjectID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// ValidateCredentials authenticates against the directory and caches the
// resulting record. Unknown users, wrong passwords and unroutable usernames
// yield (nil, nil).
func (s *Store) ValidateCredentials(ctx context.Context, username, password, domainHint string) (*identity.Record, error) {
	rec, err := s.directory.Login(ctx, username, password, domainHint)
	if err != nil {
		if ldap.IsExpectedFailure(err) {
			tflog.SubsystemInfo(ctx, ldap.SubsystemUserStore, "Credential validation rejected", map[string]any{
				"username": username,
				"reason":   err.Error(),
			})
			return nil, nil
		}
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	s.store(ctx, rec)
	return rec, nil
}

// FindBySubjectID returns the cached record for subjectID, falling back to a
// directory lookup of the subject id with any "ldap_" prefix removed.
func (s *Store) FindBySubjectID(ctx context.Context, subjectID string) (*identity.Record, error) {
	rec, err := s.lookup(ctx, IndexSubject, func() (*identity.Record, error) {
		return s.backend.GetBySubject(ctx, subjectID)
	})
	if rec != nil || err != nil {
		return rec, err
	}
	return s.fetch(ctx, identity.StripSubjectPrefix(subjectID))
}

// FindByUsername returns the cached record for username, falling back to the directory.
func (s *Store) FindByUsername(ctx context.Context, username string) (*identity.Record, error) {
	rec, err := s.lookup(ctx, IndexUsername, func() (*identity.Record, error) {
		return s.backend.GetByUsername(ctx, username)
	})
	if rec != nil || err != nil {
		return rec, err
	}
	return s.fetch(ctx, identity.StripSubjectPrefix(username))
}

// FindByExternalProvider returns a previously provisioned identity. The
// directory is never consulted.
func (s *Store) FindByExternalProvider(ctx context.Context, provider, providerSubjectID string) (*identity.Record, error) {
	return s.lookup(ctx, IndexProvider, func() (*identity.Record, error) {
		return s.backend.GetByProvider(ctx, provider, providerSubjectID)
	})
}

// AutoProvisionUser creates and stores a new identity for an external login.
func (s *Store) AutoProvisionUser(ctx context.Context, provider, providerSubjectID string, claims []identity.Claim) (*identity.Record, error) {
	if provider == "" || providerSubjectID == "" {
		return nil, errors.New("provider and provider user id are required")
	}

	subjectID := s.newSubjectID()
	normalized, name := identity.NormalizeClaims(claims, subjectID)

	rec := &identity.Record{
		SubjectID:         subjectID,
		ProviderSubjectID: providerSubjectID,
		ProviderName:      provider,
		Username:          name,
		DisplayName:       name,
		Active:            true,
		Claims:            normalized,
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to provision %s user %s: %w", provider, providerSubjectID, err)
	}
	s.metrics.ObserveProvisioned(provider)

	tflog.SubsystemInfo(ctx, ldap.SubsystemUserStore, "Provisioned external identity", map[string]any{
		"provider":         provider,
		"provider_user_id": providerSubjectID,
		"subject":          subjectID,
	})

	return rec, nil
}

// lookup runs get and classifies the outcome. A miss or corrupt entry yields
// (nil, nil); any other backend failure is returned.
func (s *Store) lookup(ctx context.Context, index string, get func() (*identity.Record, error)) (*identity.Record, error) {
	rec, err := get()
	switch {
	case err == nil:
		s.metrics.ObserveLookup(index, metrics.ResultHit)
		return rec, nil
	case errors.Is(err, ErrNotFound):
		s.metrics.ObserveLookup(index, metrics.ResultMiss)
		return nil, nil
	case errors.Is(err, ErrCorrupt):
		s.metrics.ObserveLookup(index, metrics.ResultCorrupt)
		tflog.SubsystemWarn(ctx, ldap.SubsystemUserStore, "Ignoring corrupt store entry", map[string]any{
			"index": index,
			"error": err.Error(),
		})
		return nil, nil
	default:
		s.metrics.ObserveLookup(index, metrics.ResultError)
		return nil, fmt.Errorf("user store %s lookup failed: %w", index, err)
	}
}

// fetch resolves username in the directory and caches the result. Concurrent
// fetches of the same username share one directory call. The shared call is
// detached from the cancellation of whichever caller started it and is bounded
// by the endpoint timeouts; each caller still returns on its own ctx.
func (s *Store) fetch(ctx context.Context, username string) (*identity.Record, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(username, func() (any, error) {
		rec, err := s.directory.FindUser(shared, username, "")
		if err != nil || rec == nil {
			return rec, err
		}
		s.store(shared, rec)
		return rec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rec, _ := res.Val.(*identity.Record)
		return rec.Clone(), nil
	}
}

func (s *Store) store(ctx context.Context, rec *identity.Record) {
	if err := s.backend.Put(ctx, rec); err != nil {
		tflog.SubsystemWarn(ctx, ldap.SubsystemUserStore, "Failed to cache user record", map[string]any{
			"subject": rec.GetSubjectID(),
			"error":   err.Error(),
		})
	}
}
