package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/isometry/ldap-identity/internal/identity"
)

var (
	// ErrNotFound is returned by a Backend when no record is stored under a key.
	ErrNotFound = errors.New("record not found")

	// ErrCorrupt is returned when an index points at a missing or mismatched
	// record, or when stored data cannot be decoded.
	ErrCorrupt = errors.New("user store data corrupted")
)

// Backend persists records under three indexes: subject id (primary),
// username, and provider plus provider-scoped subject id. The secondary
// indexes reference the primary key. Only records that own their username
// (see identity.Record.OwnsUsername) are written to the username index.
type Backend interface {
	Put(ctx context.Context, rec *identity.Record) error
	GetBySubject(ctx context.Context, subjectID string) (*identity.Record, error)
	GetByUsername(ctx context.Context, username string) (*identity.Record, error)
	GetByProvider(ctx context.Context, provider, providerSubjectID string) (*identity.Record, error)
	Close() error
}

// Key layout shared by the persistent backends.
const keyPrefix = "IdentityServer/OpenId/"

func subjectKey(subjectID string) string {
	return keyPrefix + "subjectId/" + subjectID
}

func usernameKey(username string) string {
	return keyPrefix + "username/" + username
}

func providerKey(provider, providerSubjectID string) string {
	return keyPrefix + "provider/" + provider + "/userId/" + providerSubjectID
}

func isSubjectKey(key string) bool {
	return strings.HasPrefix(key, keyPrefix+"subjectId/")
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

func encodeRecord(rec *identity.Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", rec.GetSubjectID(), err)
	}
	return data, nil
}

func decodeRecord(key string, data []byte) (*identity.Record, error) {
	var rec identity.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, corruptf("undecodable record at %s: %v", key, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, corruptf("invalid record at %s: %v", key, err)
	}
	return &rec, nil
}

// checkUsername verifies that a record reached through the username index belongs to it.
func checkUsername(rec *identity.Record, username string) error {
	if rec.Username != username {
		return corruptf("username index %q points at record for %q", username, rec.Username)
	}
	return nil
}

// checkProvider verifies that a record reached through the provider index belongs to it.
func checkProvider(rec *identity.Record, provider, providerSubjectID string) error {
	if rec.ProviderName != provider || rec.ProviderSubjectID != providerSubjectID {
		return corruptf("provider index %s/%s points at record for %s/%s",
			provider, providerSubjectID, rec.ProviderName, rec.ProviderSubjectID)
	}
	return nil
}
