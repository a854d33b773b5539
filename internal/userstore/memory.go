package userstore

import (
	"context"
	"sync"

	"github.com/isometry/ldap-identity/internal/identity"
)

// MemoryBackend is a process-local Backend. Contents are lost on restart.
type MemoryBackend struct {
	mu        sync.RWMutex
	subjects  map[string]*identity.Record
	usernames map[string]string
	providers map[string]map[string]string
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		subjects:  make(map[string]*identity.Record),
		usernames: make(map[string]string),
		providers: make(map[string]map[string]string),
	}
}

func (m *MemoryBackend) Put(_ context.Context, rec *identity.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	sub := rec.GetSubjectID()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subjects[sub] = rec.Clone()
	if rec.OwnsUsername() {
		m.usernames[rec.Username] = sub
	}
	byID, ok := m.providers[rec.ProviderName]
	if !ok {
		byID = make(map[string]string)
		m.providers[rec.ProviderName] = byID
	}
	byID[rec.ProviderSubjectID] = sub

	return nil
}

func (m *MemoryBackend) GetBySubject(_ context.Context, subjectID string) (*identity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.subjects[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryBackend) GetByUsername(_ context.Context, username string) (*identity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := m.subjects[sub]
	if !ok {
		return nil, corruptf("username index %q points at missing subject %q", username, sub)
	}
	if err := checkUsername(rec, username); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (m *MemoryBackend) GetByProvider(_ context.Context, provider, providerSubjectID string) (*identity.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.providers[provider][providerSubjectID]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := m.subjects[sub]
	if !ok {
		return nil, corruptf("provider index %s/%s points at missing subject %q", provider, providerSubjectID, sub)
	}
	if err := checkProvider(rec, provider, providerSubjectID); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// size returns the number of stored records.
func (m *MemoryBackend) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subjects)
}

func (m *MemoryBackend) Close() error {
	return nil
}
