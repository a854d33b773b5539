package userstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-identity/internal/identity"
	"github.com/isometry/ldap-identity/internal/ldap"
	"github.com/isometry/ldap-identity/internal/metrics"
)

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Login(ctx context.Context, username, password, domainHint string) (*identity.Record, error) {
	args := m.Called(ctx, username, password, domainHint)
	rec, _ := args.Get(0).(*identity.Record)
	return rec, args.Error(1)
}

func (m *mockDirectory) FindUser(ctx context.Context, username, domainHint string) (*identity.Record, error) {
	args := m.Called(ctx, username, domainHint)
	rec, _ := args.Get(0).(*identity.Record)
	return rec, args.Error(1)
}

// failingBackend wraps a Backend and fails every Put.
type failingBackend struct {
	Backend
}

func (failingBackend) Put(context.Context, *identity.Record) error {
	return errors.New("disk full")
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("sub-%d", n.Add(1))
	}
}

func TestValidateCredentials(t *testing.T) {
	unreachable := &ldap.LoginFailedError{
		Username: "alice",
		Cause:    &ldap.UnavailableError{Failures: []ldap.EndpointFailure{{Endpoint: "A", Err: errors.New("dial tcp: refused")}}},
	}

	tests := []struct {
		name       string
		record     *identity.Record
		loginErr   error
		wantRecord bool
		wantErr    bool
		wantCached bool
	}{
		{
			name:       "valid credentials are cached",
			record:     directoryRecord("alice"),
			wantRecord: true,
			wantCached: true,
		},
		{
			name: "wrong password",
		},
		{
			name:     "no eligible endpoint",
			loginErr: &ldap.LoginFailedError{Username: "alice", Cause: &ldap.NoEligibleEndpointError{Username: "alice"}},
		},
		{
			name:     "user not found",
			loginErr: &ldap.LoginFailedError{Username: "alice", Cause: &ldap.NotFoundError{Username: "alice"}},
		},
		{
			name:     "directory unreachable",
			loginErr: unreachable,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &mockDirectory{}
			dir.On("Login", mock.Anything, "alice", "pw", "").Return(tt.record, tt.loginErr).Once()
			backend := NewMemoryBackend()
			store := New(dir, backend)

			rec, err := store.ValidateCredentials(t.Context(), "alice", "pw", "")

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ldap.ErrDirectoryUnavailable)
				var lfe *ldap.LoginFailedError
				assert.ErrorAs(t, err, &lfe)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantRecord, rec != nil)
			assert.Equal(t, tt.wantCached, backend.size() == 1)
			dir.AssertExpectations(t)
		})
	}
}

func TestValidateCredentialsCacheFailure(t *testing.T) {
	var output bytes.Buffer
	ctx := ldap.WithLogging(tflogtest.RootLogger(t.Context(), &output))

	dir := &mockDirectory{}
	dir.On("Login", mock.Anything, "alice", "pw", "").Return(directoryRecord("alice"), nil)
	store := New(dir, failingBackend{NewMemoryBackend()})

	rec, err := store.ValidateCredentials(ctx, "alice", "pw", "")
	require.NoError(t, err)
	require.NotNil(t, rec)

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Failed to cache user record", entries[0]["@message"])
	assert.Equal(t, "disk full", entries[0]["error"])
}

func TestFindBySubjectID(t *testing.T) {
	t.Run("cache hit skips directory", func(t *testing.T) {
		dir := &mockDirectory{}
		backend := NewMemoryBackend()
		require.NoError(t, backend.Put(t.Context(), directoryRecord("alice")))
		store := New(dir, backend)

		rec, err := store.FindBySubjectID(t.Context(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", rec.Username)
		dir.AssertNotCalled(t, "FindUser", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("miss strips prefix and caches", func(t *testing.T) {
		dir := &mockDirectory{}
		dir.On("FindUser", mock.Anything, "alice", "").Return(directoryRecord("alice"), nil).Once()
		backend := NewMemoryBackend()
		store := New(dir, backend)

		rec, err := store.FindBySubjectID(t.Context(), "ldap_alice")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "alice", rec.SubjectID)

		rec, err = store.FindBySubjectID(t.Context(), "alice")
		require.NoError(t, err)
		require.NotNil(t, rec)

		dir.AssertNumberOfCalls(t, "FindUser", 1)
	})

	t.Run("unknown everywhere", func(t *testing.T) {
		dir := &mockDirectory{}
		dir.On("FindUser", mock.Anything, "ghost", "").Return(nil, nil).Once()
		store := New(dir, NewMemoryBackend())

		rec, err := store.FindBySubjectID(t.Context(), "ghost")
		require.NoError(t, err)
		assert.Nil(t, rec)
		dir.AssertExpectations(t)
	})

	t.Run("directory failure propagates", func(t *testing.T) {
		dir := &mockDirectory{}
		dir.On("FindUser", mock.Anything, "alice", "").
			Return(nil, &ldap.LoginFailedError{Username: "alice", Cause: &ldap.UnavailableError{}}).Once()
		store := New(dir, NewMemoryBackend())

		_, err := store.FindBySubjectID(t.Context(), "alice")
		assert.ErrorIs(t, err, ldap.ErrDirectoryUnavailable)
	})
}

func TestFindByUsername(t *testing.T) {
	dir := &mockDirectory{}
	dir.On("FindUser", mock.Anything, "bob", "").Return(directoryRecord("bob"), nil).Once()
	backend := NewMemoryBackend()
	store := New(dir, backend)

	for range 3 {
		rec, err := store.FindByUsername(t.Context(), "bob")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, []string{"admins", "users"}, rec.ClaimValues(identity.ClaimRole))
	}

	dir.AssertNumberOfCalls(t, "FindUser", 1)
	assert.Equal(t, 1, backend.size())
}

func TestAutoProvisionedNameDoesNotShadowDirectoryUser(t *testing.T) {
	tests := []struct {
		name        string
		loginFirst  bool
		wantLookups int
	}{
		{name: "directory user cached first", loginFirst: true, wantLookups: 0},
		{name: "directory user not yet cached", wantLookups: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &mockDirectory{}
			dir.On("Login", mock.Anything, "alice", "pw", "").Return(directoryRecord("alice"), nil).Maybe()
			dir.On("FindUser", mock.Anything, "alice", "").Return(directoryRecord("alice"), nil).Maybe()
			store := New(dir, NewMemoryBackend(), WithSubjectIDGenerator(sequentialIDs()))

			if tt.loginFirst {
				rec, err := store.ValidateCredentials(t.Context(), "alice", "pw", "")
				require.NoError(t, err)
				require.NotNil(t, rec)
			}

			provisioned, err := store.AutoProvisionUser(t.Context(), "github", "evil-1",
				[]identity.Claim{{Type: identity.ClaimName, Value: "alice"}})
			require.NoError(t, err)
			assert.Equal(t, "alice", provisioned.Username)

			rec, err := store.FindByUsername(t.Context(), "alice")
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, "alice", rec.SubjectID)
			assert.Equal(t, identity.DefaultProvider, rec.ProviderName)
			dir.AssertNumberOfCalls(t, "FindUser", tt.wantLookups)

			external, err := store.FindByExternalProvider(t.Context(), "github", "evil-1")
			require.NoError(t, err)
			assert.Equal(t, "sub-1", external.SubjectID)
		})
	}
}

func TestFindCorruptEntryFallsBackToDirectory(t *testing.T) {
	var output bytes.Buffer
	ctx := ldap.WithLogging(tflogtest.RootLogger(t.Context(), &output))

	dir := &mockDirectory{}
	dir.On("FindUser", mock.Anything, "alice", "").Return(directoryRecord("alice"), nil).Once()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Put(ctx, directoryRecord("alice")))
	delete(backend.subjects, "alice")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := New(dir, backend, WithMetrics(m))

	rec, err := store.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP ldap_identity_userstore_lookups_total User store lookups by index and result.
# TYPE ldap_identity_userstore_lookups_total counter
ldap_identity_userstore_lookups_total{index="username",result="corrupt"} 1
`), "ldap_identity_userstore_lookups_total"))

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "Ignoring corrupt store entry", entries[0]["@message"])
	assert.Equal(t, "warn", entries[0]["@level"])
}

func TestConcurrentMissesAreCoalesced(t *testing.T) {
	release := make(chan struct{})
	dir := &mockDirectory{}
	dir.On("FindUser", mock.Anything, "alice", "").
		Run(func(mock.Arguments) { <-release }).
		Return(directoryRecord("alice"), nil)
	store := New(dir, NewMemoryBackend())

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := store.FindByUsername(t.Context(), "alice")
			assert.NoError(t, err)
			assert.NotNil(t, rec)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	dir.AssertNumberOfCalls(t, "FindUser", 1)
}

func TestCoalescedFetchSurvivesCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sharedErr error

	dir := &mockDirectory{}
	dir.On("FindUser", mock.Anything, "alice", "").
		Run(func(args mock.Arguments) {
			close(started)
			<-release
			sharedErr = args.Get(0).(context.Context).Err()
		}).
		Return(directoryRecord("alice"), nil).Once()
	backend := NewMemoryBackend()
	store := New(dir, backend)

	firstCtx, cancelFirst := context.WithCancel(t.Context())
	defer cancelFirst()

	firstErr := make(chan error, 1)
	go func() {
		_, err := store.FindByUsername(firstCtx, "alice")
		firstErr <- err
	}()
	<-started

	type result struct {
		rec *identity.Record
		err error
	}
	second := make(chan result, 1)
	go func() {
		rec, err := store.FindByUsername(t.Context(), "alice")
		second <- result{rec, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	require.NotNil(t, res.rec)
	assert.Equal(t, "alice", res.rec.SubjectID)

	assert.NoError(t, sharedErr, "shared directory call must not inherit caller cancellation")
	dir.AssertNumberOfCalls(t, "FindUser", 1)

	_, err := backend.GetBySubject(t.Context(), "alice")
	assert.NoError(t, err)
}

func TestAutoProvisionUser(t *testing.T) {
	tests := []struct {
		name     string
		claims   []identity.Claim
		wantName string
	}{
		{
			name:     "explicit name",
			claims:   []identity.Claim{{Type: identity.ClaimName, Value: "Carol"}},
			wantName: "Carol",
		},
		{
			name: "given and family",
			claims: []identity.Claim{
				{Type: identity.ClaimGivenName, Value: "Carol"},
				{Type: identity.ClaimFamilyName, Value: "Jones"},
			},
			wantName: "Carol Jones",
		},
		{
			name:     "no name claims",
			claims:   []identity.Claim{{Type: identity.ClaimEmail, Value: "c@example.com"}},
			wantName: "sub-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := &mockDirectory{}
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			store := New(dir, NewMemoryBackend(), WithSubjectIDGenerator(sequentialIDs()), WithMetrics(m))

			rec, err := store.AutoProvisionUser(t.Context(), "google", "g-1", tt.claims)
			require.NoError(t, err)

			assert.Equal(t, "sub-1", rec.SubjectID)
			assert.Equal(t, "google", rec.ProviderName)
			assert.Equal(t, "g-1", rec.ProviderSubjectID)
			assert.Equal(t, tt.wantName, rec.Username)
			assert.Equal(t, tt.wantName, rec.DisplayName)
			assert.True(t, rec.Active)
			assert.Equal(t, []string{tt.wantName}, rec.ClaimValues(identity.ClaimName))

			found, err := store.FindByExternalProvider(t.Context(), "google", "g-1")
			require.NoError(t, err)
			assert.Equal(t, rec, found)

			assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP ldap_identity_userstore_provisioned_total Identities auto-provisioned for external providers.
# TYPE ldap_identity_userstore_provisioned_total counter
ldap_identity_userstore_provisioned_total{provider="google"} 1
`), "ldap_identity_userstore_provisioned_total"))
			dir.AssertNotCalled(t, "FindUser", mock.Anything, mock.Anything, mock.Anything)
			dir.AssertNotCalled(t, "Login", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestAutoProvisionUserUniqueSubjects(t *testing.T) {
	store := New(&mockDirectory{}, NewMemoryBackend())

	seen := make(map[string]bool)
	for i := range 10 {
		rec, err := store.AutoProvisionUser(t.Context(), "github", fmt.Sprint(i), nil)
		require.NoError(t, err)
		assert.False(t, seen[rec.SubjectID], "duplicate subject %s", rec.SubjectID)
		seen[rec.SubjectID] = true
	}
}

func TestAutoProvisionUserValidation(t *testing.T) {
	store := New(&mockDirectory{}, NewMemoryBackend())

	_, err := store.AutoProvisionUser(t.Context(), "", "g-1", nil)
	assert.Error(t, err)

	_, err = store.AutoProvisionUser(t.Context(), "google", "", nil)
	assert.Error(t, err)

	failing := New(&mockDirectory{}, failingBackend{NewMemoryBackend()})
	_, err = failing.AutoProvisionUser(t.Context(), "google", "g-1", nil)
	assert.ErrorContains(t, err, "disk full")
}

func TestFindByExternalProviderMiss(t *testing.T) {
	dir := &mockDirectory{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := New(dir, NewMemoryBackend(), WithMetrics(m))

	rec, err := store.FindByExternalProvider(t.Context(), "google", "nobody")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP ldap_identity_userstore_lookups_total User store lookups by index and result.
# TYPE ldap_identity_userstore_lookups_total counter
ldap_identity_userstore_lookups_total{index="provider",result="miss"} 1
`), "ldap_identity_userstore_lookups_total"))
	dir.AssertNotCalled(t, "FindUser", mock.Anything, mock.Anything, mock.Anything)
}
