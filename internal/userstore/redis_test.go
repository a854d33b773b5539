package userstore

import (
	"bytes"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-identity/internal/identity"
	"github.com/isometry/ldap-identity/internal/ldap"
)

func newRedisBackend(t *testing.T, ttl time.Duration) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackend(rdb, ttl)
	t.Cleanup(func() {
		_ = b.Close()
	})
	return b, mr
}

func TestRedisBackend(t *testing.T) {
	testBackendContract(t, func(t *testing.T) Backend {
		b, _ := newRedisBackend(t, 0)
		return b
	})
}

func TestRedisBackendKeys(t *testing.T) {
	b, mr := newRedisBackend(t, 0)
	require.NoError(t, b.Put(t.Context(), directoryRecord("alice")))

	assert.True(t, mr.Exists("IdentityServer/OpenId/subjectId/alice"))

	ref, err := mr.Get("IdentityServer/OpenId/username/alice")
	require.NoError(t, err)
	assert.Equal(t, "IdentityServer/OpenId/subjectId/alice", ref)

	ref, err = mr.Get("IdentityServer/OpenId/provider/local/userId/alice")
	require.NoError(t, err)
	assert.Equal(t, "IdentityServer/OpenId/subjectId/alice", ref)
}

func TestRedisBackendTTL(t *testing.T) {
	b, mr := newRedisBackend(t, time.Hour)
	require.NoError(t, b.Put(t.Context(), directoryRecord("alice")))

	assert.Equal(t, time.Hour, mr.TTL(subjectKey("alice")))
	assert.Equal(t, time.Hour, mr.TTL(usernameKey("alice")))
	assert.Equal(t, time.Hour, mr.TTL(providerKey(identity.DefaultProvider, "alice")))

	mr.FastForward(2 * time.Hour)

	_, err := b.GetBySubject(t.Context(), "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisBackendCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(mr *miniredis.Miniredis)
		get    func(b *RedisBackend) error
	}{
		{
			name: "undecodable record",
			mutate: func(mr *miniredis.Miniredis) {
				_ = mr.Set(subjectKey("alice"), "{broken")
			},
			get: func(b *RedisBackend) error {
				_, err := b.GetBySubject(t.Context(), "alice")
				return err
			},
		},
		{
			name: "dangling username index",
			mutate: func(mr *miniredis.Miniredis) {
				mr.Del(subjectKey("alice"))
			},
			get: func(b *RedisBackend) error {
				_, err := b.GetByUsername(t.Context(), "alice")
				return err
			},
		},
		{
			name: "index holding a non-subject key",
			mutate: func(mr *miniredis.Miniredis) {
				_ = mr.Set(providerKey(identity.DefaultProvider, "alice"), "somewhere/else")
			},
			get: func(b *RedisBackend) error {
				_, err := b.GetByProvider(t.Context(), identity.DefaultProvider, "alice")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, mr := newRedisBackend(t, 0)
			require.NoError(t, b.Put(t.Context(), directoryRecord("alice")))

			tt.mutate(mr)

			assert.ErrorIs(t, tt.get(b), ErrCorrupt)
		})
	}
}

func TestRedisBackendProviderRemapWarning(t *testing.T) {
	var output bytes.Buffer
	ctx := ldap.WithLogging(tflogtest.RootLogger(t.Context(), &output))

	b, _ := newRedisBackend(t, 0)
	require.NoError(t, b.Put(ctx, externalRecord("s-1", "google", "g-1", "Bob")))
	require.NoError(t, b.Put(ctx, externalRecord("s-1", "google", "g-1", "Bob")))

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	assert.Empty(t, entries, "re-storing the same mapping must not warn")

	require.NoError(t, b.Put(ctx, externalRecord("s-2", "google", "g-1", "Bob")))

	entries, err = tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0]["@level"])
	assert.Equal(t, subjectKey("s-1"), entries[0]["previous_subject"])

	got, err := b.GetByProvider(ctx, "google", "g-1")
	require.NoError(t, err)
	assert.Equal(t, "s-2", got.SubjectID)
}

func TestRedisBackendUnavailable(t *testing.T) {
	b, mr := newRedisBackend(t, 0)
	mr.Close()

	_, err := b.GetBySubject(t.Context(), "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrCorrupt)
}
