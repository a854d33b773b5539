package userstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/redis/go-redis/v9"

	"github.com/isometry/ldap-identity/internal/identity"
	"github.com/isometry/ldap-identity/internal/ldap"
)

// RedisBackend stores records in Redis. The subject key holds the encoded
// record and the secondary index keys hold the subject key. Every key is
// written with the same TTL; a zero TTL never expires.
type RedisBackend struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisBackend wraps an existing client. Put writes a record's keys in one
// MULTI/EXEC, so rdb must be a single-node or failover client: a cluster
// client rejects the transaction with CROSSSLOT because the keys hash to
// different slots.
func NewRedisBackend(rdb redis.UniversalClient, ttl time.Duration) *RedisBackend {
	return &RedisBackend{rdb: rdb, ttl: ttl}
}

func (r *RedisBackend) Put(ctx context.Context, rec *identity.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	sk := subjectKey(rec.GetSubjectID())
	pk := providerKey(rec.ProviderName, rec.ProviderSubjectID)

	existing, err := r.rdb.Get(ctx, pk).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("failed to read %s: %w", pk, err)
	case existing != sk:
		tflog.SubsystemWarn(ctx, ldap.SubsystemUserStore, "Provider identity already mapped to another subject", map[string]any{
			"provider":         rec.ProviderName,
			"provider_user_id": rec.ProviderSubjectID,
			"previous_subject": existing,
			"subject":          sk,
		})
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sk, data, r.ttl)
		if rec.OwnsUsername() {
			pipe.Set(ctx, usernameKey(rec.Username), sk, r.ttl)
		}
		pipe.Set(ctx, pk, sk, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", sk, err)
	}
	return nil
}

func (r *RedisBackend) GetBySubject(ctx context.Context, subjectID string) (*identity.Record, error) {
	return r.load(ctx, subjectKey(subjectID), ErrNotFound)
}

func (r *RedisBackend) GetByUsername(ctx context.Context, username string) (*identity.Record, error) {
	rec, err := r.follow(ctx, usernameKey(username))
	if err != nil {
		return nil, err
	}
	if err := checkUsername(rec, username); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RedisBackend) GetByProvider(ctx context.Context, provider, providerSubjectID string) (*identity.Record, error) {
	rec, err := r.follow(ctx, providerKey(provider, providerSubjectID))
	if err != nil {
		return nil, err
	}
	if err := checkProvider(rec, provider, providerSubjectID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}

// follow resolves a secondary index key to its record.
func (r *RedisBackend) follow(ctx context.Context, indexKey string) (*identity.Record, error) {
	ref, err := r.rdb.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", indexKey, err)
	}
	if !isSubjectKey(ref) {
		return nil, corruptf("index %s holds %q", indexKey, ref)
	}
	return r.load(ctx, ref, corruptf("index %s points at missing %s", indexKey, ref))
}

func (r *RedisBackend) load(ctx context.Context, key string, missing error) (*identity.Record, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, missing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return decodeRecord(key, data)
}
