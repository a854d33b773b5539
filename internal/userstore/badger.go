package userstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-identity/internal/identity"
	"github.com/isometry/ldap-identity/internal/ldap"
)

// BadgerBackend stores records in an embedded badger database using the same
// key layout as RedisBackend. The three keys of a record are written in one
// transaction.
type BadgerBackend struct {
	db  *badger.DB
	ttl time.Duration
}

// BadgerOptions configures OpenBadgerBackend.
type BadgerOptions struct {
	Path     string
	InMemory bool
	TTL      time.Duration
}

// OpenBadgerBackend opens (or creates) a badger database. Badger's own log
// output is routed to the userstore subsystem of ctx.
func OpenBadgerBackend(ctx context.Context, opts BadgerOptions) (*BadgerBackend, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("badger path is required unless in_memory is set")
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(badgerLogger{ctx: ctx})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerBackend{db: db, ttl: opts.TTL}, nil
}

func (b *BadgerBackend) Put(ctx context.Context, rec *identity.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.write(ctx, txn, rec, data)
	})
}

// write stores the record and its index keys within txn.
func (b *BadgerBackend) write(ctx context.Context, txn *badger.Txn, rec *identity.Record, data []byte) error {
	sk := subjectKey(rec.GetSubjectID())
	pk := providerKey(rec.ProviderName, rec.ProviderSubjectID)

	prev, err := readValue(txn, pk)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case string(prev) != sk:
		tflog.SubsystemWarn(ctx, ldap.SubsystemUserStore, "Provider identity already mapped to another subject", map[string]any{
			"provider":         rec.ProviderName,
			"provider_user_id": rec.ProviderSubjectID,
			"previous_subject": string(prev),
			"subject":          sk,
		})
	}

	if err := b.set(txn, sk, data); err != nil {
		return err
	}
	if rec.OwnsUsername() {
		if err := b.set(txn, usernameKey(rec.Username), []byte(sk)); err != nil {
			return err
		}
	}
	return b.set(txn, pk, []byte(sk))
}

func (b *BadgerBackend) GetBySubject(_ context.Context, subjectID string) (*identity.Record, error) {
	var rec *identity.Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = loadRecord(txn, subjectKey(subjectID), ErrNotFound)
		return err
	})
	return rec, err
}

func (b *BadgerBackend) GetByUsername(_ context.Context, username string) (*identity.Record, error) {
	var rec *identity.Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		if rec, err = followIndex(txn, usernameKey(username)); err != nil {
			return err
		}
		return checkUsername(rec, username)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BadgerBackend) GetByProvider(_ context.Context, provider, providerSubjectID string) (*identity.Record, error) {
	var rec *identity.Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		if rec, err = followIndex(txn, providerKey(provider, providerSubjectID)); err != nil {
			return err
		}
		return checkProvider(rec, provider, providerSubjectID)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

func (b *BadgerBackend) set(txn *badger.Txn, key string, value []byte) error {
	entry := badger.NewEntry([]byte(key), value)
	if b.ttl > 0 {
		entry = entry.WithTTL(b.ttl)
	}
	if err := txn.SetEntry(entry); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func readValue(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return item.ValueCopy(nil)
}

func loadRecord(txn *badger.Txn, key string, missing error) (*identity.Record, error) {
	data, err := readValue(txn, key)
	if errors.Is(err, ErrNotFound) {
		return nil, missing
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(key, data)
}

func followIndex(txn *badger.Txn, indexKey string) (*identity.Record, error) {
	ref, err := readValue(txn, indexKey)
	if err != nil {
		return nil, err
	}
	if !isSubjectKey(string(ref)) {
		return nil, corruptf("index %s holds %q", indexKey, ref)
	}
	return loadRecord(txn, string(ref), corruptf("index %s points at missing %s", indexKey, ref))
}

type badgerLogger struct {
	ctx context.Context
}

func (l badgerLogger) Errorf(format string, args ...any) {
	tflog.SubsystemError(l.ctx, ldap.SubsystemUserStore, badgerMessage(format, args))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	tflog.SubsystemWarn(l.ctx, ldap.SubsystemUserStore, badgerMessage(format, args))
}

func (l badgerLogger) Infof(format string, args ...any) {
	tflog.SubsystemDebug(l.ctx, ldap.SubsystemUserStore, badgerMessage(format, args))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	tflog.SubsystemTrace(l.ctx, ldap.SubsystemUserStore, badgerMessage(format, args))
}

func badgerMessage(format string, args []any) string {
	return "badger: " + strings.TrimSpace(fmt.Sprintf(format, args...))
}
