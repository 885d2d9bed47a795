// Package badger implements a persistent credentials.Store on BadgerDB.
//
// Key layout:
//
//	u:<name> -> secret
//
// A single prefix keeps every user under one contiguous key range so the
// startup cache load is one prefix iteration.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittoweb/pkg/credentials"
)

const userPrefix = "u:"

func userKey(name string) []byte {
	return []byte(userPrefix + name)
}

// Config configures the BadgerDB store.
type Config struct {
	// DBPath is the directory holding the database files.
	DBPath string

	// InMemory runs Badger without touching disk. Used by tests.
	InMemory bool

	// BadgerOptions overrides every other setting when non-nil.
	BadgerOptions *badger.Options
}

// Store is a credentials.Store persisted in BadgerDB.
//
// Thread safety:
// Safe for concurrent use; Badger transactions serialize conflicting
// inserts of the same key.
type Store struct {
	db     *badger.DB
	closed atomic.Bool
}

// New opens (or creates) the database described by cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	switch {
	case cfg.BadgerOptions != nil:
		opts = *cfg.BadgerOptions
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	default:
		if cfg.DBPath == "" {
			return nil, errors.New("badger credential store: db_path is required")
		}
		opts = badger.DefaultOptions(cfg.DBPath)
	}

	// Credentials are tiny; keep caches and logging small.
	opts = opts.WithLoggingLevel(badger.WARNING).
		WithCompression(options.None).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.DBPath, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Lookup(ctx context.Context, name string) (string, bool, error) {
	if err := s.check(ctx); err != nil {
		return "", false, err
	}

	var secret string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			secret = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %q: %w", name, err)
	}
	return secret, true, nil
}

func (s *Store) Insert(ctx context.Context, name, secret string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if name == "" {
		return credentials.ErrInvalidName
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(userKey(name))
		switch {
		case err == nil:
			return credentials.ErrUserExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(userKey(name), []byte(secret))
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, credentials.ErrUserExists):
		return err
	case errors.Is(err, badger.ErrConflict):
		// A concurrent transaction committed the same key first.
		return credentials.ErrUserExists
	default:
		return fmt.Errorf("insert %q: %w", name, err)
	}
}

func (s *Store) Users(ctx context.Context) (map[string]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	users := make(map[string]string)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         []byte(userPrefix),
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			name := string(item.Key()[len(userPrefix):])
			if err := item.Value(func(val []byte) error {
				users[name] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return credentials.ErrStoreClosed
	}
	return ctx.Err()
}
