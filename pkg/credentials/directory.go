package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/dittoweb/internal/logger"
	"github.com/marmos91/dittoweb/pkg/pool"
	"golang.org/x/crypto/bcrypt"
)

// DirectoryConfig configures a Directory.
type DirectoryConfig struct {
	// PoolSize is the number of store handles that may be in use at once.
	// Default: 8
	PoolSize int

	// BcryptCost is the bcrypt work factor for new passwords.
	// Default: bcrypt.DefaultCost
	BcryptCost int
}

func (c *DirectoryConfig) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
	if c.BcryptCost < bcrypt.MinCost {
		c.BcryptCost = bcrypt.MinCost
	}
	if c.BcryptCost > bcrypt.MaxCost {
		c.BcryptCost = bcrypt.MaxCost
	}
}

// Directory answers login and registration requests.
//
// All known users are cached in memory, keyed by name, with their bcrypt
// hash as the value. Store access goes through a bounded pool of handles so
// at most PoolSize goroutines talk to the backend concurrently; callers wait
// for a free handle.
//
// Thread safety:
// Safe for concurrent use.
type Directory struct {
	store   Store
	handles *pool.Pool[Store]
	cost    int

	mu    sync.RWMutex
	users map[string]string
}

// NewDirectory wraps store and loads its users into the cache.
//
// The Directory takes ownership of store and closes it in Close.
func NewDirectory(ctx context.Context, store Store, cfg DirectoryConfig) (*Directory, error) {
	if store == nil {
		return nil, errors.New("credential store cannot be nil")
	}
	cfg.applyDefaults()

	handles, err := pool.New(cfg.PoolSize, func(int) (Store, error) { return store, nil })
	if err != nil {
		return nil, err
	}

	users, err := store.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}

	logger.Info("Credential directory loaded: users=%d pool=%d", len(users), cfg.PoolSize)

	return &Directory{
		store:   store,
		handles: handles,
		cost:    cfg.BcryptCost,
		users:   users,
	}, nil
}

// Login reports whether password matches the stored one for name.
//
// A cache miss falls back to the store so users added by another process
// sharing the backend are still found.
func (d *Directory) Login(ctx context.Context, name, password string) (bool, error) {
	d.mu.RLock()
	hash, ok := d.users[name]
	d.mu.RUnlock()

	if !ok {
		secret, found, err := d.lookup(ctx, name)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		hash = secret

		d.mu.Lock()
		d.users[name] = secret
		d.mu.Unlock()
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// Register creates a new user.
//
// Returns ErrUserExists if name is already known, ErrInvalidName for an empty
// name, or the hashing/store error otherwise.
func (d *Directory) Register(ctx context.Context, name, password string) error {
	if name == "" {
		return ErrInvalidName
	}

	d.mu.RLock()
	_, exists := d.users[name]
	d.mu.RUnlock()
	if exists {
		return ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	h, err := d.handles.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire store handle: %w", err)
	}
	err = h.Insert(ctx, name, string(hash))
	d.handles.Release(h)

	if err != nil {
		return err
	}

	d.mu.Lock()
	d.users[name] = string(hash)
	d.mu.Unlock()

	logger.Debug("Registered user %q", name)
	return nil
}

// Seed registers each user that does not exist yet. Existing users keep
// their current password.
func (d *Directory) Seed(ctx context.Context, users map[string]string) error {
	for name, password := range users {
		err := d.Register(ctx, name, password)
		if err != nil && !errors.Is(err, ErrUserExists) {
			return fmt.Errorf("seed user %q: %w", name, err)
		}
	}
	return nil
}

// Exists reports whether name is in the cache.
func (d *Directory) Exists(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[name]
	return ok
}

// Len returns the number of cached users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Close waits for in-use handles and closes the underlying store.
func (d *Directory) Close(ctx context.Context) error {
	if err := d.handles.Close(ctx, nil); err != nil {
		return err
	}
	return d.store.Close()
}

func (d *Directory) lookup(ctx context.Context, name string) (string, bool, error) {
	h, err := d.handles.Acquire(ctx)
	if err != nil {
		return "", false, fmt.Errorf("acquire store handle: %w", err)
	}
	defer d.handles.Release(h)

	return h.Lookup(ctx, name)
}
