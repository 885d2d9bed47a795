// Package credentials manages the user accounts behind the login and
// registration pages.
//
// A Store is the persistent backend (in-memory or BadgerDB). A Directory sits
// in front of a bounded pool of Store handles and keeps an in-memory cache of
// every known user, loaded once at startup; login checks hit the cache, and
// registrations write through to the store before updating the cache.
//
// Secrets stored in a Store are bcrypt hashes produced by the Directory; the
// Store itself treats them as opaque strings.
package credentials

import (
	"context"
	"errors"
)

var (
	// ErrUserExists is returned when registering a name that is already taken.
	ErrUserExists = errors.New("user already exists")

	// ErrInvalidName is returned for empty user names.
	ErrInvalidName = errors.New("invalid user name")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("credential store closed")
)

// Store persists user name to secret mappings.
//
// Implementations must be safe for concurrent use; Insert must be atomic with
// respect to other Inserts of the same name.
type Store interface {
	// Lookup returns the stored secret for name. found is false when the user
	// does not exist.
	Lookup(ctx context.Context, name string) (secret string, found bool, err error)

	// Insert stores a new user. It returns ErrUserExists if name is taken.
	Insert(ctx context.Context, name, secret string) error

	// Users returns every stored user and secret. It is used to warm the
	// Directory cache at startup.
	Users(ctx context.Context) (map[string]string, error)

	// Close releases the backend. Further calls return ErrStoreClosed.
	Close() error
}
