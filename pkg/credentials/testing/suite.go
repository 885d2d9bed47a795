package testing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/marmos91/dittoweb/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite checks the credentials.Store contract. Backends run it from
// their own tests with a factory returning a fresh, empty store.
type StoreTestSuite struct {
	NewStore func(t *testing.T) credentials.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(test *testing.T) {
	test.Run("InsertLookup", suite.TestInsertLookup)
	test.Run("DuplicateInsert", suite.TestDuplicateInsert)
	test.Run("InvalidName", suite.TestInvalidName)
	test.Run("UsersSnapshot", suite.TestUsersSnapshot)
	test.Run("ConcurrentInsert", suite.TestConcurrentInsert)
	test.Run("CancelledContext", suite.TestCancelledContext)
	test.Run("Closed", suite.TestClosed)
}

func (suite *StoreTestSuite) TestInsertLookup(test *testing.T) {
	store := suite.NewStore(test)
	ctx := context.Background()

	_, found, err := store.Lookup(ctx, "alice")
	require.NoError(test, err)
	assert.False(test, found)

	require.NoError(test, store.Insert(ctx, "alice", "hash"))

	secret, found, err := store.Lookup(ctx, "alice")
	require.NoError(test, err)
	assert.True(test, found)
	assert.Equal(test, "hash", secret)
}

func (suite *StoreTestSuite) TestDuplicateInsert(test *testing.T) {
	store := suite.NewStore(test)
	ctx := context.Background()

	require.NoError(test, store.Insert(ctx, "alice", "h1"))
	assert.ErrorIs(test, store.Insert(ctx, "alice", "h2"), credentials.ErrUserExists)

	// The first secret wins.
	secret, _, err := store.Lookup(ctx, "alice")
	require.NoError(test, err)
	assert.Equal(test, "h1", secret)
}

func (suite *StoreTestSuite) TestInvalidName(test *testing.T) {
	store := suite.NewStore(test)
	assert.ErrorIs(test, store.Insert(context.Background(), "", "x"), credentials.ErrInvalidName)
}

func (suite *StoreTestSuite) TestUsersSnapshot(test *testing.T) {
	store := suite.NewStore(test)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(test, store.Insert(ctx, fmt.Sprintf("user%d", i), fmt.Sprintf("h%d", i)))
	}

	users, err := store.Users(ctx)
	require.NoError(test, err)
	require.Len(test, users, 5)
	assert.Equal(test, "h3", users["user3"])

	users["mallory"] = "x"
	_, found, err := store.Lookup(ctx, "mallory")
	require.NoError(test, err)
	assert.False(test, found, "Users must return a copy")
}

func (suite *StoreTestSuite) TestConcurrentInsert(test *testing.T) {
	store := suite.NewStore(test)
	ctx := context.Background()

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Insert(ctx, "race", "h") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(test, int32(1), wins.Load())
}

func (suite *StoreTestSuite) TestCancelledContext(test *testing.T) {
	store := suite.NewStore(test)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.Lookup(ctx, "x")
	assert.ErrorIs(test, err, context.Canceled)
	assert.ErrorIs(test, store.Insert(ctx, "x", "h"), context.Canceled)
}

func (suite *StoreTestSuite) TestClosed(test *testing.T) {
	store := suite.NewStore(test)
	ctx := context.Background()

	require.NoError(test, store.Close())
	require.NoError(test, store.Close())

	_, _, err := store.Lookup(ctx, "x")
	assert.ErrorIs(test, err, credentials.ErrStoreClosed)
	assert.ErrorIs(test, store.Insert(ctx, "x", "h"), credentials.ErrStoreClosed)
	_, err = store.Users(ctx)
	assert.ErrorIs(test, err, credentials.ErrStoreClosed)
}
