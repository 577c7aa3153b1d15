package database

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLookupUnknownUser(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Lookup("nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRegisterAndLookup(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Register("alice", "hunter2"))

	password, err := db.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)

	// Duplicate registration is refused
	assert.Error(t, db.Register("alice", "other"))
}

func TestAuthenticate(t *testing.T) {
	db := openTestDB(t)

	t.Run("unknown username registers", func(t *testing.T) {
		res, err := db.Authenticate("alice", "hunter2")
		require.NoError(t, err)
		assert.Equal(t, AuthCreated, res)

		password, err := db.Lookup("alice")
		require.NoError(t, err)
		assert.Equal(t, "hunter2", password)
	})

	t.Run("matching password", func(t *testing.T) {
		res, err := db.Authenticate("alice", "hunter2")
		require.NoError(t, err)
		assert.Equal(t, AuthMatched, res)
	})

	t.Run("wrong password", func(t *testing.T) {
		res, err := db.Authenticate("alice", "wrong")
		require.NoError(t, err)
		assert.Equal(t, AuthMismatched, res)

		// First-come password is never overwritten
		password, err := db.Lookup("alice")
		require.NoError(t, err)
		assert.Equal(t, "hunter2", password)
	})
}

func TestAuthenticateConcurrentRegistration(t *testing.T) {
	db := openTestDB(t)

	// Many first-time logins with the same username race; exactly one may
	// register, the rest must be verified against the stored password.
	const workers = 8
	results := make([]AuthResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = db.Authenticate("bob", "secret")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	created := 0
	for _, res := range results {
		switch res {
		case AuthCreated:
			created++
		case AuthMatched:
		default:
			t.Fatalf("unexpected result %v", res)
		}
	}
	assert.Equal(t, 1, created, "exactly one racer registers")
}

func TestListUsernames(t *testing.T) {
	db := openTestDB(t)

	usernames, err := db.ListUsernames()
	require.NoError(t, err)
	assert.Empty(t, usernames)

	require.NoError(t, db.Register("carol", "pw1"))
	require.NoError(t, db.Register("alice", "pw2"))

	usernames, err = db.ListUsernames()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, usernames)
	assert.Equal(t, 2, db.CountUsers())
}

func TestCredentialsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Register("alice", "hunter2"))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	password, err := db.Lookup("alice")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)
}
