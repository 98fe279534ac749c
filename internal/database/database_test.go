package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fogsync/internal/auth"
	apperrors "fogsync/internal/errors"
)

const testSecret = "this-is-a-very-long-test-secret-key-for-encryption"

func newTestDatabase(t *testing.T, secret string) (*Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fogsync.db")
	db, err := New(context.Background(), Options{Path: path, EncryptionSecret: secret})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestNew_RejectsBadPath(t *testing.T) {
	_, err := New(context.Background(), Options{Path: "../../escape.db"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidConfig, apperrors.GetCode(err))

	_, err = New(context.Background(), Options{})
	require.Error(t, err)
}

func TestNew_RejectsShortSecret(t *testing.T) {
	_, err := New(context.Background(), Options{
		Path:             filepath.Join(t.TempDir(), "x.db"),
		EncryptionSecret: "short",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidConfig, apperrors.GetCode(err))
}

func TestDatabase_SaveLoad(t *testing.T) {
	for _, secret := range []string{"", testSecret} {
		name := "plaintext"
		if secret != "" {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			db, _ := newTestDatabase(t, secret)
			ctx := context.Background()
			assert.Equal(t, secret != "", db.Encrypted())

			_, ok, err := db.Load(ctx, "w1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, db.Save(ctx, "w1", auth.VisitorCredential{Token: "t1", UserID: "u1"}))
			require.NoError(t, db.Save(ctx, "w2", auth.VisitorCredential{Token: "t2"}))

			cred, ok, err := db.Load(ctx, "w1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, auth.VisitorCredential{Token: "t1", UserID: "u1"}, cred)

			require.NoError(t, db.Save(ctx, "w1", auth.VisitorCredential{Token: "t1b", UserID: "u1"}))
			cred, _, err = db.Load(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, "t1b", cred.Token)

			require.NoError(t, db.Delete(ctx, "w1"))
			_, ok, err = db.Load(ctx, "w1")
			require.NoError(t, err)
			assert.False(t, ok)

			cred, ok, err = db.Load(ctx, "w2")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "t2", cred.Token)
		})
	}
}

func TestDatabase_EncryptsAtRest(t *testing.T) {
	db, path := newTestDatabase(t, testSecret)
	ctx := context.Background()
	require.NoError(t, db.Save(ctx, "widget-1", auth.VisitorCredential{Token: "secret-token", UserID: "u1"}))

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()

	var key, token string
	require.NoError(t, raw.QueryRow(`SELECT widget_key, token FROM visitor_credentials`).Scan(&key, &token))
	assert.NotEqual(t, "widget-1", key)
	assert.False(t, strings.Contains(token, "secret-token"))
}

func TestDatabase_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fogsync.db")
	ctx := context.Background()

	db, err := New(ctx, Options{Path: path, EncryptionSecret: testSecret})
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, "w1", auth.VisitorCredential{Token: "t1"}))
	require.NoError(t, db.Close())

	db, err = New(ctx, Options{Path: path, EncryptionSecret: testSecret})
	require.NoError(t, err)
	defer db.Close()
	cred, ok, err := db.Load(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", cred.Token)
}

func TestDatabase_WrongSecretMisses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fogsync.db")
	ctx := context.Background()

	db, err := New(ctx, Options{Path: path, EncryptionSecret: testSecret})
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, "w1", auth.VisitorCredential{Token: "t1"}))
	require.NoError(t, db.Close())

	db, err = New(ctx, Options{Path: path, EncryptionSecret: testSecret + "-other"})
	require.NoError(t, err)
	defer db.Close()
	_, ok, err := db.Load(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDatabase_InMemory(t *testing.T) {
	db, err := New(context.Background(), Options{Path: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Save(context.Background(), "w1", auth.VisitorCredential{Token: "t1"}))
	_, ok, err := db.Load(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsRetryableDBError(t *testing.T) {
	assert.True(t, isRetryableDBError(errors.New("database is locked")))
	assert.True(t, isRetryableDBError(errors.New("disk I/O error")))
	assert.False(t, isRetryableDBError(errors.New("UNIQUE constraint failed")))
	assert.False(t, isRetryableDBError(context.Canceled))
	assert.False(t, isRetryableDBError(nil))
}

func TestWithRetry_RetriesLockedDatabase(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), "op", func() error {
		attempts++
		if attempts < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithRetry_StopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), "op", func() error {
		attempts++
		return errors.New("no such table")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
