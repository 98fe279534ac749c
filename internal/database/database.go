// Package database persists issued visitor credentials in SQLite so a
// restarted client resumes the same visitor identity.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"fogsync/internal/auth"
	apperrors "fogsync/internal/errors"
	"fogsync/internal/migrations"
	"fogsync/internal/security"
)

const (
	upsertCredentialQuery = `
		INSERT INTO visitor_credentials (widget_key, token, user_id)
		VALUES (?, ?, ?)
		ON CONFLICT(widget_key) DO UPDATE SET
			token = excluded.token,
			user_id = excluded.user_id
	`

	selectCredentialQuery = `
		SELECT token, user_id
		FROM visitor_credentials
		WHERE widget_key = ?
	`

	deleteCredentialQuery = `
		DELETE FROM visitor_credentials
		WHERE widget_key = ?
	`
)

// Options configures the credential database.
type Options struct {
	Path string
	// EncryptionSecret enables AES-GCM column encryption when set.
	EncryptionSecret string
}

// Database is a SQLite-backed auth.CredentialStore.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

var _ auth.CredentialStore = (*Database)(nil)

// New opens (creating if needed) the database at opts.Path and applies the
// schema.
func New(ctx context.Context, opts Options) (*Database, error) {
	if err := security.ValidateFilePath(opts.Path); err != nil {
		return nil, apperrors.NewConfigError("db_path", err.Error())
	}

	enc, err := newEncryptor(opts.EncryptionSecret)
	if err != nil {
		return nil, apperrors.NewConfigError("encryption_secret", err.Error())
	}

	if opts.Path != ":memory:" {
		file, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("failed to close database file: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to ping database: %w", err))
	}
	if _, err := migrations.Apply(ctx, db); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize schema: %w", err))
	}

	return &Database{db: db, encryptor: enc}, nil
}

func closeWith(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

// Close closes the underlying database.
func (d *Database) Close() error {
	return d.db.Close()
}

// Encrypted reports whether credential columns are encrypted.
func (d *Database) Encrypted() bool {
	return d.encryptor.enabled()
}

// Save stores cred as the latest credential for widgetID.
func (d *Database) Save(ctx context.Context, widgetID string, cred auth.VisitorCredential) error {
	token, err := d.encryptor.encrypt(cred.Token)
	if err != nil {
		return apperrors.NewDatabaseError("encrypt token", err)
	}
	userID, err := d.encryptor.encrypt(cred.UserID)
	if err != nil {
		return apperrors.NewDatabaseError("encrypt user id", err)
	}
	key := d.encryptor.encryptForLookup(widgetID)

	err = withRetry(ctx, "save visitor credential", func() error {
		_, err := d.db.ExecContext(ctx, upsertCredentialQuery, key, token, userID)
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError("save", err)
	}
	return nil
}

// Load returns the stored credential for widgetID, if any.
func (d *Database) Load(ctx context.Context, widgetID string) (auth.VisitorCredential, bool, error) {
	key := d.encryptor.encryptForLookup(widgetID)

	var token, userID string
	var found bool
	err := withRetry(ctx, "load visitor credential", func() error {
		err := d.db.QueryRowContext(ctx, selectCredentialQuery, key).Scan(&token, &userID)
		if err == sql.ErrNoRows {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return auth.VisitorCredential{}, false, apperrors.NewDatabaseError("load", err)
	}
	if !found {
		return auth.VisitorCredential{}, false, nil
	}

	cred := auth.VisitorCredential{}
	if cred.Token, err = d.encryptor.decrypt(token); err != nil {
		return auth.VisitorCredential{}, false, apperrors.NewDatabaseError("decrypt token", err)
	}
	if cred.UserID, err = d.encryptor.decrypt(userID); err != nil {
		return auth.VisitorCredential{}, false, apperrors.NewDatabaseError("decrypt user id", err)
	}
	return cred, true, nil
}

// Delete forgets the credential for widgetID.
func (d *Database) Delete(ctx context.Context, widgetID string) error {
	key := d.encryptor.encryptForLookup(widgetID)
	err := withRetry(ctx, "delete visitor credential", func() error {
		_, err := d.db.ExecContext(ctx, deleteCredentialQuery, key)
		return err
	})
	if err != nil {
		return apperrors.NewDatabaseError("delete", err)
	}
	return nil
}
