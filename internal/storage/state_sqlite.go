package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // CGO-less SQLite driver

	"oidcbroker/internal/oidc"
)

// SQLiteSessionStore persists the session state in a single-row SQLite
// table so it survives restarts. When a passphrase is configured the JSON
// payload is encrypted at rest with AES-256-GCM.
type SQLiteSessionStore struct {
	db  *sql.DB
	key []byte // nil means plaintext payload
}

// SQLiteOption configures a SQLiteSessionStore.
type SQLiteOption func(*sqliteOptions)

type sqliteOptions struct {
	passphrase string
}

// WithPassphrase enables payload encryption at rest. The 32-byte key is
// derived with PBKDF2 from the passphrase and a per-store salt.
func WithPassphrase(passphrase string) SQLiteOption {
	return func(o *sqliteOptions) {
		o.passphrase = passphrase
	}
}

// OpenSQLite opens (creating if needed) a session store at the given DSN.
func OpenSQLite(dsn string, opts ...SQLiteOption) (*SQLiteSessionStore, error) {
	var options sqliteOptions
	for _, opt := range opts {
		opt(&options)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteSessionStore{db: db}
	if options.passphrase != "" {
		salt, err := loadOrCreateSalt(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.key = DeriveKey(options.passphrase, salt)
	}
	return s, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_state (
			id INTEGER PRIMARY KEY CHECK(id=1),
			payload TEXT NOT NULL,
			encrypted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

func loadOrCreateSalt(db *sql.DB) ([]byte, error) {
	var encoded string
	err := db.QueryRow(`SELECT value FROM store_meta WHERE key = 'key_salt'`).Scan(&encoded)
	switch {
	case err == sql.ErrNoRows:
		salt, err := NewKeySalt()
		if err != nil {
			return nil, err
		}
		if _, err := db.Exec(`INSERT INTO store_meta (key, value) VALUES ('key_salt', ?)`, hex.EncodeToString(salt)); err != nil {
			return nil, fmt.Errorf("store key salt: %w", err)
		}
		return salt, nil
	case err != nil:
		return nil, err
	}
	salt, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode key salt: %w", err)
	}
	return salt, nil
}

// Close releases the underlying database handle.
func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteSessionStore) Current(ctx context.Context) (*SessionState, error) {
	return s.load(ctx)
}

func (s *SQLiteSessionStore) Replace(ctx context.Context, state *SessionState) error {
	if state == nil {
		return ErrInvalidState
	}
	return s.save(ctx, state)
}

func (s *SQLiteSessionStore) UpdateAfterAuthorization(ctx context.Context, resp *oidc.AuthorizationResponse, authErr error) error {
	return s.update(ctx, func(state *SessionState) {
		state.applyAuthorization(resp, authErr)
	})
}

func (s *SQLiteSessionStore) UpdateAfterTokenResponse(ctx context.Context, resp *oidc.TokenResponse, tokenErr error) error {
	return s.update(ctx, func(state *SessionState) {
		state.applyTokenResponse(resp, tokenErr)
	})
}

// update performs a read-modify-write inside a transaction so concurrent
// completions never interleave their writes.
func (s *SQLiteSessionStore) update(ctx context.Context, apply func(*SessionState)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	state, err := s.loadTx(ctx, tx)
	if err != nil {
		return err
	}
	apply(state)
	if err := s.saveTx(ctx, tx, state); err != nil {
		return err
	}
	return tx.Commit()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteSessionStore) load(ctx context.Context) (*SessionState, error) {
	return s.loadFrom(ctx, s.db)
}

func (s *SQLiteSessionStore) loadTx(ctx context.Context, tx *sql.Tx) (*SessionState, error) {
	return s.loadFrom(ctx, tx)
}

func (s *SQLiteSessionStore) loadFrom(ctx context.Context, q queryRower) (*SessionState, error) {
	var payload string
	var encrypted int
	err := q.QueryRowContext(ctx, `SELECT payload, encrypted FROM session_state WHERE id = 1`).Scan(&payload, &encrypted)
	if err == sql.ErrNoRows {
		return &SessionState{}, nil
	}
	if err != nil {
		return nil, err
	}
	if encrypted != 0 {
		if s.key == nil {
			return nil, ErrDecryptionFailed
		}
		payload, err = decrypt(payload, s.key)
		if err != nil {
			return nil, err
		}
	}
	var state SessionState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("parse session state: %w", err)
	}
	return &state, nil
}

func (s *SQLiteSessionStore) save(ctx context.Context, state *SessionState) error {
	return s.saveTo(ctx, s.db, state)
}

func (s *SQLiteSessionStore) saveTx(ctx context.Context, tx *sql.Tx, state *SessionState) error {
	return s.saveTo(ctx, tx, state)
}

func (s *SQLiteSessionStore) saveTo(ctx context.Context, e execer, state *SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	payload := string(data)
	encrypted := 0
	if s.key != nil {
		payload, err = encrypt(payload, s.key)
		if err != nil {
			return err
		}
		encrypted = 1
	}
	_, err = e.ExecContext(ctx,
		`INSERT INTO session_state (id, payload, encrypted, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, encrypted = excluded.encrypted, updated_at = excluded.updated_at`,
		payload, encrypted, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
