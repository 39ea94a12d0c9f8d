package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TokenStore is a backing store for opaque (non-self-contained) session
// tokens.
type TokenStore interface {
	// Get resolves a token, or returns ErrBadSession when unknown/expired.
	Get(ctx context.Context, token string) (*Verified, error)
}

// StoreVerifier verifies tokens by store lookup.
type StoreVerifier struct {
	store TokenStore
}

// NewStoreVerifier wraps a token store as a Verifier.
func NewStoreVerifier(store TokenStore) *StoreVerifier {
	return &StoreVerifier{store: store}
}

// Verify looks the token up in the store.
func (v *StoreVerifier) Verify(ctx context.Context, token string) (*Verified, error) {
	return v.store.Get(ctx, token)
}

// SQLTokenStore keeps opaque session tokens in a SQL table. It works with
// any database/sql driver using ? placeholders (SQLite, MySQL).
//
// Schema, created by Init:
//
//	CREATE TABLE IF NOT EXISTS lumen_tokens (
//	    token      TEXT PRIMARY KEY,
//	    claims     BLOB NOT NULL,
//	    expires_at INTEGER NOT NULL
//	);
type SQLTokenStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// SQLStoreOption configures a SQLTokenStore.
type SQLStoreOption func(*SQLTokenStore)

// WithTableName overrides the default table name.
func WithTableName(name string) SQLStoreOption {
	return func(s *SQLTokenStore) {
		if name != "" {
			s.table = name
		}
	}
}

// WithStoreClock overrides the time source, for tests.
func WithStoreClock(now func() time.Time) SQLStoreOption {
	return func(s *SQLTokenStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLTokenStore creates a store on an open database handle.
func NewSQLTokenStore(db *sql.DB, opts ...SQLStoreOption) *SQLTokenStore {
	s := &SQLTokenStore{db: db, table: "lumen_tokens", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the token table if it does not exist.
func (s *SQLTokenStore) Init(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		token      TEXT PRIMARY KEY,
		claims     BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("auth: init token store: %w", err)
	}
	return nil
}

// Put stores a token with its claims until expiresAt.
func (s *SQLTokenStore) Put(ctx context.Context, token string, claims *Verified, expiresAt time.Time) error {
	blob, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("auth: store token: %w", err)
	}
	query := fmt.Sprintf(`INSERT OR REPLACE INTO %s (token, claims, expires_at) VALUES (?, ?, ?)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, token, blob, expiresAt.Unix()); err != nil {
		return fmt.Errorf("auth: store token: %w", err)
	}
	return nil
}

// Get resolves a stored token, treating unknown and expired tokens alike.
func (s *SQLTokenStore) Get(ctx context.Context, token string) (*Verified, error) {
	query := fmt.Sprintf(`SELECT claims, expires_at FROM %s WHERE token = ?`, s.table)

	var blob []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, query, token).Scan(&blob, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown token", ErrBadSession)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup token: %w", err)
	}
	if s.now().Unix() > expiresAt {
		return nil, fmt.Errorf("%w: stored token", ErrTokenExpired)
	}

	var claims Verified
	if err := json.Unmarshal(blob, &claims); err != nil {
		return nil, fmt.Errorf("%w: malformed claims", ErrBadSession)
	}
	return &claims, nil
}

// Delete removes a token (logout).
func (s *SQLTokenStore) Delete(ctx context.Context, token string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE token = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("auth: delete token: %w", err)
	}
	return nil
}

// DeleteExpired removes expired tokens and returns how many were deleted.
func (s *SQLTokenStore) DeleteExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at < ?`, s.table)
	res, err := s.db.ExecContext(ctx, query, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("auth: delete expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("auth: delete expired tokens: %w", err)
	}
	return n, nil
}
