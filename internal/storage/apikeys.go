package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomdev/loom/internal/auth"
)

// APIKeyStore persists API-key records. Secrets are stored as bcrypt
// hashes only.
type APIKeyStore struct {
	db *DB
}

// NewAPIKeyStore creates a store over the database.
func NewAPIKeyStore(db *DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// Put inserts or replaces a key record.
func (s *APIKeyStore) Put(ctx context.Context, rec auth.KeyRecord) error {
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, tenant_id, user_id, role, secret_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			user_id = excluded.user_id,
			role = excluded.role,
			secret_hash = excluded.secret_hash`,
		rec.KeyID, rec.TenantID, rec.UserID, rec.Role, rec.SecretHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put api key %s: %w", rec.KeyID, err)
	}
	return nil
}

// Get looks up a key record by key id. Returns (nil, nil) when absent.
func (s *APIKeyStore) Get(ctx context.Context, keyID string) (*auth.KeyRecord, error) {
	var rec auth.KeyRecord
	err := s.db.db.QueryRowContext(ctx,
		`SELECT key_id, tenant_id, user_id, role, secret_hash FROM api_keys WHERE key_id = ?`, keyID).
		Scan(&rec.KeyID, &rec.TenantID, &rec.UserID, &rec.Role, &rec.SecretHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key %s: %w", keyID, err)
	}
	return &rec, nil
}

var _ auth.KeyStore = (*APIKeyStore)(nil)
