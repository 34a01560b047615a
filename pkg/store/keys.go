package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix is the sentinel prefix every issued API key carries.
const KeyPrefix = "gk-"

// APIKey is an issued credential bound to one project. Keys never expire;
// revocation is the only disabling mechanism.
type APIKey struct {
	Key        string
	ProjectID  string
	RateLimit  int // requests per minute
	CreatedAt  time.Time
	LastUsedAt *time.Time
	Revoked    bool
}

// Redacted returns the key with the high-entropy tail masked, for listings
// and audit records.
func (k *APIKey) Redacted() string {
	if len(k.Key) <= len(KeyPrefix)+8 {
		return KeyPrefix + "..."
	}
	return k.Key[:len(KeyPrefix)+8] + "..."
}

// NewKeyString generates an opaque key: sentinel prefix plus a UUID tail.
func NewKeyString() string {
	return KeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateKey issues a key for a project with the given per-minute rate limit
// and permission profile. The project is created on first reference.
func (s *Store) CreateKey(ctx context.Context, projectID string, rateLimit int, profile *PermissionProfile) (*APIKey, error) {
	key := &APIKey{
		Key:       NewKeyString(),
		ProjectID: projectID,
		RateLimit: rateLimit,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, name) VALUES (?, ?)
			ON CONFLICT(id) DO NOTHING`, projectID, projectID); err != nil {
			return storageErr(err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO api_keys (key, project_id, rate_limit) VALUES (?, ?, ?)`,
			key.Key, projectID, rateLimit); err != nil {
			return storageErr(err)
		}
		p := profile
		if p == nil {
			p = DefaultProfile()
		}
		return insertProfile(ctx, tx, key.Key, p)
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetKey looks a key up by opaque-string equality. Revoked keys are
// returned with Revoked=true; the policy layer rejects them.
func (s *Store) GetKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	var revoked int
	err := s.db.QueryRowContext(ctx, `
		SELECT key, project_id, rate_limit, created_at, last_used_at, revoked
		FROM api_keys WHERE key = ?`, key).
		Scan(&k.Key, &k.ProjectID, &k.RateLimit, &k.CreatedAt, &k.LastUsedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	k.Revoked = revoked != 0
	return &k, nil
}

// TouchKey updates last_used_at.
func (s *Store) TouchKey(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE key = ?`, at.UTC(), key)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// RevokeKey permanently disables a key. Idempotent.
func (s *Store) RevokeKey(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = 1 WHERE key = ?`, key)
	if err != nil {
		return storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListKeys returns all keys ordered by creation time. Callers redact
// before exposing.
func (s *Store) ListKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, project_id, rate_limit, created_at, last_used_at, revoked
		FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var revoked int
		if err := rows.Scan(&k.Key, &k.ProjectID, &k.RateLimit, &k.CreatedAt, &k.LastUsedAt, &revoked); err != nil {
			return nil, storageErr(err)
		}
		k.Revoked = revoked != 0
		keys = append(keys, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return keys, nil
}
