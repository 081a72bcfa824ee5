package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"tollgate/internal/types"
)

type APIKeyRepo struct {
	db DBTX
}

func NewAPIKeyRepo(db DBTX) *APIKeyRepo {
	return &APIKeyRepo{db: db}
}

const apiKeyColumns = `id, tenant_id, key_prefix, key_hash, name,
	last_used_at, expires_at, revoked_at, created_at`

func scanAPIKey(row pgx.Row) (*types.APIKey, error) {
	var k types.APIKey
	err := row.Scan(&k.ID, &k.TenantID, &k.KeyPrefix, &k.KeyHash, &k.Name,
		&k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ListActiveByPrefix returns unrevoked keys sharing prefix. Prefixes are not
// unique, so the caller compares hashes against every candidate.
func (r *APIKeyRepo) ListActiveByPrefix(ctx context.Context, prefix string) ([]*types.APIKey, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys
		 WHERE key_prefix = $1 AND revoked_at IS NULL`,
		prefix,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list api keys", err)
	}
	defer rows.Close()

	var keys []*types.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan api key", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating api keys", err)
	}
	return keys, nil
}

func (r *APIKeyRepo) Create(ctx context.Context, tenantID, name, prefix, hash string, expiresAt *time.Time) (*types.APIKey, error) {
	k, err := scanAPIKey(r.db.QueryRow(ctx,
		`INSERT INTO api_keys (tenant_id, name, key_prefix, key_hash, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+apiKeyColumns,
		tenantID, name, prefix, hash, expiresAt,
	))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create api key", err)
	}
	return k, nil
}

// TouchLastUsed is best effort; callers usually run it off the request path.
func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update api key usage", err)
	}
	return nil
}
