package auth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/keyfleet/keyfleet/internal/domain"
)

type PostgresKeyBackend struct {
	db *sql.DB
}

func NewPostgresKeyBackend(db *sql.DB) *PostgresKeyBackend {
	return &PostgresKeyBackend{db: db}
}

func (b *PostgresKeyBackend) FetchActiveHashes(ctx context.Context) (map[string]struct{}, error) {
	query := `SELECT key_hash FROM caller_keys WHERE active = true`

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query caller keys: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan caller key: %w", err)
		}
		hashes[hash] = struct{}{}
	}

	return hashes, rows.Err()
}

func (b *PostgresKeyBackend) Insert(ctx context.Context, key domain.CallerKey) error {
	query := `
		INSERT INTO caller_keys (id, label, key_hash, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := b.db.ExecContext(ctx, query,
		key.ID,
		key.Label,
		key.KeyHash,
		key.Active,
		key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert caller key: %w", err)
	}

	return nil
}

func (b *PostgresKeyBackend) Revoke(ctx context.Context, id string) error {
	query := `UPDATE caller_keys SET active = false WHERE id = $1`

	result, err := b.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("revoke caller key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrCallerKeyNotFound
	}

	return nil
}

func (b *PostgresKeyBackend) ListAll(ctx context.Context) ([]domain.CallerKey, error) {
	query := `
		SELECT id, label, key_hash, active, created_at
		FROM caller_keys
		ORDER BY created_at ASC
	`

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query caller keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.CallerKey
	for rows.Next() {
		var key domain.CallerKey
		err := rows.Scan(&key.ID, &key.Label, &key.KeyHash, &key.Active, &key.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan caller key: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}
