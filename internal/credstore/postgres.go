package credstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/keyfleet/keyfleet/internal/crypto"
	"github.com/keyfleet/keyfleet/internal/domain"
)

// PostgresBackend stores credentials with the upstream key encrypted at
// rest. Priority order is creation order.
type PostgresBackend struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
}

func NewPostgresBackend(db *sql.DB, encryptor *crypto.Encryptor) *PostgresBackend {
	return &PostgresBackend{db: db, encryptor: encryptor}
}

func (b *PostgresBackend) FetchActive(ctx context.Context) ([]domain.Credential, error) {
	query := `
		SELECT id, name, provider, region, upstream_key, model, active, created_at
		FROM credentials
		WHERE active = true
		ORDER BY created_at ASC
	`

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	return b.scanCredentials(rows)
}

func (b *PostgresBackend) ListAll(ctx context.Context) ([]domain.Credential, error) {
	query := `
		SELECT id, name, provider, region, upstream_key, model, active, created_at
		FROM credentials
		ORDER BY created_at ASC
	`

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	return b.scanCredentials(rows)
}

func (b *PostgresBackend) scanCredentials(rows *sql.Rows) ([]domain.Credential, error) {
	var creds []domain.Credential
	for rows.Next() {
		var cred domain.Credential
		err := rows.Scan(
			&cred.ID,
			&cred.Name,
			&cred.Provider,
			&cred.Region,
			&cred.UpstreamKey,
			&cred.Model,
			&cred.Active,
			&cred.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}

		if b.encryptor != nil {
			plain, err := b.encryptor.Decrypt(cred.UpstreamKey)
			if err != nil {
				return nil, fmt.Errorf("decrypt upstream key %s: %w", cred.ID, err)
			}
			cred.UpstreamKey = plain
		}

		creds = append(creds, cred)
	}

	return creds, rows.Err()
}

func (b *PostgresBackend) Insert(ctx context.Context, cred domain.Credential) error {
	upstreamKey := cred.UpstreamKey
	if b.encryptor != nil {
		sealed, err := b.encryptor.Encrypt(upstreamKey)
		if err != nil {
			return fmt.Errorf("encrypt upstream key: %w", err)
		}
		upstreamKey = sealed
	}

	query := `
		INSERT INTO credentials (id, name, provider, region, upstream_key, model, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := b.db.ExecContext(ctx, query,
		cred.ID,
		cred.Name,
		cred.Provider,
		cred.Region,
		upstreamKey,
		cred.Model,
		cred.Active,
		cred.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	return nil
}

// Revoke soft-deletes: credentials are deactivated, never removed.
func (b *PostgresBackend) Revoke(ctx context.Context, id string) error {
	query := `UPDATE credentials SET active = false WHERE id = $1`

	result, err := b.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrCredentialNotFound
	}

	return nil
}
