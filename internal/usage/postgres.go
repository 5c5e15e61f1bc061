package usage

import (
	"context"
	"database/sql"
	"fmt"
)

type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Record(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO usage_records (caller_key_hash, credential_id, model, region, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.CallerKeyHash,
		rec.CredentialID,
		rec.Model,
		rec.Region,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}
