package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

type PostgresUsageRepository struct {
	db *sqlx.DB
}

func NewPostgresUsageRepository(db *sqlx.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, record domain.UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO usage_records (id, user_id, model, provider, prompt_tokens, completion_tokens,
		                           total_tokens, cost_usd, estimated, created_at)
		VALUES (:id, :user_id, :model, :provider, :prompt_tokens, :completion_tokens,
		        :total_tokens, :cost_usd, :estimated, :created_at)
		ON CONFLICT (id) DO NOTHING
	`

	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (r *PostgresUsageRepository) SumTokensSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(total_tokens), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2
	`

	var total int64
	if err := r.db.GetContext(ctx, &total, query, userID, since); err != nil {
		return 0, fmt.Errorf("sum tokens: %w", err)
	}
	return total, nil
}

func (r *PostgresUsageRepository) ListSince(ctx context.Context, userID string, since time.Time) ([]domain.UsageRecord, error) {
	query := `
		SELECT id, user_id, model, provider, prompt_tokens, completion_tokens,
		       total_tokens, cost_usd, estimated, created_at
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	var records []domain.UsageRecord
	if err := r.db.SelectContext(ctx, &records, query, userID, since); err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	return records, nil
}
