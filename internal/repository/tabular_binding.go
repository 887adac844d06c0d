package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// TabularBindingRepo implements service.TabularBindingStore over Postgres.
type TabularBindingRepo struct {
	pool *pgxpool.Pool
}

// NewTabularBindingRepo creates a TabularBindingRepo.
func NewTabularBindingRepo(pool *pgxpool.Pool) *TabularBindingRepo {
	return &TabularBindingRepo{pool: pool}
}

var _ service.TabularBindingStore = (*TabularBindingRepo)(nil)

func (r *TabularBindingRepo) Create(ctx context.Context, b *model.TabularBinding) (*model.TabularBinding, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO tabular_bindings (user_id, display_name, engine_tag, encrypted_credential, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, b.UserID, b.DisplayName, b.EngineTag, b.EncryptedCredentialB64, b.Status,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository.Create: %w", err)
	}
	return b, nil
}

func (r *TabularBindingRepo) Get(ctx context.Context, userID, bindingID string) (*model.TabularBinding, error) {
	var b model.TabularBinding
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, display_name, engine_tag, encrypted_credential, status,
		       schema_snapshot, last_validated_at, created_at, updated_at
		FROM tabular_bindings
		WHERE id = $1 AND user_id = $2
	`, bindingID, userID).Scan(&b.ID, &b.UserID, &b.DisplayName, &b.EngineTag,
		&b.EncryptedCredentialB64, &b.Status, &b.SchemaSnapshot, &b.LastValidatedAt,
		&b.CreatedAt, &b.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository.Get: %w", err)
	}
	return &b, nil
}

func (r *TabularBindingRepo) List(ctx context.Context, userID string) ([]model.TabularBinding, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, display_name, engine_tag, encrypted_credential, status,
		       schema_snapshot, last_validated_at, created_at, updated_at
		FROM tabular_bindings
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository.List: %w", err)
	}
	defer rows.Close()

	var out []model.TabularBinding
	for rows.Next() {
		var b model.TabularBinding
		if err := rows.Scan(&b.ID, &b.UserID, &b.DisplayName, &b.EngineTag,
			&b.EncryptedCredentialB64, &b.Status, &b.SchemaSnapshot, &b.LastValidatedAt,
			&b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repository.List: scan: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *TabularBindingRepo) UpdateSchemaSnapshot(ctx context.Context, bindingID string, snapshot []byte, status model.BindingStatus) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tabular_bindings
		SET schema_snapshot = $2, status = $3, last_validated_at = now(), updated_at = now()
		WHERE id = $1
	`, bindingID, snapshot, status)
	if err != nil {
		return fmt.Errorf("repository.UpdateSchemaSnapshot: %w", err)
	}
	return nil
}

func (r *TabularBindingRepo) Delete(ctx context.Context, userID, bindingID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM tabular_bindings WHERE id = $1 AND user_id = $2`, bindingID, userID)
	if err != nil {
		return fmt.Errorf("repository.Delete: %w", err)
	}
	return nil
}

// RecordHistory persists one planner run (§4.5 step 6).
func (r *TabularBindingRepo) RecordHistory(ctx context.Context, h *model.TabularQueryHistory) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tabular_query_history (user_id, binding_id, question, generated_sql, outcome, row_count, wall_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, h.UserID, h.BindingID, h.Question, h.GeneratedSQL, h.Outcome, h.RowCount, h.WallMs, h.Error)
	if err != nil {
		return fmt.Errorf("repository.RecordHistory: %w", err)
	}
	return nil
}
