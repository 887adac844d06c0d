package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// SettingsRepo implements service.SettingsRepository over Postgres.
type SettingsRepo struct {
	pool *pgxpool.Pool
}

// NewSettingsRepo creates a SettingsRepo.
func NewSettingsRepo(pool *pgxpool.Pool) *SettingsRepo {
	return &SettingsRepo{pool: pool}
}

var _ service.SettingsRepository = (*SettingsRepo)(nil)

// GetSettings returns userID's settings, or nil if absent (defaults apply).
func (r *SettingsRepo) GetSettings(ctx context.Context, userID string) (*model.UserSettings, error) {
	var s model.UserSettings
	var overrides []byte

	err := r.pool.QueryRow(ctx, `
		SELECT user_id, default_model_tag, per_agent_overrides, monthly_budget_minor
		FROM user_settings
		WHERE user_id = $1
	`, userID).Scan(&s.UserID, &s.DefaultModelTag, &overrides, &s.MonthlyBudgetMinor)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository.GetSettings: %w", err)
	}
	s.PerAgentOverrides = overrides
	return &s, nil
}

// UpsertSettings creates or updates userID's settings row.
func (r *SettingsRepo) UpsertSettings(ctx context.Context, s *model.UserSettings) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_settings (user_id, default_model_tag, per_agent_overrides, monthly_budget_minor)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET default_model_tag = $2, per_agent_overrides = $3, monthly_budget_minor = $4
	`, s.UserID, s.DefaultModelTag, []byte(s.PerAgentOverrides), s.MonthlyBudgetMinor)
	if err != nil {
		return fmt.Errorf("repository.UpsertSettings: %w", err)
	}
	return nil
}
