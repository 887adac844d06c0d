package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// UsageLedgerRepo implements service.UsageLedgerRepository over Postgres.
// One row per (user_id, yyyy_mm), per §3's "exactly one usage record"
// invariant, generalizing repository.UsageRepo's per-metric upsert row to
// a single cost-accounting row with a by_model breakdown.
type UsageLedgerRepo struct {
	pool *pgxpool.Pool
}

// NewUsageLedgerRepo creates a UsageLedgerRepo.
func NewUsageLedgerRepo(pool *pgxpool.Pool) *UsageLedgerRepo {
	return &UsageLedgerRepo{pool: pool}
}

var _ service.UsageLedgerRepository = (*UsageLedgerRepo)(nil)

// GetUsageRow returns the usage row for (userID, yyyyMM), or a zeroed row
// if none exists yet (no row is created until the first Record).
func (r *UsageLedgerRepo) GetUsageRow(ctx context.Context, userID, yyyyMM string) (*service.UsageRow, error) {
	var row service.UsageRow
	var byModel []byte

	err := r.pool.QueryRow(ctx, `
		SELECT total_cost_minor, by_model, updated_at
		FROM usage_ledger
		WHERE user_id = $1 AND yyyy_mm = $2
	`, userID, yyyyMM).Scan(&row.TotalCostMinor, &byModel, &row.UpdatedAt)

	if err == pgx.ErrNoRows {
		return &service.UsageRow{
			UserID:  userID,
			YYYYMM:  yyyyMM,
			ByModel: map[string]service.ModelUsage{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository.GetUsageRow: %w", err)
	}

	row.UserID = userID
	row.YYYYMM = yyyyMM
	if len(byModel) > 0 {
		if err := json.Unmarshal(byModel, &row.ByModel); err != nil {
			return nil, fmt.Errorf("repository.GetUsageRow: decode by_model: %w", err)
		}
	} else {
		row.ByModel = map[string]service.ModelUsage{}
	}

	return &row, nil
}

// ApplyRecord performs the atomic read-modify-write for one cost record,
// keyed for idempotence by requestID (§4.3, §8: "Record(id=r) twice with
// the same r updates usage exactly once"). Returns true if requestID had
// already been applied (a no-op retry), false if this call applied it.
func (r *UsageLedgerRepo) ApplyRecord(ctx context.Context, rec service.UsageRecordInput) (alreadyApplied bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("repository.ApplyRecord: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Idempotency guard: a unique constraint on request_id makes the
	// second insert of the same request_id fail harmlessly.
	tag, err := tx.Exec(ctx, `
		INSERT INTO usage_ledger_requests (request_id, user_id, yyyy_mm)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO NOTHING
	`, rec.RequestID, rec.UserID, rec.YYYYMM)
	if err != nil {
		return false, fmt.Errorf("repository.ApplyRecord: idempotency insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// request_id already recorded; nothing to apply.
		return true, nil
	}

	var byModelRaw []byte
	err = tx.QueryRow(ctx, `
		SELECT by_model FROM usage_ledger WHERE user_id = $1 AND yyyy_mm = $2 FOR UPDATE
	`, rec.UserID, rec.YYYYMM).Scan(&byModelRaw)

	byModel := map[string]service.ModelUsage{}
	if err == nil && len(byModelRaw) > 0 {
		if jErr := json.Unmarshal(byModelRaw, &byModel); jErr != nil {
			return false, fmt.Errorf("repository.ApplyRecord: decode by_model: %w", jErr)
		}
	} else if err != nil && err != pgx.ErrNoRows {
		return false, fmt.Errorf("repository.ApplyRecord: select for update: %w", err)
	}

	entry := byModel[rec.ModelTag]
	entry.InputTokens += rec.InputTokens
	entry.OutputTokens += rec.OutputTokens
	entry.CostMinor += rec.CostMinor
	byModel[rec.ModelTag] = entry

	encoded, err := json.Marshal(byModel)
	if err != nil {
		return false, fmt.Errorf("repository.ApplyRecord: encode by_model: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_ledger (user_id, yyyy_mm, total_cost_minor, by_model, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, yyyy_mm) DO UPDATE
		SET total_cost_minor = usage_ledger.total_cost_minor + $3,
		    by_model = $4,
		    updated_at = now()
	`, rec.UserID, rec.YYYYMM, rec.CostMinor, encoded)
	if err != nil {
		return false, fmt.Errorf("repository.ApplyRecord: upsert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("repository.ApplyRecord: commit: %w", err)
	}
	return false, nil
}
