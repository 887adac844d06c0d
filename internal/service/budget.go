package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// ModelUsage is the per-model breakdown within a monthly usage row (§3).
type ModelUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	CostMinor    int64 `json:"costMinor"`
}

// UsageRow is the single persisted row for (user_id, yyyy_mm) (§3).
// Cost is stored in a fixed minor-unit integer (ten-thousandths of a
// dollar) to avoid floating-point drift.
type UsageRow struct {
	UserID         string
	YYYYMM         string
	TotalCostMinor int64
	ByModel        map[string]ModelUsage
	UpdatedAt      time.Time
}

// UsageRecordInput is one idempotent cost-accounting write (§4.3, §8).
type UsageRecordInput struct {
	RequestID    string
	UserID       string
	YYYYMM       string
	ModelTag     string
	InputTokens  int64
	OutputTokens int64
	CostMinor    int64
}

// UsageLedgerRepository is the storage gateway's budget-accounting facet.
// Implemented by repository.UsageLedgerRepo.
type UsageLedgerRepository interface {
	GetUsageRow(ctx context.Context, userID, yyyyMM string) (*UsageRow, error)
	ApplyRecord(ctx context.Context, rec UsageRecordInput) (alreadyApplied bool, err error)
}

// SettingsRepository resolves a user's monthly budget cap (§3 User settings).
type SettingsRepository interface {
	GetSettings(ctx context.Context, userID string) (*model.UserSettings, error)
}

// Decision is the admission outcome of Admit (§4.3).
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionWarn  Decision = "warn"
	DecisionDeny  Decision = "deny"
)

// DefaultMonthlyBudgetMinor is used when a user has no settings row.
const DefaultMonthlyBudgetMinor int64 = 500_000 // $50.00 at 1/10000 dollar minor units

// warnThresholdPct is the percent-of-cap at which Admit downgrades allow to warn (§4.3, §8).
const warnThresholdPct = 80

// BudgetGovernor is the admission-control and metering component (§4.3).
// State is a cache of the storage gateway's usage rows, guarded per
// (user_id, yyyy_mm) by KeyLock so concurrent updates serialize and fold
// into a single write (§5).
type BudgetGovernor struct {
	ledger   UsageLedgerRepository
	settings SettingsRepository
	lock     KeyLock
}

// NewBudgetGovernor creates a BudgetGovernor.
func NewBudgetGovernor(ledger UsageLedgerRepository, settings SettingsRepository, lock KeyLock) *BudgetGovernor {
	return &BudgetGovernor{ledger: ledger, settings: settings, lock: lock}
}

// YYYYMM formats t as the usage-row period key.
func YYYYMM(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Admit computes spent + estimatedCost against the user's cap and returns
// allow/warn/deny (§4.3). Denies if over cap; warns at 80%.
func (g *BudgetGovernor) Admit(ctx context.Context, userID string, estimatedCost int64) (Decision, *UsageRow, int64, error) {
	cap, err := g.capFor(ctx, userID)
	if err != nil {
		return DecisionDeny, nil, 0, fmt.Errorf("service.Admit: %w", err)
	}

	row, err := g.ledger.GetUsageRow(ctx, userID, YYYYMM(time.Now()))
	if err != nil {
		return DecisionDeny, nil, cap, fmt.Errorf("service.Admit: %w", err)
	}

	if cap < 0 {
		return DecisionAllow, row, cap, nil // unlimited (sovereign-style cap)
	}

	projected := row.TotalCostMinor + estimatedCost
	if projected > cap {
		return DecisionDeny, row, cap, nil
	}

	pct := int(float64(projected) / float64(cap) * 100)
	if pct >= warnThresholdPct {
		return DecisionWarn, row, cap, nil
	}
	return DecisionAllow, row, cap, nil
}

// Record performs the atomic, request_id-idempotent post-flight usage
// update (§4.3, §8). Concurrent Record calls for the same user-month
// serialize via KeyLock.
func (g *BudgetGovernor) Record(ctx context.Context, userID, modelTag, requestID string, inputTokens, outputTokens, costMinor int64) error {
	yyyyMM := YYYYMM(time.Now())
	lockKey := userID + ":" + yyyyMM

	unlock, err := g.lock.Lock(ctx, lockKey)
	if err != nil {
		return fmt.Errorf("service.Record: acquire lock: %w", err)
	}
	defer unlock()

	alreadyApplied, err := g.ledger.ApplyRecord(ctx, UsageRecordInput{
		RequestID:    requestID,
		UserID:       userID,
		YYYYMM:       yyyyMM,
		ModelTag:     modelTag,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostMinor:    costMinor,
	})
	if err != nil {
		return fmt.Errorf("service.Record: %w", err)
	}
	if alreadyApplied {
		slog.Info("service.Record: duplicate request_id, skipped", "user_id", userID, "request_id", requestID)
	}
	return nil
}

func (g *BudgetGovernor) capFor(ctx context.Context, userID string) (int64, error) {
	settings, err := g.settings.GetSettings(ctx, userID)
	if err != nil {
		return 0, err
	}
	if settings == nil || settings.MonthlyBudgetMinor == 0 {
		return DefaultMonthlyBudgetMinor, nil
	}
	return settings.MonthlyBudgetMinor, nil
}

// PercentUsed computes the usage percentage for a budget_warning frame.
func PercentUsed(row *UsageRow, cap int64) int {
	if cap <= 0 {
		return 0
	}
	pct := int(float64(row.TotalCostMinor) / float64(cap) * 100)
	if pct > 100 {
		pct = 100
	}
	return pct
}
