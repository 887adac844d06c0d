package handler

import (
	"net/http"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// BudgetDeps bundles the collaborators the usage/budget handler needs.
type BudgetDeps struct {
	Ledger   service.UsageLedgerRepository
	Settings service.SettingsRepository
}

// budgetSnapshot is the response shape for the usage/budget endpoint (§6).
type budgetSnapshot struct {
	YYYYMM         string                        `json:"yyyymm"`
	TotalCostMinor int64                         `json:"totalCostMinor"`
	CapMinor       int64                         `json:"capMinor"`
	PercentUsed    int                           `json:"percentUsed"`
	ByModel        map[string]service.ModelUsage `json:"byModel"`
}

// GetUsageBudget returns the current month's usage snapshot (§4.3, §6).
// GET /api/usage/budget
func GetUsageBudget(deps BudgetDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		yyyyMM := r.URL.Query().Get("month")
		if yyyyMM == "" {
			yyyyMM = service.YYYYMM(time.Now())
		}

		row, err := deps.Ledger.GetUsageRow(r.Context(), userID, yyyyMM)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not load usage"})
			return
		}

		settings, err := deps.Settings.GetSettings(r.Context(), userID)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not load settings"})
			return
		}
		cap := service.DefaultMonthlyBudgetMinor
		if settings != nil && settings.MonthlyBudgetMinor != 0 {
			cap = settings.MonthlyBudgetMinor
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: budgetSnapshot{
			YYYYMM:         yyyyMM,
			TotalCostMinor: row.TotalCostMinor,
			CapMinor:       cap,
			PercentUsed:    service.PercentUsed(row, cap),
			ByModel:        row.ByModel,
		}})
	}
}
