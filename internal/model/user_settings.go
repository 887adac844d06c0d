package model

import "encoding/json"

// UserSettings holds per-user overrides. Absent settings imply the
// default budget in service.DefaultMonthlyBudgetMinor.
type UserSettings struct {
	UserID            string          `json:"userId"`
	DefaultModelTag   string          `json:"defaultModelTag"`
	PerAgentOverrides json.RawMessage `json:"perAgentOverrides,omitempty"`
	MonthlyBudgetMinor int64          `json:"monthlyBudgetMinor"`
}
