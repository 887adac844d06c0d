package model

import (
	"encoding/json"
	"time"
)

// BindingStatus is the lifecycle state of an external database binding.
type BindingStatus string

const (
	BindingValidating BindingStatus = "validating"
	BindingActive     BindingStatus = "active"
	BindingFailed     BindingStatus = "failed"
)

// TabularBinding is a user's registered external database. The credential
// is encrypted at rest with a key held only by the process; plaintext
// never enters persistent storage (see service.CredentialCipher).
type TabularBinding struct {
	ID                    string          `json:"id"`
	UserID                string          `json:"userId"`
	DisplayName           string          `json:"displayName"`
	EngineTag             string          `json:"engineTag"`
	EncryptedCredentialB64 string         `json:"-"`
	Status                BindingStatus   `json:"status"`
	SchemaSnapshot        json.RawMessage `json:"schemaSnapshot,omitempty"`
	LastValidatedAt       *time.Time      `json:"lastValidatedAt,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// TabularQueryOutcome is the terminal classification of a single planner run.
type TabularQueryOutcome string

const (
	TabularOutcomeOK                TabularQueryOutcome = "ok"
	TabularOutcomeGenerationInvalid TabularQueryOutcome = "generation_invalid"
	TabularOutcomeValidationReject  TabularQueryOutcome = "validation_rejected"
	TabularOutcomeExecutionTimeout  TabularQueryOutcome = "execution_timeout"
	TabularOutcomeExecutionError    TabularQueryOutcome = "execution_error"
	TabularOutcomeConnectionError   TabularQueryOutcome = "connection_error"
)

// TabularQueryHistory is one persisted planner run, used for audit and for
// feeding the validator's rejection reason back into a single retry.
type TabularQueryHistory struct {
	ID            string              `json:"id"`
	UserID        string              `json:"userId"`
	BindingID     string              `json:"bindingId"`
	Question      string              `json:"question"`
	GeneratedSQL  string              `json:"generatedSql"`
	Outcome       TabularQueryOutcome `json:"outcome"`
	RowCount      int                 `json:"rowCount"`
	WallMs        int64               `json:"wallMs"`
	Error         *string             `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
}
