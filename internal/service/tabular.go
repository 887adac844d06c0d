package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

const (
	defaultStatementTimeout = 5 * time.Second
	defaultRowCap           = 1000
)

// TabularBindingStore is the storage gateway's tabular-binding facet.
// Implemented by repository.TabularBindingRepo.
type TabularBindingStore interface {
	Create(ctx context.Context, b *model.TabularBinding) (*model.TabularBinding, error)
	Get(ctx context.Context, userID, bindingID string) (*model.TabularBinding, error)
	List(ctx context.Context, userID string) ([]model.TabularBinding, error)
	UpdateSchemaSnapshot(ctx context.Context, bindingID string, snapshot []byte, status model.BindingStatus) error
	Delete(ctx context.Context, userID, bindingID string) error
	RecordHistory(ctx context.Context, h *model.TabularQueryHistory) error
}

// TabularResult is the planner's successful output (§4.5).
type TabularResult struct {
	GeneratedSQL string
	Columns      []string
	Rows         [][]any
	RowCount     int
	WallMs       int64
}

// TabularGenerator produces a single SELECT statement from a natural
// language question plus schema context.
type TabularGenerator interface {
	GenerateSQL(ctx context.Context, schemaSummary, question string, history []string, feedback string) (string, error)
}

// TabularPlannerService implements the NL-to-SQL planner (§4.5). Grounded
// on internal/tools/executor.go's timeout+typed-error shape, generalized
// from tool execution to a single SELECT's generate -> validate -> execute
// pipeline.
type TabularPlannerService struct {
	store  TabularBindingStore
	gen    TabularGenerator
	cipher *CredentialCipher
}

// NewTabularPlannerService creates a TabularPlannerService.
func NewTabularPlannerService(store TabularBindingStore, gen TabularGenerator, cipher *CredentialCipher) *TabularPlannerService {
	return &TabularPlannerService{store: store, gen: gen, cipher: cipher}
}

// schemaSnapshot is the opaque structured summary stored per binding.
type schemaSnapshot struct {
	Tables map[string][]string `json:"tables"` // table -> column names, for prompt + validation
}

// Plan runs the full generate/validate/execute pipeline for one question.
// On validation failure it retries generation exactly once with the
// validator's reason injected as feedback (§4.5).
func (p *TabularPlannerService) Plan(ctx context.Context, userID, bindingID, question string, conversationContext []string) (*TabularResult, error) {
	start := time.Now()

	binding, err := p.store.Get(ctx, userID, bindingID)
	if err != nil {
		return nil, fmt.Errorf("service.Plan: %w", err)
	}
	if binding == nil {
		return nil, &apiTabularError{model.TabularOutcomeConnectionError, "binding not found"}
	}

	var snap schemaSnapshot
	if len(binding.SchemaSnapshot) > 0 {
		if err := json.Unmarshal(binding.SchemaSnapshot, &snap); err != nil {
			return nil, fmt.Errorf("service.Plan: decode schema snapshot: %w", err)
		}
	}
	allowed := make(map[string]bool, len(snap.Tables))
	for t := range snap.Tables {
		allowed[strings.ToLower(t)] = true
	}

	generated, validated, outcome, genErr := p.generateAndValidate(ctx, snap, question, conversationContext, allowed, "")
	if genErr != nil {
		p.recordHistory(ctx, userID, bindingID, question, generated, outcome, 0, time.Since(start), genErr)
		return nil, genErr
	}

	result, execErr := p.execute(ctx, binding, validated)
	if execErr != nil {
		kind := model.TabularOutcomeExecutionError
		if execErr == context.DeadlineExceeded {
			kind = model.TabularOutcomeExecutionTimeout
		}
		p.recordHistory(ctx, userID, bindingID, question, validated, kind, 0, time.Since(start), execErr)
		return nil, execErr
	}
	result.WallMs = time.Since(start).Milliseconds()

	p.recordHistory(ctx, userID, bindingID, question, validated, model.TabularOutcomeOK, result.RowCount, time.Since(start), nil)
	return result, nil
}

func (p *TabularPlannerService) generateAndValidate(ctx context.Context, snap schemaSnapshot, question string, history []string, allowed map[string]bool, feedback string) (generated, validated string, outcome model.TabularQueryOutcome, err error) {
	schemaSummary := summarizeSchema(snap)

	sqlText, genErr := p.gen.GenerateSQL(ctx, schemaSummary, question, history, feedback)
	if genErr != nil {
		return "", "", model.TabularOutcomeGenerationInvalid, &apiTabularError{model.TabularOutcomeGenerationInvalid, genErr.Error()}
	}

	clean, valErr := ValidateSQL(sqlText, allowed)
	if valErr != nil {
		if feedback == "" {
			// one retry with the validator's reason injected as feedback (§4.5)
			return p.generateAndValidate(ctx, snap, question, history, allowed, valErr.Error())
		}
		return sqlText, "", model.TabularOutcomeValidationReject, &apiTabularError{model.TabularOutcomeValidationReject, valErr.Error()}
	}

	return sqlText, clean, model.TabularOutcomeOK, nil
}

func (p *TabularPlannerService) execute(ctx context.Context, binding *model.TabularBinding, sqlText string) (*TabularResult, error) {
	dsn, err := p.cipher.Decrypt(binding.EncryptedCredentialB64)
	if err != nil {
		return nil, &apiTabularError{model.TabularOutcomeConnectionError, "could not decrypt stored credential"}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &apiTabularError{model.TabularOutcomeConnectionError, "could not open connection"}
	}
	defer db.Close()

	execSQL := injectRowCap(sqlText, defaultRowCap)

	ctx, cancel := context.WithTimeout(ctx, defaultStatementTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, execSQL)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return nil, &apiTabularError{model.TabularOutcomeExecutionError, err.Error()}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &apiTabularError{model.TabularOutcomeExecutionError, err.Error()}
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &apiTabularError{model.TabularOutcomeExecutionError, err.Error()}
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, &apiTabularError{model.TabularOutcomeExecutionError, err.Error()}
	}

	return &TabularResult{
		GeneratedSQL: sqlText,
		Columns:      cols,
		Rows:         out,
		RowCount:     len(out),
	}, nil
}

// injectRowCap appends a LIMIT if the outermost statement doesn't already
// have one (§4.5 step 5: "row cap is enforced by injecting a LIMIT if
// absent"). A LIMIT nested inside a subquery or CTE doesn't count: it
// bounds that inner result set, not the rows the outer statement returns.
func injectRowCap(sqlText string, cap int) string {
	if hasOutermostLimit(sqlText) {
		return sqlText
	}
	return fmt.Sprintf("%s LIMIT %d", strings.TrimRight(sqlText, "; \t\n"), cap)
}

// hasOutermostLimit reports whether sqlText has a LIMIT keyword at
// parenthesis depth zero, string-literal state tracked the same way
// splitStatements does so a LIMIT-looking substring inside quoted data
// never counts. Depth-zero is what "outermost" means here: a subquery or
// CTE body is always wrapped in parentheses, so its own LIMIT sits at
// depth one or deeper and is correctly ignored.
func hasOutermostLimit(sqlText string) bool {
	depth := 0
	inSingle, inDouble := false, false

	for i := 0; i < len(sqlText); i++ {
		c := sqlText[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case inSingle || inDouble:
			// inside a literal, nothing else below applies
		case c == '(':
			depth++
		case c == ')':
			if depth > 0 {
				depth--
			}
		case depth == 0 && matchesKeywordAt(sqlText, i, "LIMIT"):
			return true
		}
	}
	return false
}

// matchesKeywordAt reports whether word occurs at sqlText[i:] on its own
// token boundary (not as part of a longer identifier), case-insensitively.
func matchesKeywordAt(sqlText string, i int, word string) bool {
	end := i + len(word)
	if end > len(sqlText) || !strings.EqualFold(sqlText[i:end], word) {
		return false
	}
	if i > 0 && isSQLIdentChar(sqlText[i-1]) {
		return false
	}
	if end < len(sqlText) && isSQLIdentChar(sqlText[end]) {
		return false
	}
	return true
}

func summarizeSchema(snap schemaSnapshot) string {
	var sb strings.Builder
	for table, cols := range snap.Tables {
		sb.WriteString(table)
		sb.WriteString("(")
		sb.WriteString(strings.Join(cols, ", "))
		sb.WriteString(")\n")
	}
	return sb.String()
}

func (p *TabularPlannerService) recordHistory(ctx context.Context, userID, bindingID, question, sqlText string, outcome model.TabularQueryOutcome, rowCount int, elapsed time.Duration, err error) {
	h := &model.TabularQueryHistory{
		UserID:       userID,
		BindingID:    bindingID,
		Question:     question,
		GeneratedSQL: sqlText,
		Outcome:      outcome,
		RowCount:     rowCount,
		WallMs:       elapsed.Milliseconds(),
	}
	if err != nil {
		msg := err.Error()
		h.Error = &msg
	}
	if recErr := p.store.RecordHistory(ctx, h); recErr != nil {
		// History is best-effort audit trail; losing one row must not fail the turn.
		_ = recErr
	}
}

// apiTabularError carries the planner's distinct failure kinds (§4.5,
// §7 tabular_unsafe/tabular_execution).
type apiTabularError struct {
	outcome model.TabularQueryOutcome
	message string
}

func (e *apiTabularError) Error() string { return e.message }

// Outcome exposes the distinguishing failure kind for orchestrator/frame mapping.
func (e *apiTabularError) Outcome() model.TabularQueryOutcome { return e.outcome }
