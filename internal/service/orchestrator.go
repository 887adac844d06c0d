package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/rbac"
	"github.com/connexus-ai/ragbox-backend/internal/session"
	"github.com/connexus-ai/ragbox-backend/internal/tools"
)

// TurnPlan is the orchestrator's branch-selection decision (§4.7).
type TurnPlan struct {
	UseRetrieval  bool
	UseTabular    bool
	UseResearch   bool
	BindingID     string // set when UseTabular
	ResearchTopic string // set when UseResearch
}

// TurnSender is the subset of session.Conn the orchestrator needs, kept as
// an interface for testability without a real WebSocket.
type TurnSender interface {
	Send(f session.Frame)
	SendError(turnID, code, message string)
}

// MemoryService is the cortex-backed working-memory facet (§4.7 "retrieves
// memory facts").
type MemoryService interface {
	Search(ctx context.Context, userID, query string, limit int) ([]model.CortexEntry, error)
	GetActiveInstructions(ctx context.Context, userID string) ([]model.CortexEntry, error)
}

// RoleLookup resolves a user's role for RBAC gating of tool branches,
// the same RoleChecker shape handler/privilege.go uses, generalized to
// return the repo's model.UserRole instead of a raw string.
type RoleLookup func(ctx context.Context, userID string) (model.UserRole, error)

// OrchestratorDeps bundles the orchestrator's collaborators. Any field may
// be nil to disable the corresponding branch (§6): a nil Tabular disables
// tabular planning, a nil Research disables research jobs, a nil Memory
// skips cortex enrichment. RoleLookup is optional — nil admits every tool
// call (matching an internal-auth-secret caller's implicit system role).
type OrchestratorDeps struct {
	Conversations *ConversationService
	Budget        *BudgetGovernor
	Retriever     *RetrieverService
	Generator     *GeneratorService
	SelfRAG       *SelfRAGService
	Tabular       *TabularPlannerService
	Research      *ResearchCoordinator
	Memory        MemoryService
	RoleLookup    RoleLookup
}

// tabularTool and researchTool adapt the Tabular/Research services to
// tools.Tool so branch execution runs through the same RBAC-gated,
// timeout-and-panic-recovery wrapped dispatch as any other registered
// tool (internal/tools/executor.go), rather than calling the services
// directly and skipping that gate.
type tabularTool struct{ svc *TabularPlannerService }

func (t tabularTool) Execute(ctx context.Context, params map[string]interface{}) (*tools.ToolResult, error) {
	userID, _ := params["userID"].(string)
	bindingID, _ := params["bindingID"].(string)
	question, _ := params["question"].(string)
	result, err := t.svc.Plan(ctx, userID, bindingID, question, nil)
	if err != nil {
		type outcomer interface{ Outcome() model.TabularQueryOutcome }
		if oc, ok := err.(outcomer); ok && oc.Outcome() == model.TabularOutcomeValidationReject {
			return nil, &tools.ToolError{Code: tools.ErrCodeValidation, Message: err.Error(), Recoverable: true}
		}
		return nil, err
	}
	return &tools.ToolResult{Data: result}, nil
}

type researchTool struct{ svc *ResearchCoordinator }

func (t researchTool) Execute(ctx context.Context, params map[string]interface{}) (*tools.ToolResult, error) {
	userID, _ := params["userID"].(string)
	topic, _ := params["topic"].(string)
	job, err := t.svc.Start(ctx, userID, topic, model.DepthStandard, "default")
	if err != nil {
		return nil, err
	}
	return &tools.ToolResult{Data: job}, nil
}

// Orchestrator is the composition point replacing the teacher's monolithic
// chat.go HTTP handler (§4.7): it keeps the staged-pipeline shape —
// pre-flight budget check, plan, memory fetch, branch execution, retrieval,
// generation, reflection, frame emission, run one after another — but every
// stage writes to the
// transport-agnostic session.Conn instead of an SSE ResponseWriter.
type Orchestrator struct {
	deps     OrchestratorDeps
	executor *tools.ToolExecutor
}

// NewOrchestrator creates an Orchestrator, registering the tabular and
// research branches as RBAC-gated tools (rbac.ToolTabularQuery,
// rbac.ToolResearchJob) when their services are configured.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	executor := tools.NewToolExecutor()
	if deps.Tabular != nil {
		executor.Register(rbac.ToolTabularQuery, tabularTool{svc: deps.Tabular})
	}
	if deps.Research != nil {
		executor.Register(rbac.ToolResearchJob, researchTool{svc: deps.Research})
	}
	return &Orchestrator{deps: deps, executor: executor}
}

// roleFor resolves userID's role for RBAC gating, defaulting to the
// partner (system) role when no lookup is configured so a deployment
// that hasn't wired user management yet doesn't lock itself out.
func (o *Orchestrator) roleFor(ctx context.Context, userID string) model.UserRole {
	if o.deps.RoleLookup == nil {
		return model.UserRolePartner
	}
	role, err := o.deps.RoleLookup(ctx, userID)
	if err != nil {
		slog.Warn("service.Orchestrator.roleFor: lookup failed, denying tool access", "user_id", userID, "error", err)
		return model.UserRoleAuditor
	}
	return role
}

// HandleTurn implements session.TurnHandler: it runs one conversational
// turn to completion, emitting frames via conn, and returns once
// turn_ended has been sent exactly once (§4.8).
func (o *Orchestrator) HandleTurn(ctx context.Context, userID string, conn TurnSender, turnID string, payload session.ChatPayload) {
	start := time.Now()
	conn.Send(session.NewFrame(session.KindTurnStarted, turnID, session.TurnStartedPayload{AgentTag: "orchestrator"}))

	ended := false
	endTurn := func(cancelled bool, modelTag string, in, out int) {
		if ended {
			return
		}
		ended = true
		conn.Send(session.NewFrame(session.KindTurnEnded, turnID, session.TurnEndedPayload{
			Cancelled:    cancelled,
			ModelTag:     modelTag,
			InputTokens:  in,
			OutputTokens: out,
			LatencyMs:    time.Since(start).Milliseconds(),
		}))
	}

	estimatedCost := EstimateTokens(payload.Content)
	if o.deps.Budget != nil {
		decision, row, cap, err := o.deps.Budget.Admit(ctx, userID, estimatedCost)
		if err != nil {
			slog.Error("service.HandleTurn: budget admit failed", "user_id", userID, "error", err)
		} else {
			switch decision {
			case DecisionDeny:
				conn.SendError(turnID, "budget_exceeded", "monthly budget exhausted")
				endTurn(false, "", 0, 0)
				return
			case DecisionWarn:
				conn.Send(session.NewFrame(session.KindBudgetWarning, turnID, session.BudgetWarningPayload{
					PercentUsed: PercentUsed(row, cap),
					Cap:         cap,
				}))
			}
		}
	}

	if o.deps.Conversations != nil {
		if _, err := o.deps.Conversations.RecordUserTurn(ctx, userID, payload.ConversationID, payload.Content); err != nil {
			slog.Error("service.HandleTurn: record user turn", "user_id", userID, "error", err)
		}
	}

	plan := o.plan(payload)

	var memoryContext []string
	var instructions []string
	if o.deps.Memory != nil {
		if entries, err := o.deps.Memory.Search(ctx, userID, payload.Content, 3); err == nil {
			for _, e := range entries {
				memoryContext = append(memoryContext, e.Content)
			}
		}
		if entries, err := o.deps.Memory.GetActiveInstructions(ctx, userID); err == nil {
			for _, e := range entries {
				instructions = append(instructions, e.Content)
			}
		}
	}

	var toolOutputs []string

	callerRole := o.roleFor(ctx, userID)

	if plan.UseTabular && o.deps.Tabular != nil {
		conn.Send(session.NewFrame(session.KindProgress, turnID, session.ProgressPayload{Percent: 20, Note: "querying your data"}))
		out, err := o.executor.Execute(ctx, rbac.ToolTabularQuery, map[string]interface{}{
			"userID":    userID,
			"bindingID": plan.BindingID,
			"question":  payload.Content,
		}, callerRole)
		if err != nil {
			o.emitTabularFailure(conn, turnID, err)
		} else {
			result := out.Data.(*TabularResult)
			conn.Send(session.NewFrame(session.KindToolResult, turnID, session.ToolResultPayload{
				Kind:    session.ToolResultSQL,
				Payload: mustJSON(result),
			}))
			toolOutputs = append(toolOutputs, fmt.Sprintf("Query results (%d rows):\n%v", result.RowCount, result.Rows))
		}
	}

	if plan.UseResearch && o.deps.Research != nil {
		conn.Send(session.NewFrame(session.KindProgress, turnID, session.ProgressPayload{Percent: 20, Note: "starting research"}))
		out, err := o.executor.Execute(ctx, rbac.ToolResearchJob, map[string]interface{}{
			"userID": userID,
			"topic":  plan.ResearchTopic,
		}, callerRole)
		if err != nil {
			conn.SendError(turnID, "internal", "could not start research job")
		} else {
			job := out.Data.(*model.ResearchJob)
			conn.Send(session.NewFrame(session.KindToolResult, turnID, session.ToolResultPayload{
				Kind:    session.ToolResultResearch,
				Payload: mustJSON(job),
			}))
			toolOutputs = append(toolOutputs, fmt.Sprintf("Research job %s started (depth=%s); results will arrive asynchronously.", job.ID, job.Depth))
		}
	}

	var chunks []RankedChunk
	if plan.UseRetrieval && o.deps.Retriever != nil {
		conn.Send(session.NewFrame(session.KindProgress, turnID, session.ProgressPayload{Percent: 40, Note: "retrieving"}))
		retrieval, err := o.deps.Retriever.Retrieve(ctx, userID, payload.Content, false)
		if err != nil {
			slog.Error("service.HandleTurn: retrieval failed", "user_id", userID, "error", err)
		} else {
			chunks = retrieval.Chunks
		}
	}

	if plan.UseRetrieval && len(chunks) == 0 && len(toolOutputs) == 0 {
		silence := BuildSilenceResponse(0.0, payload.Content)
		conn.Send(session.NewFrame(session.KindTextDelta, turnID, session.TextDeltaPayload{Text: silence.Message}))
		o.persistAssistantTurn(ctx, userID, payload.ConversationID, silence.Message, "orchestrator", "", 0, 0, time.Since(start).Milliseconds(), nil)
		endTurn(false, "", 0, 0)
		return
	}

	opts := GenerateOpts{
		Mode:          "concise",
		CortexContext: append(memoryContext, toolOutputs...),
		Instructions:  instructions,
	}

	var result *GenerationResult
	var err error
	if o.deps.Generator != nil {
		result, err = o.deps.Generator.Generate(ctx, payload.Content, chunks, opts)
	}
	if err != nil || result == nil {
		if err != nil {
			slog.Error("service.HandleTurn: generation failed", "user_id", userID, "error", err)
		}
		conn.SendError(turnID, "upstream_unavailable", "could not generate a response right now")
		endTurn(false, "", 0, 0)
		return
	}

	if o.deps.SelfRAG != nil {
		if reflected, err := o.deps.SelfRAG.Reflect(ctx, payload.Content, chunks, result); err == nil && reflected != nil {
			result.Answer = reflected.FinalAnswer
		}
	}

	for _, token := range splitAnswerTokens(result.Answer) {
		select {
		case <-ctx.Done():
			endTurn(true, result.ModelUsed, 0, 0)
			return
		default:
		}
		conn.Send(session.NewFrame(session.KindTextDelta, turnID, session.TextDeltaPayload{Text: token}))
	}

	if len(result.Citations) > 0 {
		list := make([]session.CitationPayload, 0, len(result.Citations))
		for _, c := range result.Citations {
			list = append(list, session.CitationPayload{
				N:       c.Index,
				ChunkID: c.ChunkID,
				Score:   c.Relevance,
			})
		}
		conn.Send(session.NewFrame(session.KindCitations, turnID, session.CitationsPayload{List: list}))
	}

	outputTokens := int(EstimateTokens(result.Answer))
	if o.deps.Budget != nil {
		if err := o.deps.Budget.Record(ctx, userID, result.ModelUsed, turnID, estimatedCost, int64(outputTokens), 0); err != nil {
			slog.Error("service.HandleTurn: budget record failed", "user_id", userID, "error", err)
		}
	}

	citationsJSON := mustJSON(result.Citations)
	o.persistAssistantTurn(ctx, userID, payload.ConversationID, result.Answer, "orchestrator", result.ModelUsed, int(estimatedCost), outputTokens, time.Since(start).Milliseconds(), citationsJSON)

	endTurn(false, result.ModelUsed, int(estimatedCost), outputTokens)
}

func (o *Orchestrator) persistAssistantTurn(ctx context.Context, userID, conversationID, content, agentTag, modelTag string, inputTokens, outputTokens int, latencyMs int64, citations json.RawMessage) {
	if o.deps.Conversations == nil {
		return
	}
	msg := &model.Message{
		ConversationID: conversationID,
		UserID:         userID,
		Content:        content,
		AgentTag:       &agentTag,
		InputTokens:    &inputTokens,
		OutputTokens:   &outputTokens,
		LatencyMs:      &latencyMs,
		Citations:      citations,
	}
	if modelTag != "" {
		msg.ModelTag = &modelTag
	}
	if err := o.deps.Conversations.RecordAssistantTurn(ctx, msg); err != nil {
		slog.Error("service.persistAssistantTurn: failed", "user_id", userID, "error", err)
	}
}

// chatOptions is the parsed shape of ChatPayload.Options relevant to
// branch planning: a client attaches a tabular binding by id when the
// user has selected one in the UI (§4.7 step 4).
type chatOptions struct {
	BindingID string `json:"bindingId"`
}

// tabularKeywords are the aggregation/filter signals §4.7 step 4's
// tie-break rule names ("aggregation/filter keywords").
var tabularKeywords = []string{
	"total", "sum ", "average", "avg", "count", "how many", "percent",
	"compare", "top ", "highest", "lowest", "group by", "filter",
	"where ", "minimum", "maximum", "median", "breakdown", "per month",
	"per quarter", "year over year",
}

// tabularFollowUpPhrases are the "is a follow-up to a tabular result"
// signals from the same tie-break rule: a short continuation question
// referring back to the previous turn's rows rather than introducing a
// new topic.
var tabularFollowUpPhrases = []string{
	"what about", "now show", "and for", "break that down",
	"drill into that", "those results", "that result", "same query but",
	"narrow that down", "filter that",
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// plan decides which branches to run (§4.7 step 4). The tie-break rule:
// prefer tabular when a binding is attached and the question carries an
// aggregation/filter signal or reads as a follow-up to a tabular result;
// otherwise prefer retrieval; research is layered in independently when
// the question explicitly asks for it.
func (o *Orchestrator) plan(payload session.ChatPayload) TurnPlan {
	plan := TurnPlan{UseRetrieval: true}

	lower := strings.ToLower(payload.Content)

	var opts chatOptions
	if len(payload.Options) > 0 {
		_ = json.Unmarshal(payload.Options, &opts)
	}

	if o.deps.Tabular != nil && opts.BindingID != "" &&
		(containsAny(lower, tabularKeywords) || containsAny(lower, tabularFollowUpPhrases)) {
		plan.UseTabular = true
		plan.BindingID = opts.BindingID
		plan.UseRetrieval = false
	}

	if o.deps.Research != nil && (strings.Contains(lower, "research") || strings.Contains(lower, "deep dive")) {
		plan.UseResearch = true
		plan.ResearchTopic = payload.Content
	}
	return plan
}

func (o *Orchestrator) emitTabularFailure(conn TurnSender, turnID string, err error) {
	code := "tabular_execution"
	if toolErr, ok := err.(*tools.ToolError); ok {
		switch toolErr.Code {
		case tools.ErrCodeValidation:
			code = "tabular_unsafe"
		case tools.ErrCodePermissionDenied:
			code = "tabular_forbidden"
		}
	}
	conn.SendError(turnID, code, err.Error())
}

func splitAnswerTokens(answer string) []string {
	words := strings.Fields(answer)
	if len(words) == 0 {
		return nil
	}
	tokens := make([]string, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			tokens[i] = w + " "
		} else {
			tokens[i] = w
		}
	}
	return tokens
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
