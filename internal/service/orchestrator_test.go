package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/rbac"
	"github.com/connexus-ai/ragbox-backend/internal/session"
	"github.com/connexus-ai/ragbox-backend/internal/tools"
)

func TestRoleFor_NoLookupDefaultsToPartner(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{})
	if got := o.roleFor(context.Background(), "u1"); got != model.UserRolePartner {
		t.Errorf("roleFor with no lookup = %v, want %v", got, model.UserRolePartner)
	}
}

func TestRoleFor_LookupErrorDeniesByDefault(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{
		RoleLookup: func(ctx context.Context, userID string) (model.UserRole, error) {
			return "", errors.New("lookup failed")
		},
	})
	if got := o.roleFor(context.Background(), "u1"); got != model.UserRoleAuditor {
		t.Errorf("roleFor on lookup error = %v, want %v", got, model.UserRoleAuditor)
	}
}

func TestRoleFor_PassesThroughLookupResult(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{
		RoleLookup: func(ctx context.Context, userID string) (model.UserRole, error) {
			return model.UserRoleAssociate, nil
		},
	})
	if got := o.roleFor(context.Background(), "u1"); got != model.UserRoleAssociate {
		t.Errorf("roleFor = %v, want %v", got, model.UserRoleAssociate)
	}
}

func TestPlan_DefaultsToRetrieval(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{})
	plan := o.plan(session.ChatPayload{Content: "what's our revenue this quarter"})
	if !plan.UseRetrieval {
		t.Error("expected UseRetrieval true")
	}
	if plan.UseResearch {
		t.Error("expected UseResearch false without a Research dep")
	}
	if plan.UseTabular {
		t.Error("expected UseTabular false without an attached binding, even with an aggregation keyword")
	}
}

func TestPlan_AggregationKeywordWithBindingPrefersTabular(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{Tabular: &TabularPlannerService{}})
	plan := o.plan(session.ChatPayload{
		Content: "what's the total revenue by region this quarter",
		Options: json.RawMessage(`{"bindingId":"bnd_1"}`),
	})
	if !plan.UseTabular {
		t.Error("expected UseTabular true when a binding is attached and the question has an aggregation keyword")
	}
	if plan.BindingID != "bnd_1" {
		t.Errorf("BindingID = %q, want %q", plan.BindingID, "bnd_1")
	}
	if plan.UseRetrieval {
		t.Error("expected UseRetrieval false once tabular wins the tie-break")
	}
}

func TestPlan_FollowUpPhraseWithBindingPrefersTabular(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{Tabular: &TabularPlannerService{}})
	plan := o.plan(session.ChatPayload{
		Content: "what about for the west region",
		Options: json.RawMessage(`{"bindingId":"bnd_1"}`),
	})
	if !plan.UseTabular {
		t.Error("expected UseTabular true for a tabular follow-up phrase with a binding attached")
	}
}

func TestPlan_BindingWithoutSignalDoesNotTriggerTabular(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{Tabular: &TabularPlannerService{}})
	plan := o.plan(session.ChatPayload{
		Content: "can you summarize the onboarding policy",
		Options: json.RawMessage(`{"bindingId":"bnd_1"}`),
	})
	if plan.UseTabular {
		t.Error("expected UseTabular false: binding attached but no aggregation/follow-up signal")
	}
	if !plan.UseRetrieval {
		t.Error("expected UseRetrieval true as the fallback")
	}
}

func TestPlan_NoTabularDepNeverTriggersTabular(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{})
	plan := o.plan(session.ChatPayload{
		Content: "what's the total revenue by region",
		Options: json.RawMessage(`{"bindingId":"bnd_1"}`),
	})
	if plan.UseTabular {
		t.Error("expected UseTabular false when no Tabular dep is configured")
	}
}

func TestPlan_ResearchKeywordTriggersResearchBranch(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{Research: &ResearchCoordinator{}})
	plan := o.plan(session.ChatPayload{Content: "please do a deep dive on our top competitor"})
	if !plan.UseResearch {
		t.Error("expected UseResearch true when Research dep is set and content mentions 'deep dive'")
	}
	if plan.ResearchTopic == "" {
		t.Error("expected ResearchTopic to be populated")
	}
}

// mockTurnSender records frames sent during a turn without a real
// WebSocket connection, the same lightweight fake pattern session_test.go
// uses for Hub/Conn collaborators.
type mockTurnSender struct {
	frames []session.Frame
	errors []string
}

func (m *mockTurnSender) Send(f session.Frame) { m.frames = append(m.frames, f) }
func (m *mockTurnSender) SendError(turnID, code, message string) {
	m.errors = append(m.errors, code)
}

func TestEmitTabularFailure_MapsValidationRejectionToUnsafeCode(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{})
	conn := &mockTurnSender{}
	o.emitTabularFailure(conn, "t1", &tools.ToolError{Code: tools.ErrCodeValidation, Message: "forbidden keyword"})
	if len(conn.errors) != 1 || conn.errors[0] != "tabular_unsafe" {
		t.Errorf("expected code tabular_unsafe, got %v", conn.errors)
	}
}

func TestEmitTabularFailure_MapsPermissionDeniedToForbiddenCode(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{})
	conn := &mockTurnSender{}
	o.emitTabularFailure(conn, "t1", tools.NewPermissionError(string(model.UserRoleAuditor), rbac.ToolTabularQuery))
	if len(conn.errors) != 1 || conn.errors[0] != "tabular_forbidden" {
		t.Errorf("expected code tabular_forbidden, got %v", conn.errors)
	}
}

func TestEmitTabularFailure_DefaultsToExecutionCode(t *testing.T) {
	o := NewOrchestrator(OrchestratorDeps{})
	conn := &mockTurnSender{}
	o.emitTabularFailure(conn, "t1", errors.New("connection reset"))
	if len(conn.errors) != 1 || conn.errors[0] != "tabular_execution" {
		t.Errorf("expected code tabular_execution, got %v", conn.errors)
	}
}

func TestSplitAnswerTokens(t *testing.T) {
	tokens := splitAnswerTokens("hello there friend")
	want := []string{"hello ", "there ", "friend"}
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(tokens), len(want))
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, tokens[i], want[i])
		}
	}
}

func TestSplitAnswerTokens_Empty(t *testing.T) {
	if tokens := splitAnswerTokens(""); tokens != nil {
		t.Errorf("expected nil for empty answer, got %v", tokens)
	}
}
