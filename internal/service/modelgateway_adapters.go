package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// collectChat drains a ModelGateway.Chat stream into a single string,
// the same accumulate-then-act pattern handler/chat.go uses for
// non-streaming callers of the streaming gateway (buildDonePayload).
func collectChat(ctx context.Context, gw *ModelGateway, systemPrompt, userPrompt string) (string, error) {
	textCh, errCh, _ := gw.Chat(ctx, systemPrompt, userPrompt, ChatOptions{})
	var sb strings.Builder
	for {
		select {
		case t, ok := <-textCh:
			if !ok {
				textCh = nil
			} else {
				sb.WriteString(t)
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				return sb.String(), fmt.Errorf("service.collectChat: %w", err)
			}
			errCh = nil
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		}
		if textCh == nil && errCh == nil {
			return sb.String(), nil
		}
	}
}

// GatewayTabularGenerator implements TabularGenerator over a ModelGateway,
// prompting for a single SELECT statement and nothing else (§4.5).
type GatewayTabularGenerator struct {
	gw *ModelGateway
}

// NewGatewayTabularGenerator creates a GatewayTabularGenerator.
func NewGatewayTabularGenerator(gw *ModelGateway) *GatewayTabularGenerator {
	return &GatewayTabularGenerator{gw: gw}
}

var _ TabularGenerator = (*GatewayTabularGenerator)(nil)

const tabularSystemPrompt = `You translate a natural language question into a single read-only SQL
SELECT statement against the described schema. Emit SQL only, no prose, no
markdown fences, no semicolon-separated statements. Never write INSERT,
UPDATE, DELETE, DROP, ALTER, TRUNCATE, GRANT, or any DDL/DML beyond SELECT.`

// GenerateSQL produces one candidate SELECT statement. feedback, when
// non-empty, is the validator's rejection reason from the prior attempt
// (§4.5 step 4's single retry).
func (g *GatewayTabularGenerator) GenerateSQL(ctx context.Context, schemaSummary, question string, history []string, feedback string) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Schema:\n%s\n\nQuestion: %s\n", schemaSummary, question)
	if len(history) > 0 {
		fmt.Fprintf(&prompt, "\nPrior questions in this session:\n- %s\n", strings.Join(history, "\n- "))
	}
	if feedback != "" {
		fmt.Fprintf(&prompt, "\nThe previous attempt was rejected: %s\nGenerate a corrected query.\n", feedback)
	}

	sql, err := collectChat(ctx, g.gw, tabularSystemPrompt, prompt.String())
	if err != nil {
		return "", fmt.Errorf("service.GatewayTabularGenerator.GenerateSQL: %w", err)
	}
	return strings.TrimSpace(strings.Trim(sql, "`")), nil
}

// GatewayResearchPlanner implements ResearchPlanner over a ModelGateway:
// an outline stage and a per-section drafting stage (§4.6).
type GatewayResearchPlanner struct {
	gw *ModelGateway
}

// NewGatewayResearchPlanner creates a GatewayResearchPlanner.
func NewGatewayResearchPlanner(gw *ModelGateway) *GatewayResearchPlanner {
	return &GatewayResearchPlanner{gw: gw}
}

var _ ResearchPlanner = (*GatewayResearchPlanner)(nil)

const outlineSystemPrompt = `You produce a research report outline as a JSON array of subtopic
strings, 3 to 7 items, most important first. Respond with the JSON array
only, no prose.`

// PlanOutline asks the model for a JSON array of subtopics and falls back
// to a single-item outline (the topic itself) if the model's response
// doesn't parse, so a malformed outline never aborts the job.
func (p *GatewayResearchPlanner) PlanOutline(ctx context.Context, topic string, depth model.ResearchDepth) ([]string, error) {
	userPrompt := fmt.Sprintf("Topic: %s\nDepth: %s", topic, depth)
	raw, err := collectChat(ctx, p.gw, outlineSystemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("service.GatewayResearchPlanner.PlanOutline: %w", err)
	}

	var outline []string
	if jsonErr := json.Unmarshal([]byte(extractJSONArray(raw)), &outline); jsonErr != nil || len(outline) == 0 {
		return []string{topic}, nil
	}
	return outline, nil
}

const draftSystemPrompt = `You write one section of a research report from the provided sources.
Cite sources inline as [n] referencing their listed order. Write 2-4
paragraphs of plain prose, no markdown headers.`

// DraftSections writes one section per outline subtopic, grounding each in
// the sources gathered for it.
func (p *GatewayResearchPlanner) DraftSections(ctx context.Context, topic string, outline []string, sources []model.ResearchSourceRef) ([]model.ResearchSection, error) {
	var sourceList strings.Builder
	for i, s := range sources {
		title := s.URL
		if s.Title != nil && *s.Title != "" {
			title = *s.Title
		}
		fmt.Fprintf(&sourceList, "[%d] %s (%s)\n", i+1, title, s.URL)
	}

	sections := make([]model.ResearchSection, 0, len(outline))
	for _, subtopic := range outline {
		userPrompt := fmt.Sprintf("Report topic: %s\nSection subtopic: %s\n\nSources:\n%s", topic, subtopic, sourceList.String())
		content, err := collectChat(ctx, p.gw, draftSystemPrompt, userPrompt)
		if err != nil {
			return sections, fmt.Errorf("service.GatewayResearchPlanner.DraftSections: subtopic %q: %w", subtopic, err)
		}
		sections = append(sections, model.ResearchSection{Title: subtopic, Content: content})
	}
	return sections, nil
}

// extractJSONArray trims leading/trailing prose and markdown fences a
// model sometimes wraps its JSON array response in.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return "[]"
	}
	return s[start : end+1]
}
