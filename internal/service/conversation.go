package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// ConversationStore is the storage gateway's conversation/message facet.
// Implemented by repository.ConversationRepo.
type ConversationStore interface {
	Create(ctx context.Context, userID string) (*model.Conversation, error)
	Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error)
	List(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error)
	SetTitle(ctx context.Context, userID, conversationID, title string) error
	Touch(ctx context.Context, userID, conversationID string) error
	Delete(ctx context.Context, userID, conversationID string) error
	AppendMessage(ctx context.Context, m *model.Message) (*model.Message, error)
	LastMessages(ctx context.Context, userID, conversationID string, k int) ([]model.Message, error)
}

// ConversationService owns conversation lifecycle rules that the raw
// storage gateway doesn't enforce by itself: title derivation from the
// first user turn and bucketed listing (§3, §4.1).
type ConversationService struct {
	store ConversationStore
}

// NewConversationService creates a ConversationService.
func NewConversationService(store ConversationStore) *ConversationService {
	return &ConversationService{store: store}
}

// RecordUserTurn appends a user message, deriving the conversation's title
// from the first user turn if one hasn't been assigned yet.
func (s *ConversationService) RecordUserTurn(ctx context.Context, userID, conversationID, content string) (*model.Message, error) {
	conv, err := s.store.Get(ctx, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("service.RecordUserTurn: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("service.RecordUserTurn: conversation not found")
	}

	msg, err := s.store.AppendMessage(ctx, &model.Message{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           model.RoleUser,
		Content:        content,
	})
	if err != nil {
		return nil, fmt.Errorf("service.RecordUserTurn: %w", err)
	}

	if conv.Title == nil {
		title := deriveTitle(content)
		if setErr := s.store.SetTitle(ctx, userID, conversationID, title); setErr != nil {
			return nil, fmt.Errorf("service.RecordUserTurn: %w", setErr)
		}
	}
	if err := s.store.Touch(ctx, userID, conversationID); err != nil {
		return nil, fmt.Errorf("service.RecordUserTurn: %w", err)
	}

	return msg, nil
}

// RecordAssistantTurn appends the assistant's completed reply.
func (s *ConversationService) RecordAssistantTurn(ctx context.Context, m *model.Message) error {
	m.Role = model.RoleAssistant
	if _, err := s.store.AppendMessage(ctx, m); err != nil {
		return fmt.Errorf("service.RecordAssistantTurn: %w", err)
	}
	return s.store.Touch(ctx, m.UserID, m.ConversationID)
}

// History loads the last 20 messages for orchestrator context assembly (§4.7 step 1).
func (s *ConversationService) History(ctx context.Context, userID, conversationID string) ([]model.Message, error) {
	return s.store.LastMessages(ctx, userID, conversationID, 20)
}

const maxTitleLen = 60

// deriveTitle truncates the first user turn into a short title.
func deriveTitle(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= maxTitleLen {
		return content
	}
	cut := content[:maxTitleLen]
	if idx := strings.LastIndexByte(cut, ' '); idx > 20 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "…"
}

// BucketConversationsAt groups conversations into the {today, yesterday,
// prior_week, older} buckets using the caller-supplied wall-clock now,
// not the server's clock at read time, so pagination stays deterministic
// across calls (§4.1).
func BucketConversationsAt(convs []model.Conversation, now time.Time) map[model.ConversationBucket][]model.Conversation {
	out := map[model.ConversationBucket][]model.Conversation{
		model.BucketToday:     {},
		model.BucketYesterday: {},
		model.BucketPriorWeek: {},
		model.BucketOlder:     {},
	}
	for _, c := range convs {
		b := model.BucketFor(c.UpdatedAt, now)
		out[b] = append(out[b], c)
	}
	return out
}
