package model

import (
	"encoding/json"
	"time"
)

// MessageRole identifies who produced a message within a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ConversationBucket buckets a conversation by recency for listing.
type ConversationBucket string

const (
	BucketToday      ConversationBucket = "today"
	BucketYesterday  ConversationBucket = "yesterday"
	BucketPriorWeek  ConversationBucket = "prior_week"
	BucketOlder      ConversationBucket = "older"
)

// Conversation is a per-user thread of messages. Title is derived once
// from the first user turn and never silently changes thereafter.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     *string   `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is an append-only record of one turn within a conversation.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	UserID         string          `json:"userId"`
	Role           MessageRole     `json:"role"`
	Content        string          `json:"content"`
	AgentTag       *string         `json:"agentTag,omitempty"`
	ModelTag       *string         `json:"modelTag,omitempty"`
	InputTokens    *int            `json:"inputTokens,omitempty"`
	OutputTokens   *int            `json:"outputTokens,omitempty"`
	LatencyMs      *int64          `json:"latencyMs,omitempty"`
	Citations      json.RawMessage `json:"citations,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// BucketFor classifies a conversation's UpdatedAt against the caller's
// wall-clock "now", per §4.1: bucketing uses the caller's input, not the
// server clock at read time, so pagination stays deterministic across calls.
func BucketFor(updatedAt, now time.Time) ConversationBucket {
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfYesterday := startOfToday.AddDate(0, 0, -1)
	startOfWeek := startOfToday.AddDate(0, 0, -7)

	switch {
	case !updatedAt.Before(startOfToday):
		return BucketToday
	case !updatedAt.Before(startOfYesterday):
		return BucketYesterday
	case !updatedAt.Before(startOfWeek):
		return BucketPriorWeek
	default:
		return BucketOlder
	}
}
