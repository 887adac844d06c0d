package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// ConversationRepo implements service.ConversationStore over Postgres.
// Every query is scoped to user_id, per the Storage Gateway's hard
// invariant (§3, §4.1): no cross-user read is ever possible.
type ConversationRepo struct {
	pool *pgxpool.Pool
}

// NewConversationRepo creates a ConversationRepo.
func NewConversationRepo(pool *pgxpool.Pool) *ConversationRepo {
	return &ConversationRepo{pool: pool}
}

var _ service.ConversationStore = (*ConversationRepo)(nil)

// Create inserts a new conversation for userID. Title is nil until the
// first user turn names it (§3: "title is derived from the first user
// turn once assigned and never silently changes thereafter").
func (r *ConversationRepo) Create(ctx context.Context, userID string) (*model.Conversation, error) {
	var c model.Conversation
	err := r.pool.QueryRow(ctx, `
		INSERT INTO conversations (user_id)
		VALUES ($1)
		RETURNING id, user_id, title, created_at, updated_at
	`, userID).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository.Create: %w", err)
	}
	return &c, nil
}

// Get returns a conversation scoped to userID, or (nil, nil) if absent or
// owned by someone else — the storage gateway never distinguishes "not
// found" from "not yours" to the caller.
func (r *ConversationRepo) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	var c model.Conversation
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository.Get: %w", err)
	}
	return &c, nil
}

// List returns userID's conversations ordered by updated_at desc, for the
// caller to bucket via model.BucketFor.
func (r *ConversationRepo) List(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("repository.List: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repository.List: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// SetTitle assigns a conversation's title exactly once; a second call is a
// no-op so the title never silently changes thereafter.
func (r *ConversationRepo) SetTitle(ctx context.Context, userID, conversationID, title string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET title = $3
		WHERE id = $1 AND user_id = $2 AND title IS NULL
	`, conversationID, userID, title)
	if err != nil {
		return fmt.Errorf("repository.SetTitle: %w", err)
	}
	return nil
}

// Touch bumps updated_at, called on every new message (§3).
func (r *ConversationRepo) Touch(ctx context.Context, userID, conversationID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE conversations SET updated_at = now() WHERE id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("repository.Touch: %w", err)
	}
	return nil
}

// Delete hard-deletes a conversation; ON DELETE CASCADE removes its
// messages (§3: "hard delete, no tombstones").
func (r *ConversationRepo) Delete(ctx context.Context, userID, conversationID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM conversations WHERE id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("repository.Delete: %w", err)
	}
	return nil
}

// AppendMessage appends an append-only message row.
func (r *ConversationRepo) AppendMessage(ctx context.Context, m *model.Message) (*model.Message, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, user_id, role, content, agent_tag, model_tag,
		                       input_tokens, output_tokens, latency_ms, citations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`, m.ConversationID, m.UserID, m.Role, m.Content, m.AgentTag, m.ModelTag,
		m.InputTokens, m.OutputTokens, m.LatencyMs, []byte(m.Citations),
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository.AppendMessage: %w", err)
	}
	return m, nil
}

// LastMessages returns the last K messages of a conversation in
// chronological order, ties broken by id (§3 invariant).
func (r *ConversationRepo) LastMessages(ctx context.Context, userID, conversationID string, k int) ([]model.Message, error) {
	if k <= 0 {
		k = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, conversation_id, user_id, role, content, agent_tag, model_tag,
		       input_tokens, output_tokens, latency_ms, citations, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1 AND user_id = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC, id ASC
	`, conversationID, userID, k)
	if err != nil {
		return nil, fmt.Errorf("repository.LastMessages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var citations []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content,
			&m.AgentTag, &m.ModelTag, &m.InputTokens, &m.OutputTokens, &m.LatencyMs,
			&citations, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.LastMessages: scan: %w", err)
		}
		m.Citations = citations
		out = append(out, m)
	}
	return out, nil
}
