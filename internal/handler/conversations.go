package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// ConversationLister is the storage-gateway facet conversation handlers need.
type ConversationLister interface {
	Create(ctx context.Context, userID string) (*model.Conversation, error)
	Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error)
	List(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error)
	Delete(ctx context.Context, userID, conversationID string) error
	LastMessages(ctx context.Context, userID, conversationID string, k int) ([]model.Message, error)
}

// ListConversations returns userID's conversations bucketed by recency (§3, §4.1).
// GET /api/conversations
func ListConversations(store ConversationLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		convs, err := store.List(r.Context(), userID, 200, 0)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not list conversations"})
			return
		}
		buckets := service.BucketConversationsAt(convs, time.Now())
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: buckets})
	}
}

// CreateConversation starts a new empty conversation.
// POST /api/conversations
func CreateConversation(store ConversationLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		conv, err := store.Create(r.Context(), userID)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not create conversation"})
			return
		}
		respondJSON(w, http.StatusCreated, envelope{Success: true, Data: conv})
	}
}

// GetConversation returns one conversation with its last 20 messages.
// GET /api/conversations/{id}
func GetConversation(store ConversationLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		id := chi.URLParam(r, "id")
		conv, err := store.Get(r.Context(), userID, id)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not load conversation"})
			return
		}
		if conv == nil {
			respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "not_found"})
			return
		}
		messages, err := store.LastMessages(r.Context(), userID, id, 20)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not load messages"})
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{
			"conversation": conv,
			"messages":     messages,
		}})
	}
}

// DeleteConversation hard-deletes a conversation and its messages (§3).
// DELETE /api/conversations/{id}
func DeleteConversation(store ConversationLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		id := chi.URLParam(r, "id")
		if err := store.Delete(r.Context(), userID, id); err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not delete conversation"})
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true})
	}
}
