package handler

import (
	"context"
	"net/http"

	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/service"
	"github.com/connexus-ai/ragbox-backend/internal/session"
)

// Session upgrades an authenticated request to the bidirectional streaming
// session channel (§4.8) and runs its read loop, dispatching each chat
// frame to the Orchestrator until the connection closes.
//
// GET /api/session — requires auth middleware to have set the user ID in
// context; unlike the teacher's SSE chat endpoint this is a single
// long-lived connection carrying every turn, not one request per query.
func Session(hub *session.Hub, orch *service.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := hub.Upgrade(w, r, userID)
		if err != nil {
			return // Upgrade already wrote the HTTP error response
		}
		defer hub.Unregister(userID, conn)
		defer conn.Close()

		conn.ReadLoop(func(ctx context.Context, turnID string, payload session.ChatPayload) {
			orch.HandleTurn(ctx, userID, conn, turnID, payload)
		})
	}
}
