package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// ResearchDeps bundles the collaborators research-job handlers need.
type ResearchDeps struct {
	Coordinator *service.ResearchCoordinator
	Store       service.ResearchJobStore
}

// StartResearchRequest is the request body for launching a research job (§4.6).
type StartResearchRequest struct {
	Topic         string `json:"topic"`
	Depth         string `json:"depth"` // "quick", "standard", "deep"; defaults to "standard"
	CitationStyle string `json:"citationStyle"`
}

// StartResearch launches a new research job and returns immediately with
// its pending record; progress streams asynchronously via the session
// channel's tool_result/progress frames.
// POST /api/research/jobs
func StartResearch(deps ResearchDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		var req StartResearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "topic is required"})
			return
		}
		depth := model.ResearchDepth(req.Depth)
		switch depth {
		case model.DepthQuick, model.DepthStandard, model.DepthDeep:
		default:
			depth = model.DepthStandard
		}
		if req.CitationStyle == "" {
			req.CitationStyle = "default"
		}
		job, err := deps.Coordinator.Start(r.Context(), userID, req.Topic, depth, req.CitationStyle)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not start research job"})
			return
		}
		respondJSON(w, http.StatusAccepted, envelope{Success: true, Data: job})
	}
}

// GetResearchJob returns a research job's current state, including
// progress and, once complete, the final report (§4.6).
// GET /api/research/jobs/{id}
func GetResearchJob(deps ResearchDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		id := chi.URLParam(r, "id")
		job, err := deps.Store.Get(r.Context(), userID, id)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not load research job"})
			return
		}
		if job == nil {
			respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "not_found"})
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: job})
	}
}

// CancelResearchJob requests cooperative cancellation at the next subtopic
// boundary (§4.6).
// POST /api/research/jobs/{id}/cancel
func CancelResearchJob(deps ResearchDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		id := chi.URLParam(r, "id")
		if job, err := deps.Store.Get(r.Context(), userID, id); err != nil || job == nil {
			respondJSON(w, http.StatusNotFound, envelope{Success: false, Error: "not_found"})
			return
		}
		deps.Coordinator.Cancel(id)
		respondJSON(w, http.StatusOK, envelope{Success: true})
	}
}
