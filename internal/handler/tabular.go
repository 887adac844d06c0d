package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
	"github.com/connexus-ai/ragbox-backend/internal/service"
)

// TabularDeps bundles the collaborators tabular-binding handlers need.
type TabularDeps struct {
	Store   service.TabularBindingStore
	Planner *service.TabularPlannerService
	Cipher  *service.CredentialCipher
}

// CreateBindingRequest is the request body for registering a binding (§4.5).
type CreateBindingRequest struct {
	DisplayName string `json:"displayName"`
	EngineTag   string `json:"engineTag"`
	DSN         string `json:"dsn"` // plaintext connection string, encrypted before storage
}

// CreateTabularBinding registers a new external database binding.
// POST /api/tabular/bindings
func CreateTabularBinding(deps TabularDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		var req CreateBindingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DSN == "" || req.DisplayName == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "displayName and dsn are required"})
			return
		}
		encrypted, err := deps.Cipher.Encrypt(req.DSN)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not secure credential"})
			return
		}
		binding := &model.TabularBinding{
			UserID:                 userID,
			DisplayName:            req.DisplayName,
			EngineTag:              req.EngineTag,
			EncryptedCredentialB64: encrypted,
			Status:                 model.BindingValidating,
		}
		created, err := deps.Store.Create(r.Context(), binding)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not create binding"})
			return
		}
		respondJSON(w, http.StatusCreated, envelope{Success: true, Data: created})
	}
}

// ListTabularBindings returns userID's registered bindings.
// GET /api/tabular/bindings
func ListTabularBindings(deps TabularDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		bindings, err := deps.Store.List(r.Context(), userID)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not list bindings"})
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: bindings})
	}
}

// DeleteTabularBinding removes a binding.
// DELETE /api/tabular/bindings/{id}
func DeleteTabularBinding(deps TabularDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		id := chi.URLParam(r, "id")
		if err := deps.Store.Delete(r.Context(), userID, id); err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not delete binding"})
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true})
	}
}

// ExecuteTabularQueryRequest is the request body for a planner run (§4.5).
type ExecuteTabularQueryRequest struct {
	BindingID string `json:"bindingId"`
	Question  string `json:"question"`
}

// ExecuteTabularQuery runs the full NL-to-SQL pipeline for one question.
// POST /api/tabular/query
func ExecuteTabularQuery(deps TabularDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		var req ExecuteTabularQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BindingID == "" || req.Question == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "bindingId and question are required"})
			return
		}
		result, err := deps.Planner.Plan(r.Context(), userID, req.BindingID, req.Question, nil)
		if err != nil {
			type outcomer interface{ Outcome() model.TabularQueryOutcome }
			status := http.StatusUnprocessableEntity
			code := "tabular_execution"
			if oc, ok := err.(outcomer); ok && oc.Outcome() == model.TabularOutcomeValidationReject {
				code = "tabular_unsafe"
			}
			respondJSON(w, status, envelope{Success: false, Error: code + ": " + err.Error()})
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: result})
	}
}
