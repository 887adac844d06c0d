package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// SettingsStore is the storage-gateway facet the settings handler needs.
type SettingsStore interface {
	GetSettings(ctx context.Context, userID string) (*model.UserSettings, error)
	UpsertSettings(ctx context.Context, s *model.UserSettings) error
}

// GetSettings returns userID's settings, or a settings record holding only
// the user ID (every other field at its zero value) if no row exists yet.
// GET /api/settings
func GetSettings(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		settings, err := store.GetSettings(r.Context(), userID)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not load settings"})
			return
		}
		if settings == nil {
			settings = &model.UserSettings{UserID: userID}
		}
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: settings})
	}
}

// UpdateSettings applies a partial settings update (§3 User settings).
// PATCH /api/settings
func UpdateSettings(store SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}
		var req model.UserSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		req.UserID = userID
		if err := store.UpsertSettings(r.Context(), &req); err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "could not save settings"})
			return
		}
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: req})
	}
}
