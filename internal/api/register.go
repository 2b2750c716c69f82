package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/loom/internal/notify"
)

// handleRegister accepts a registration event and hands it to the notifier.
// The response is sent before any delivery attempt happens; registration
// itself stores nothing.
func handleRegister(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			UserID string `json:"user_id"`
			Email  string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.UserID) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		event := notify.Event{
			ID:        uuid.NewString(),
			Type:      "user.registered",
			UserID:    req.UserID,
			Email:     req.Email,
			CreatedAt: time.Now().UTC(),
		}
		deps.Notifier.Notify(event)
		deps.Logger.Info("registration accepted",
			"event_id", event.ID, "user_id", event.UserID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"status":   "accepted",
			"event_id": event.ID,
		})
	}
}

// handleFailedNotifications exposes the durable failed queue read-only.
func handleFailedNotifications(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Queue.Entries()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading failed queue: %v", err)
			return
		}
		if entries == nil {
			entries = []notify.FailedNotification{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entries)
	}
}
