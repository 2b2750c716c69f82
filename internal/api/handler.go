// Package api implements the REST surface: conversation management, chat
// turns (streamed and blocking), registration intake, and operational
// read-only views over usage and failed notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/loom/internal/notify"
	"github.com/kalambet/loom/internal/pipeline"
	"github.com/kalambet/loom/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ChatRunner executes one chat turn. *pipeline.Pipeline satisfies it.
type ChatRunner interface {
	Run(ctx context.Context, conversationID, content string, transport pipeline.Transport) error
	RunOnce(ctx context.Context, conversationID, content string) (storage.Message, error)
}

// EventNotifier accepts registration events for asynchronous delivery.
type EventNotifier interface {
	Notify(event notify.Event)
}

// Deps holds what the REST handlers need.
type Deps struct {
	Store    *storage.Store
	Runner   ChatRunner
	Notifier EventNotifier
	Queue    *notify.FailedQueue
	Logger   *slog.Logger
}

// NewHandler returns the REST API router. The token guards everything except
// health and registration intake.
func NewHandler(deps Deps, token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/v1/register", handleRegister(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))
		r.Post("/v1/prompts", handleCreatePrompt(deps))
		r.Post("/v1/conversations", handleCreateConversation(deps))
		r.Post("/v1/conversations/{id}/resources", handleAddResource(deps))
		r.Get("/v1/conversations/{id}/messages", handleListMessages(deps))
		r.Post("/v1/conversations/{id}/messages", handlePostMessage(deps))
		r.Get("/v1/conversations/{id}/usage", handleUsage(deps))
		r.Get("/v1/notifications/failed", handleFailedNotifications(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleCreatePrompt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			OwnerID    string `json:"owner_id"`
			Title      string `json:"title"`
			Content    string `json:"content"`
			Visibility string `json:"visibility"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.OwnerID == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id and content are required")
			return
		}

		visibility := req.Visibility
		if visibility == "" {
			visibility = "private"
		}
		if visibility != "private" && visibility != "public" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "visibility must be \"private\" or \"public\"")
			return
		}

		prompt := storage.Prompt{
			ID:         uuid.NewString(),
			OwnerID:    req.OwnerID,
			Title:      req.Title,
			Content:    req.Content,
			Visibility: visibility,
			CreatedAt:  time.Now().UTC(),
		}
		if err := deps.Store.CreatePrompt(prompt); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating prompt: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": prompt.ID})
	}
}

type conversationJSON struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title,omitempty"`
	Mode      string `json:"mode"`
	PromptID  string `json:"prompt_id,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toConversationJSON(c storage.Conversation) conversationJSON {
	return conversationJSON{
		ID:        c.ID,
		UserID:    c.UserID,
		Title:     c.Title,
		Mode:      c.Mode,
		PromptID:  c.PromptID,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	}
}

func handleCreateConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			UserID   string `json:"user_id"`
			Title    string `json:"title"`
			Mode     string `json:"mode"`
			PromptID string `json:"prompt_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		userID := req.UserID
		if userID == "" {
			userID = r.Header.Get("X-User-ID")
		}
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}

		mode := req.Mode
		if mode == "" {
			mode = "assistant"
		}
		if mode != "assistant" && mode != "url" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "mode must be \"assistant\" or \"url\"")
			return
		}

		now := time.Now().UTC()
		conv := storage.Conversation{
			ID:        uuid.NewString(),
			UserID:    userID,
			Title:     req.Title,
			Mode:      mode,
			PromptID:  req.PromptID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := deps.Store.CreateConversation(conv); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating conversation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(toConversationJSON(conv))
	}
}

func handleAddResource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		conversationID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetConversation(conversationID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "conversation %s not found", conversationID)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading conversation: %v", err)
			return
		}

		var req struct {
			Type     string `json:"type"`
			Name     string `json:"name"`
			MimeType string `json:"mime_type"`
			FileURI  string `json:"file_uri"`
			URL      string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		switch req.Type {
		case storage.ResourceURL:
			if req.URL == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required for url resources")
				return
			}
		case storage.ResourceFile:
			if req.Name == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required for file resources")
				return
			}
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type must be \"file\" or \"url\"")
			return
		}

		res := storage.Resource{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Type:           req.Type,
			Name:           req.Name,
			MimeType:       req.MimeType,
			FileURI:        req.FileURI,
			URL:            req.URL,
			CreatedAt:      time.Now().UTC(),
		}
		if err := deps.Store.AddResource(res); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving resource: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": res.ID})
	}
}

type messageJSON struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func toMessageJSON(m storage.Message) messageJSON {
	return messageJSON{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetConversation(conversationID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "conversation %s not found", conversationID)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading conversation: %v", err)
			return
		}

		msgs, err := deps.Store.MessagesForConversation(conversationID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading messages: %v", err)
			return
		}

		out := make([]messageJSON, len(msgs))
		for i, m := range msgs {
			out[i] = toMessageJSON(m)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleUsage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "id")
		records, err := deps.Store.UsageForConversation(conversationID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading usage: %v", err)
			return
		}

		type usageJSON struct {
			Model            string  `json:"model"`
			PromptTokens     int     `json:"prompt_tokens"`
			CompletionTokens int     `json:"completion_tokens"`
			CostUSD          float64 `json:"cost_usd"`
			LatencyMS        int64   `json:"latency_ms"`
			FileCount        int     `json:"file_count"`
			URLCount         int     `json:"url_count"`
			Streamed         bool    `json:"streamed"`
			Status           string  `json:"status"`
			Error            string  `json:"error,omitempty"`
			CreatedAt        string  `json:"created_at"`
		}

		out := make([]usageJSON, len(records))
		for i, u := range records {
			out[i] = usageJSON{
				Model:            u.Model,
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				CostUSD:          u.CostUSD,
				LatencyMS:        u.LatencyMS,
				FileCount:        u.FileCount,
				URLCount:         u.URLCount,
				Streamed:         u.Streamed,
				Status:           u.Status,
				Error:            u.Error,
				CreatedAt:        u.CreatedAt.Format(time.RFC3339),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}
