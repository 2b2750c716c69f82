package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/loom/internal/assembler"
	"github.com/kalambet/loom/internal/storage"
)

func handlePostMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		conversationID := chi.URLParam(r, "id")

		var req struct {
			Content string `json:"content"`
			Stream  bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Stream {
			streamMessage(deps, w, r, conversationID, req.Content)
			return
		}

		msg, err := deps.Runner.RunOnce(r.Context(), conversationID, req.Content)
		if err != nil {
			writeRunError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toMessageJSON(msg))
	}
}

func writeRunError(w http.ResponseWriter, err error) {
	var verr *assembler.ValidationError
	switch {
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", verr.Reason)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "conversation not found")
	default:
		httpError(w, http.StatusBadGateway, "api_error", "generation failed: %v", err)
	}
}

func streamMessage(deps Deps, w http.ResponseWriter, r *http.Request, conversationID, content string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	transport := &sseTransport{w: w, flusher: flusher}
	if err := deps.Runner.Run(r.Context(), conversationID, content, transport); err != nil {
		// Headers are only committed once the first event went out; until
		// then a plain HTTP error is still possible.
		if !transport.started {
			writeRunError(w, err)
		}
		return
	}
}

// sseTransport writes pipeline output as server-sent events. Each call
// flushes before returning, so the pipeline cannot run ahead of the client
// connection.
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (t *sseTransport) begin() {
	if t.started {
		return
	}
	t.started = true
	t.w.Header().Set("Content-Type", "text/event-stream")
	t.w.Header().Set("Cache-Control", "no-cache")
	t.w.Header().Set("Connection", "keep-alive")
}

func (t *sseTransport) event(name string, payload any) error {
	t.begin()
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("writing %s event: %w", name, err)
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) SendToken(text string) error {
	return t.event("token", map[string]string{"text": text})
}

func (t *sseTransport) SendDone(final storage.Message) error {
	return t.event("done", toMessageJSON(final))
}

func (t *sseTransport) SendError(message string) error {
	return t.event("error", map[string]string{"message": message})
}
