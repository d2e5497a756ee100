// Package webhook provides an HTTP handler for marketplace job webhooks.
//
// The marketplace POSTs an application/x-www-form-urlencoded body:
//
//	signal=<event name>&payload=<url-encoded JSON>&signature=<hex sha1>
//
// The handler parses the form, hands it to the dispatcher for job
// registration and replies with the dispatcher's status code. GET returns
// a plain liveness response so the endpoint can be probed.
package webhook

import (
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/fpang/transcription-qa-bridge/internal/dispatch"
)

// maxBodySize caps the request body (1 MB). Job payloads are a few KB.
const maxBodySize = 1 << 20 // 1 MB

// Registrar handles a parsed webhook.
type Registrar interface {
	HandleWebhook(ctx context.Context, hook *dispatch.Webhook) dispatch.Response
}

// Handler serves the webhook endpoint.
type Handler struct {
	registrar Registrar
}

// NewHandler creates a webhook handler.
func NewHandler(registrar Registrar) *Handler {
	return &Handler{registrar: registrar}
}

// ServeHTTP dispatches to the liveness probe (GET) or event handling (POST).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	case http.MethodPost:
		h.handleEvent(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error().Err(err).Msg("Webhook event: failed to read body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(body) == 0 {
		log.Warn().Msg("Webhook event: empty body")
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	hook, err := dispatch.ParseForm(string(body))
	if err != nil {
		log.Warn().Err(err).Int("bodySize", len(body)).Msg("Webhook event: malformed form")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := h.registrar.HandleWebhook(r.Context(), hook)
	if resp.StatusCode >= http.StatusBadRequest {
		http.Error(w, resp.Body, resp.StatusCode)
		return
	}
	w.WriteHeader(resp.StatusCode)
}
