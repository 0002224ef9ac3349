// Package httpapi exposes the relay's actions over plain HTTP for clients that
// do not hold a WebSocket: a readiness probe, start and reply as JSON POSTs,
// and a server-sent event stream replaying a conversation.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TalMal-ContactMe/contact-form/internal/chat"
	"github.com/TalMal-ContactMe/contact-form/internal/protocol"
)

// maxBodyBytes caps request bodies; a contact request or message is far
// smaller.
const maxBodyBytes = 64 << 10

// Relay is the subset of the relay engine the HTTP surface drives.
type Relay interface {
	StartConversation(ctx context.Context, req chat.ContactRequest) chat.Message
	SendMessage(ctx context.Context, msg chat.Message) chat.Message
	LoadConversation(ctx context.Context, conversationID string) iter.Seq[chat.Message]
}

// Mux is where routes are mounted. Both *http.ServeMux and *ws.Server
// satisfy it.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Handler serves the /contact endpoints.
type Handler struct {
	relay           Relay
	allowedOrigins  []string
	conversationKey string
	logger          zerolog.Logger
}

// New creates a Handler. allowedOrigins lists the browser origins permitted
// by CORS; "*" allows any origin. conversationKey names the follow query
// parameter.
func New(relay Relay, allowedOrigins []string, conversationKey string) *Handler {
	if conversationKey == "" {
		conversationKey = "chatId"
	}
	return &Handler{
		relay:           relay,
		allowedOrigins:  allowedOrigins,
		conversationKey: conversationKey,
		logger:          log.With().Str("component", "httpapi").Logger(),
	}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux Mux) {
	mux.Handle("/contact/isReady", h.cors(http.HandlerFunc(h.handleIsReady), http.MethodGet))
	mux.Handle("/contact/create", h.cors(http.HandlerFunc(h.handleCreate), http.MethodPost))
	mux.Handle("/contact/reply", h.cors(http.HandlerFunc(h.handleReply), http.MethodPost))
	mux.Handle("/contact/follow", h.cors(http.HandlerFunc(h.handleFollow), http.MethodGet))
}

func (h *Handler) handleIsReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, true)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	req, err := protocol.DecodeContact(body)
	if err != nil {
		http.Error(w, "invalid contact request", http.StatusBadRequest)
		return
	}

	msg := h.relay.StartConversation(r.Context(), req)
	writeJSON(w, http.StatusCreated, protocol.ToWire(msg))
}

func (h *Handler) handleReply(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	in, err := protocol.DecodeMessage(body)
	if err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}

	msg := h.relay.SendMessage(r.Context(), in)
	writeJSON(w, http.StatusCreated, protocol.ToWire(msg))
}

// handleFollow streams the conversation history as server-sent events, one
// "data:" line per message, and ends the stream when the history is done.
func (h *Handler) handleFollow(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has(h.conversationKey) {
		http.Error(w, "missing "+h.conversationKey, http.StatusBadRequest)
		return
	}
	conversationID := r.URL.Query().Get(h.conversationKey)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for m := range h.relay.LoadConversation(r.Context(), conversationID) {
		if r.Context().Err() != nil {
			return
		}
		data, err := protocol.EncodeMessage(m)
		if err != nil {
			h.logger.Error().Err(err).Str("conversation", conversationID).Msg("event not encoded")
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		_, _ = w.Write(data)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

// cors applies the allowed-origin policy, answers preflight requests, and
// rejects methods other than method.
func (h *Handler) cors(next http.Handler, method string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", method+", OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
