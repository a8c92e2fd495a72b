package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/hub"
	"github.com/mathia-chat/mathia/internal/pipeline"
	"github.com/mathia-chat/mathia/internal/store"
)

const defaultHistoryLimit = 50

type sendMessageRequest struct {
	Body           string `json:"body"`
	ParentID       string `json:"parent_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, validation("malformed request body"))
		return
	}
	if req.Body == "" {
		writeError(w, validation("body is required"))
		return
	}

	err := s.pipeline.HandleNewMessage(r.Context(), pipeline.IncomingMessage{
		UserID: userIDFromContext(r.Context()), RoomID: roomID, Body: req.Body,
		ParentID: req.ParentID, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleFetchMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	before := time.Now()
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, validation("before must be RFC3339"))
			return
		}
		before = parsed
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	out, err := s.pipeline.FetchMessages(r.Context(), roomID, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := userIDFromContext(r.Context())
	if _, err := s.memberships.Get(r.Context(), roomID, userID); err != nil {
		writeError(w, forbidden("not a member of this room"))
		return
	}
	if err := s.memberships.MarkRead(r.Context(), roomID, userID, time.Now()); err != nil {
		writeError(w, apierr.New(apierr.Internal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handlePinReply rebroadcasts the target message as a pinned system event;
// pin state itself lives in the client's room metadata view in this
// expansion, so no additional store write is required here.
func (s *Server) handlePinReply(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	messageID := chi.URLParam(r, "messageID")
	userID := userIDFromContext(r.Context())
	if _, err := s.memberships.Get(r.Context(), roomID, userID); err != nil {
		writeError(w, forbidden("not a member of this room"))
		return
	}
	s.hub.Broadcast(roomID, hub.Frame{Command: "message_pinned", Data: map[string]any{
		"message_id": messageID, "pinned_by": userID,
	}})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	wallet, err := s.wallets.Get(r.Context(), userID)
	if err != nil {
		if err == store.ErrNotFound {
			writeJSON(w, http.StatusOK, map[string]any{"balance_minor": 0, "currency": "usd"})
			return
		}
		writeError(w, apierr.New(apierr.Internal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance_minor": wallet.BalanceMinor, "currency": wallet.Currency})
}

