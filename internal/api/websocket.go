package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/hub"
	"github.com/mathia-chat/mathia/internal/pipeline"
)

// inboundFrame is one client-to-server WebSocket message.
type inboundFrame struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// handleWebSocket upgrades the connection and joins the caller into
// roomID's hub, draining inbound frames (send, typing, ping) until the
// socket closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	userID := userIDFromContext(r.Context())

	conn, err := acceptWebSocket(w, r)
	if err != nil {
		return
	}
	sessionID := uuid.NewString()

	transport, err := s.hub.Join(r.Context(), userID, sessionID, roomID, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusCode(apierr.WSCloseCode(apierr.Forbidden)), "not a member of this room")
		return
	}
	defer s.hub.Leave(roomID, userID, sessionID)

	s.readLoop(r.Context(), conn, transport, userID, roomID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, transport *hub.Transport, userID, roomID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Command {
		case "ping":
			s.hub.Heartbeat(transport)
		case "typing":
			s.hub.Typing(roomID, userID)
		case "send_message":
			var payload sendMessageRequest
			if err := json.Unmarshal(frame.Data, &payload); err != nil {
				continue
			}
			_ = s.sendViaSocket(ctx, userID, roomID, payload)
		}
	}
}

func (s *Server) sendViaSocket(ctx context.Context, userID, roomID string, req sendMessageRequest) error {
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.pipeline.HandleNewMessage(sendCtx, pipeline.IncomingMessage{
		UserID: userID, RoomID: roomID, Body: req.Body, ParentID: req.ParentID, IdempotencyKey: req.IdempotencyKey,
	})
}
