// Package hub implements the chat hub state machine: per-room transport
// registry, serialized per-room broadcast, presence and typing indicators.
// The client/room registry shape generalizes a signaling-room pattern
// (client.Send channel, room-scoped client map, broadcast-to-room),
// adapted to coder/websocket and to Mathia's membership/authorization
// rules.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const (
	sendQueueSize      = 256
	typingTTL          = 3 * time.Second
	typingBroadcastMin = time.Second
	heartbeatInterval  = 30 * time.Second
	heartbeatTimeout   = 90 * time.Second
)

const typingCommand = "typing"

// backpressurePause is how long a backpressured message-frame sender gets
// to drain before its transport is closed. Var, not const, so tests don't
// have to wait out the real window.
var backpressurePause = 5 * time.Second

// Frame is the uniform envelope sent to and received from transports.
type Frame struct {
	Command string `json:"command"`
	Data    any    `json:"data,omitempty"`
}

// MembershipChecker verifies a user may join a room, rechecked on every
// join (not cached) since membership may have been revoked since the last
// check; internal/pipeline reuses the same check on every send.
type MembershipChecker func(ctx context.Context, userID, roomID string) (bool, error)

// Transport is one connected (user, session) pair's WebSocket connection.
type Transport struct {
	UserID    string
	SessionID string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	lastSeen  time.Time
	pausing   bool
	mu        sync.Mutex
}

// tryPause claims exclusive right to retry this transport's blocked send
// queue, so a burst of message frames against the same stuck transport
// doesn't spawn one retry goroutine per frame.
func (t *Transport) tryPause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pausing {
		return false
	}
	t.pausing = true
	return true
}

func (t *Transport) endPause() {
	t.mu.Lock()
	t.pausing = false
	t.mu.Unlock()
}

func (t *Transport) touch() {
	t.mu.Lock()
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

func (t *Transport) idleSince() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastSeen)
}

// enqueue reports false instead of blocking when the send queue is full,
// so one slow client never stalls the per-room broadcast loop; the caller
// decides whether to drop the frame or retry it.
func (t *Transport) enqueue(data []byte) bool {
	select {
	case t.send <- data:
		return true
	default:
		return false
	}
}

func (t *Transport) close(ctx context.Context, code websocket.StatusCode, reason string) {
	t.closeOnce.Do(func() {
		close(t.send)
		_ = t.conn.Close(code, reason)
	})
}

type connKey struct {
	userID    string
	sessionID string
}

type roomState struct {
	mu          sync.Mutex
	transports  map[connKey]*Transport
	byUser      map[string]int // active session count per user, for presence
	typingUntil map[string]time.Time
	typingSent  map[string]time.Time
	broadcast   chan Frame
}

func newRoomState() *roomState {
	rs := &roomState{
		transports:  make(map[connKey]*Transport),
		byUser:      make(map[string]int),
		typingUntil: make(map[string]time.Time),
		typingSent:  make(map[string]time.Time),
		broadcast:   make(chan Frame, 256),
	}
	return rs
}

// Hub owns all rooms' transport registries.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]*roomState
	membership MembershipChecker
	log        zerolog.Logger
}

func New(membership MembershipChecker, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]*roomState),
		membership: membership,
		log:        log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) room(roomID string) *roomState {
	h.mu.Lock()
	defer h.mu.Unlock()
	rs, ok := h.rooms[roomID]
	if !ok {
		rs = newRoomState()
		h.rooms[roomID] = rs
		go h.runBroadcastLoop(roomID, rs)
	}
	return rs
}

// runBroadcastLoop is the single goroutine per room that serializes
// broadcast order so messages fan out to transports in send order. On a
// full per-transport send queue, typing frames are dropped outright (the
// next typing tick supersedes them); message frames instead get up to
// backpressurePause to drain before the transport is closed, since losing
// a message frame silently would desync that client's history.
func (h *Hub) runBroadcastLoop(roomID string, rs *roomState) {
	for frame := range rs.broadcast {
		data, err := json.Marshal(frame)
		if err != nil {
			h.log.Error().Err(err).Str("room_id", roomID).Msg("hub: failed to marshal frame")
			continue
		}
		rs.mu.Lock()
		for key, t := range rs.transports {
			if t.enqueue(data) {
				continue
			}
			if frame.Command == typingCommand {
				h.log.Debug().Str("room_id", roomID).Str("user_id", key.userID).Msg("hub: send queue full, dropping typing frame")
				continue
			}
			if !t.tryPause() {
				continue // already retrying a previous message frame for this transport
			}
			h.log.Warn().Str("room_id", roomID).Str("user_id", key.userID).Msg("hub: send queue full, pausing sender before close")
			go h.pauseThenClose(roomID, rs, key, t, data)
		}
		rs.mu.Unlock()
	}
}

// pauseThenClose gives a backpressured transport up to backpressurePause to
// drain its send queue before dropping it, rather than closing it the
// instant one message frame doesn't fit.
func (h *Hub) pauseThenClose(roomID string, rs *roomState, key connKey, t *Transport, data []byte) {
	defer t.endPause()
	timer := time.NewTimer(backpressurePause)
	defer timer.Stop()
	select {
	case t.send <- data:
		return
	case <-timer.C:
	}

	rs.mu.Lock()
	if cur, ok := rs.transports[key]; ok && cur == t {
		delete(rs.transports, key)
	}
	rs.mu.Unlock()
	h.log.Warn().Str("room_id", roomID).Str("user_id", key.userID).Msg("hub: sender still backpressured after pause, closing transport")
	t.close(context.Background(), websocket.StatusPolicyViolation, "backpressure")
}

// Join admits a transport into roomID. A duplicate (user, session) pair
// replaces the prior transport cleanly.
func (h *Hub) Join(ctx context.Context, userID, sessionID, roomID string, conn *websocket.Conn) (*Transport, error) {
	allowed, err := h.membership(ctx, userID, roomID)
	if err != nil {
		return nil, fmt.Errorf("hub: membership check: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("hub: user %s is not a member of room %s", userID, roomID)
	}

	t := &Transport{UserID: userID, SessionID: sessionID, conn: conn, send: make(chan []byte, sendQueueSize), lastSeen: time.Now()}
	rs := h.room(roomID)
	key := connKey{userID, sessionID}

	rs.mu.Lock()
	if prior, ok := rs.transports[key]; ok {
		go prior.close(ctx, websocket.StatusNormalClosure, "replaced by new session")
	} else {
		rs.byUser[userID]++
	}
	rs.transports[key] = t
	rs.mu.Unlock()

	go h.writePump(ctx, t)
	h.sendPresenceSnapshot(roomID, rs, t)
	return t, nil
}

// Leave removes (userID, sessionID) from roomID, emitting presence{offline}
// when the user's last session in the room leaves.
func (h *Hub) Leave(roomID, userID, sessionID string) {
	h.mu.RLock()
	rs, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	key := connKey{userID, sessionID}
	rs.mu.Lock()
	if t, ok := rs.transports[key]; ok {
		delete(rs.transports, key)
		rs.byUser[userID]--
		lastSession := rs.byUser[userID] <= 0
		if lastSession {
			delete(rs.byUser, userID)
		}
		rs.mu.Unlock()
		go t.close(context.Background(), websocket.StatusNormalClosure, "left room")
		if lastSession {
			h.Broadcast(roomID, Frame{Command: "presence", Data: map[string]any{"user_id": userID, "status": "offline"}})
		}
		return
	}
	rs.mu.Unlock()
}

// Broadcast fans out frame to every transport connected to roomID, in
// enqueue order relative to other Broadcast calls for the same room.
func (h *Hub) Broadcast(roomID string, frame Frame) {
	rs := h.room(roomID)
	rs.broadcast <- frame
}

// SendTo delivers frame to one specific transport only, used for typing
// indicators and private system messages.
func (h *Hub) SendTo(t *Transport, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("hub: failed to marshal targeted frame")
		return
	}
	t.enqueue(data)
}

// Typing records a typing frame from userID in roomID, broadcasting at
// most once per typingBroadcastMin and expiring the flag after typingTTL.
func (h *Hub) Typing(roomID, userID string) {
	rs := h.room(roomID)
	now := time.Now()

	rs.mu.Lock()
	rs.typingUntil[userID] = now.Add(typingTTL)
	last, sentBefore := rs.typingSent[userID]
	shouldSend := !sentBefore || now.Sub(last) >= typingBroadcastMin
	if shouldSend {
		rs.typingSent[userID] = now
	}
	rs.mu.Unlock()

	if shouldSend {
		h.Broadcast(roomID, Frame{Command: "typing", Data: map[string]any{"user_id": userID}})
	}
}

func (h *Hub) sendPresenceSnapshot(roomID string, rs *roomState, t *Transport) {
	rs.mu.Lock()
	online := make([]string, 0, len(rs.byUser))
	for user := range rs.byUser {
		online = append(online, user)
	}
	rs.mu.Unlock()
	h.SendTo(t, Frame{Command: "presence_snapshot", Data: map[string]any{"online": online}})
}

// writePump drains t.send to the WebSocket connection until it closes.
func (h *Hub) writePump(ctx context.Context, t *Transport) {
	for data := range t.send {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := t.conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.log.Debug().Err(err).Str("user_id", t.UserID).Msg("hub: write failed, closing transport")
			return
		}
	}
}

// Heartbeat records a client ping, keeping the transport marked online.
func (h *Hub) Heartbeat(t *Transport) {
	t.touch()
}

// SweepStaleTransports closes transports that have not pinged within
// heartbeatTimeout. cmd/mathiad runs it every 30s through the job queue.
func (h *Hub) SweepStaleTransports(ctx context.Context) {
	h.mu.RLock()
	rooms := make(map[string]*roomState, len(h.rooms))
	for id, rs := range h.rooms {
		rooms[id] = rs
	}
	h.mu.RUnlock()

	for roomID, rs := range rooms {
		rs.mu.Lock()
		var stale []connKey
		for key, t := range rs.transports {
			if t.idleSince() > heartbeatTimeout {
				stale = append(stale, key)
			}
		}
		rs.mu.Unlock()
		for _, key := range stale {
			h.Leave(roomID, key.userID, key.sessionID)
		}
	}
}
