// Package api implements Mathia's HTTP boundary: session-authenticated
// REST endpoints for history, read markers, pinning and uploads, a
// WebSocket upgrade into the chat hub, and webhook ingress. The
// middleware chain (request id, recoverer, request logger, body size
// limit, auth, CSRF) is adapted from the gateway's chi router.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mathia-chat/mathia/internal/hub"
	"github.com/mathia-chat/mathia/internal/pipeline"
	"github.com/mathia-chat/mathia/internal/store"
	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes = 1 << 20 // 1MB

// SessionResolver maps a session cookie value to the authenticated user,
// ok=false for an absent or expired session.
type SessionResolver func(ctx context.Context, cookie string) (userID string, ok bool, err error)

type contextKey int

const userIDContextKey contextKey = iota

// Server wires the HTTP boundary to the chat hub, message pipeline and
// store.
type Server struct {
	hub         *hub.Hub
	pipeline    *pipeline.Pipeline
	rooms       *store.RoomRepo
	memberships *store.MembershipRepo
	wallets     *store.WalletRepo
	resolveUser SessionResolver
	csrfHeader  string
	webhook     *WebhookHandler
	log         zerolog.Logger
}

func NewServer(h *hub.Hub, p *pipeline.Pipeline, rooms *store.RoomRepo, memberships *store.MembershipRepo,
	wallets *store.WalletRepo, resolveUser SessionResolver, csrfHeader string, webhook *WebhookHandler, log zerolog.Logger) *Server {
	return &Server{
		hub: h, pipeline: p, rooms: rooms, memberships: memberships, wallets: wallets,
		resolveUser: resolveUser, csrfHeader: csrfHeader, webhook: webhook,
		log: log.With().Str("component", "api").Logger(),
	}
}

// Router builds the full chi handler: public health/webhook routes, then an
// authenticated + CSRF-protected group for everything else.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.maxBodySize(defaultMaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if s.webhook != nil {
		r.Post("/webhooks/{provider}", s.webhook.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.csrfProtect)

		r.Get("/rooms/{roomID}/messages", s.handleFetchMessages)
		r.Post("/rooms/{roomID}/messages", s.handleSendMessage)
		r.Post("/rooms/{roomID}/read", s.handleMarkRead)
		r.Post("/rooms/{roomID}/messages/{messageID}/pin", s.handlePinReply)
		r.Post("/uploads", s.handleUpload)
		r.Get("/wallet/quota", s.handleQuota)
		r.Get("/ws/{roomID}", s.handleWebSocket)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("req_id", chimw.GetReqID(r.Context())).
			Int("status", rw.Status()).
			Dur("duration", time.Since(start)).
			Msg("api: request completed")
	})
}

func (s *Server) maxBodySize(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate resolves the mathia_session cookie into a user id, writing
// apierr.Unauthenticated when absent or invalid.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("mathia_session")
		if err != nil {
			writeError(w, unauthenticated("missing session cookie"))
			return
		}
		userID, ok, err := s.resolveUser(r.Context(), cookie.Value)
		if err != nil || !ok {
			writeError(w, unauthenticated("invalid or expired session"))
			return
		}
		ctx := context.WithValue(r.Context(), userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// csrfProtect requires state-changing requests to carry the CSRF header
// since auth rides on a cookie; GET/HEAD pass through.
func (s *Server) csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get(s.csrfHeader) == "" {
			writeError(w, forbidden("missing CSRF header"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDContextKey).(string)
	return v
}

// acceptWebSocket is split out so tests can stub it without a real upgrade.
var acceptWebSocket = func(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, nil)
}
