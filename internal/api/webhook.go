package api

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mathia-chat/mathia/internal/crypto"
	"github.com/rs/zerolog"
)

// WebhookSecretResolver returns the shared secret and HMAC algorithm
// ("sha256" or "sha512") registered for provider, ok=false if unknown.
type WebhookSecretResolver func(provider string) (secret []byte, algo string, ok bool)

// WebhookDispatcher hands a verified webhook body to its provider-specific
// processing, e.g. a payment confirmation crediting a wallet.
type WebhookDispatcher func(ctx context.Context, provider string, body []byte) error

// WebhookHandler verifies inbound webhook signatures before dispatch.
type WebhookHandler struct {
	resolveSecret WebhookSecretResolver
	dispatch      WebhookDispatcher
	sigHeader     string
	log           zerolog.Logger
}

func NewWebhookHandler(resolveSecret WebhookSecretResolver, dispatch WebhookDispatcher, sigHeader string, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		resolveSecret: resolveSecret, dispatch: dispatch, sigHeader: sigHeader,
		log: log.With().Str("component", "webhook").Logger(),
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	secret, algo, ok := h.resolveSecret(provider)
	if !ok {
		writeError(w, forbidden("unknown webhook provider"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodyBytes))
	if err != nil {
		writeError(w, validation("could not read request body"))
		return
	}

	claimed, err := hex.DecodeString(r.Header.Get(h.sigHeader))
	if err != nil {
		writeError(w, forbidden("malformed signature header"))
		return
	}
	valid, err := crypto.VerifyHMAC(algo, secret, body, claimed)
	if err != nil || !valid {
		h.log.Warn().Str("provider", provider).Msg("webhook: signature verification failed")
		writeError(w, forbidden("invalid signature"))
		return
	}

	if err := h.dispatch(r.Context(), provider, body); err != nil {
		h.log.Error().Err(err).Str("provider", provider).Msg("webhook: dispatch failed")
		writeError(w, forbidden("webhook processing failed"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
