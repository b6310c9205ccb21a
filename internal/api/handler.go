// Package api exposes the relay over HTTP: channel messages, per-channel overrides,
// provider status, configuration and health.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/chat-relay/internal/auth"
	"github.com/felipepmaragno/chat-relay/internal/conversation"
	"github.com/felipepmaragno/chat-relay/internal/moderation"
	"github.com/felipepmaragno/chat-relay/internal/relay"
)

type HandlerConfig struct {
	Relay      *relay.Service
	History    conversation.Store
	Overrides  conversation.OverrideStore
	Moderation *moderation.Pipeline
	Auth       *auth.Authenticator
	Admin      *AdminHandler

	HealthCheckers []HealthChecker
	HealthTimeout  time.Duration
}

type Handler struct {
	relay      *relay.Service
	history    conversation.Store
	overrides  conversation.OverrideStore
	moderation *moderation.Pipeline
	locks      *conversation.ChannelLocks
	mux        *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	healthTimeout := cfg.HealthTimeout
	if healthTimeout == 0 {
		healthTimeout = 5 * time.Second
	}
	authn := cfg.Auth
	if authn == nil {
		authn, _ = auth.NewAuthenticator("")
	}

	h := &Handler{
		relay:      cfg.Relay,
		history:    cfg.History,
		overrides:  cfg.Overrides,
		moderation: cfg.Moderation,
		locks:      conversation.NewChannelLocks(),
		mux:        http.NewServeMux(),
	}

	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/channels/{channel_id}/messages", h.handlePostMessage)
	v1.HandleFunc("GET /v1/channels/{channel_id}/messages", h.handleGetMessages)
	v1.HandleFunc("DELETE /v1/channels/{channel_id}/messages", h.handleClearMessages)
	v1.HandleFunc("POST /v1/channels/{channel_id}/summarize", h.handleSummarize)
	v1.HandleFunc("POST /v1/channels/{channel_id}/translate", h.handleTranslate)
	v1.HandleFunc("POST /v1/channels/{channel_id}/review", h.handleReview)
	v1.HandleFunc("POST /v1/channels/{channel_id}/digest", h.handleDigest)
	v1.HandleFunc("GET /v1/channels", h.handleListChannels)
	v1.HandleFunc("GET /v1/channels/{channel_id}/prompt", h.handleGetPrompt)
	v1.HandleFunc("PUT /v1/channels/{channel_id}/prompt", h.handlePutPrompt)
	v1.HandleFunc("DELETE /v1/channels/{channel_id}/prompt", h.handleDeletePrompt)
	v1.HandleFunc("GET /v1/channels/{channel_id}/provider", h.handleGetProvider)
	v1.HandleFunc("PUT /v1/channels/{channel_id}/provider", h.handlePutProvider)
	v1.HandleFunc("DELETE /v1/channels/{channel_id}/provider", h.handleDeleteProvider)
	v1.HandleFunc("GET /v1/providers", h.handleListProviders)
	v1.HandleFunc("POST /v1/providers/{key}/test", h.handleTestProvider)

	h.mux.Handle("/v1/", authn.RequireToken(v1))
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", authn.RequireToken(cfg.Admin))
	}

	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.HealthCheckers, healthTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"epoch":  h.relay.Epoch(),
	})
}

func queryInt(r *http.Request, name string, defaultValue int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeTypedError(w, status, "error", message)
}

func writeTypedError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}
