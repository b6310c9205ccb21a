package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/felipepmaragno/chat-relay/internal/conversation"
	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/moderation"
	"github.com/felipepmaragno/chat-relay/internal/provider"
	"github.com/felipepmaragno/chat-relay/internal/relay"
)

type PostMessageRequest struct {
	UserID     string          `json:"user_id"`
	GuildID    string          `json:"guild_id,omitempty"`
	AuthorName string          `json:"author_name,omitempty"`
	Content    string          `json:"content"`
	Kind       domain.TurnKind `json:"kind,omitempty"`
}

type PostMessageResponse struct {
	Text        string       `json:"text"`
	Provider    provider.Key `json:"provider"`
	DisplayName string       `json:"display_name"`
	LatencyMs   int64        `json:"latency_ms"`
	Epoch       uint64       `json:"epoch"`
	RequestID   string       `json:"request_id"`
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := r.PathValue("channel_id")
	requestID := withRequestID(w, r)

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	switch req.Kind {
	case "":
		req.Kind = domain.KindMention
	case domain.KindMention, domain.KindCommand:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported kind %q", req.Kind))
		return
	}

	if h.moderation != nil {
		h.moderation.CheckAsync(ctx, moderation.Message{
			GuildID:   req.GuildID,
			ChannelID: channelID,
			MessageID: requestID,
			AuthorID:  req.UserID,
			Content:   req.Content,
		})
	}

	reply, err := h.relay.Ask(ctx, relay.Request{
		Kind:       req.Kind,
		ChannelID:  channelID,
		GuildID:    req.GuildID,
		UserID:     req.UserID,
		AuthorName: req.AuthorName,
		Content:    req.Content,
	})
	h.writeReply(w, r, requestID, reply, err)
}

// writeReply renders the outcome of one relay call. Denials and total provider
// failure get their own error types.
func (h *Handler) writeReply(w http.ResponseWriter, r *http.Request, requestID string, reply *relay.Reply, err error) {
	channelID := r.PathValue("channel_id")
	if err != nil {
		if r.Context().Err() != nil {
			slog.Info("client went away", "request_id", requestID, "channel_id", channelID)
			return
		}
		if errors.Is(err, relay.ErrNoHistory) {
			writeTypedError(w, http.StatusConflict, "no_history", "no conversation history in this channel")
			return
		}
		slog.Error("relay failed", "error", err, "request_id", requestID, "channel_id", channelID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	switch {
	case reply.Denied:
		writeTypedError(w, http.StatusTooManyRequests, "rate_limit_exceeded", reply.Text)
		return
	case reply.Failed:
		writeTypedError(w, http.StatusBadGateway, "all_providers_failed", reply.Text)
		return
	}

	slog.Info("request completed",
		"request_id", requestID,
		"channel_id", channelID,
		"provider", reply.Provider,
		"latency_ms", reply.LatencyMs,
	)

	writeJSON(w, http.StatusOK, PostMessageResponse{
		Text:        reply.Text,
		Provider:    reply.Provider,
		DisplayName: reply.DisplayName,
		LatencyMs:   reply.LatencyMs,
		Epoch:       reply.Epoch,
		RequestID:   requestID,
	})
}

func withRequestID(w http.ResponseWriter, r *http.Request) string {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)
	return requestID
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channel_id")
	limit := queryInt(r, "limit", conversation.DefaultHistoryLimit)

	turns, err := h.history.Read(r.Context(), channelID, limit)
	if err != nil {
		slog.Error("failed to read history", "error", err, "channel_id", channelID)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": channelID,
		"messages":   turns,
		"count":      len(turns),
	})
}

func (h *Handler) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channel_id")

	n, err := h.history.Clear(r.Context(), channelID)
	if err != nil {
		slog.Error("failed to clear history", "error", err, "channel_id", channelID)
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}

	slog.Info("history cleared", "channel_id", channelID, "deleted", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": channelID,
		"deleted":    n,
	})
}

func (h *Handler) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.history.Channels(r.Context())
	if err != nil {
		slog.Error("failed to list channels", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list channels")
		return
	}
	if channels == nil {
		channels = []domain.ChannelSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"count":    len(channels),
	})
}

type PromptRequest struct {
	SystemPrompt string `json:"system_prompt"`
	GuildID      string `json:"guild_id,omitempty"`
}

type ProviderRequest struct {
	Provider string `json:"provider"`
	GuildID  string `json:"guild_id,omitempty"`
}

func (h *Handler) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOverrides(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id":    o.ChannelID,
		"system_prompt": o.SystemPrompt,
		"default":       o.SystemPrompt == "",
	})
}

func (h *Handler) handlePutPrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.SystemPrompt = strings.TrimSpace(req.SystemPrompt)
	if req.SystemPrompt == "" {
		writeError(w, http.StatusBadRequest, "system_prompt is required")
		return
	}

	h.updateOverrides(w, r, func(o *domain.ChannelOverrides) {
		o.SystemPrompt = req.SystemPrompt
		if req.GuildID != "" {
			o.GuildID = req.GuildID
		}
	})
}

func (h *Handler) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	h.updateOverrides(w, r, func(o *domain.ChannelOverrides) {
		o.SystemPrompt = ""
	})
}

func (h *Handler) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOverrides(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": o.ChannelID,
		"provider":   o.Provider,
		"default":    o.Provider == "",
	})
}

// handlePutProvider pins a channel to one provider. Only a provider with a live
// client in the current epoch can be pinned.
func (h *Handler) handlePutProvider(w http.ResponseWriter, r *http.Request) {
	var req ProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, err := provider.ParseKey(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.relay.Router().Live(key) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("provider %s has no API key configured", key))
		return
	}

	h.updateOverrides(w, r, func(o *domain.ChannelOverrides) {
		o.Provider = string(key)
		if req.GuildID != "" {
			o.GuildID = req.GuildID
		}
	})
}

func (h *Handler) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	h.updateOverrides(w, r, func(o *domain.ChannelOverrides) {
		o.Provider = ""
	})
}

func (h *Handler) loadOverrides(w http.ResponseWriter, r *http.Request) (domain.ChannelOverrides, bool) {
	if h.overrides == nil {
		writeError(w, http.StatusNotImplemented, "channel overrides are not configured")
		return domain.ChannelOverrides{}, false
	}

	channelID := r.PathValue("channel_id")
	o, err := h.overrides.Overrides(r.Context(), channelID)
	if err != nil {
		slog.Error("failed to read overrides", "error", err, "channel_id", channelID)
		writeError(w, http.StatusInternalServerError, "failed to read channel overrides")
		return domain.ChannelOverrides{}, false
	}
	return o, true
}

// updateOverrides applies mutate to the stored overrides. Updates to one channel are
// serialized so a prompt change and a provider change cannot overwrite each other.
func (h *Handler) updateOverrides(w http.ResponseWriter, r *http.Request, mutate func(*domain.ChannelOverrides)) {
	unlock, err := h.locks.Lock(r.Context(), r.PathValue("channel_id"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}
	defer unlock()

	o, ok := h.loadOverrides(w, r)
	if !ok {
		return
	}
	mutate(&o)

	if err := h.overrides.SaveOverrides(r.Context(), o); err != nil {
		slog.Error("failed to save overrides", "error", err, "channel_id", o.ChannelID)
		writeError(w, http.StatusInternalServerError, "failed to save channel overrides")
		return
	}

	slog.Info("channel overrides updated",
		"channel_id", o.ChannelID,
		"provider", o.Provider,
		"custom_prompt", o.SystemPrompt != "",
	)
	writeJSON(w, http.StatusOK, o)
}

type ProviderStatus struct {
	Key         provider.Key `json:"key"`
	DisplayName string       `json:"display_name"`
	Model       string       `json:"model"`
	Free        bool         `json:"free"`
	Configured  bool         `json:"configured"`
	Live        bool         `json:"live"`
	Primary     bool         `json:"primary"`
}

func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	settings := h.relay.Settings()
	rt := h.relay.Router()

	providers := make([]ProviderStatus, 0, len(settings.Providers))
	for _, v := range settings.Public().Providers {
		providers = append(providers, ProviderStatus{
			Key:         v.Key,
			DisplayName: v.DisplayName,
			Model:       v.Model,
			Free:        v.Free,
			Configured:  v.Configured,
			Live:        rt.Live(v.Key),
			Primary:     v.Key == settings.Primary,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"providers":      providers,
		"fallback_order": rt.Order(),
		"available":      rt.Available(),
		"epoch":          h.relay.Epoch(),
	})
}

// handleTestProvider sends one test call to a provider. Unknown or unconfigured providers are
// reported in the result body, as the test itself would.
func (h *Handler) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	key := provider.Key(strings.ToLower(r.PathValue("key")))

	result := h.relay.Router().Test(r.Context(), key)
	slog.Info("provider tested", "provider", key, "success", result.Success, "latency_ms", result.LatencyMs)
	writeJSON(w, http.StatusOK, result)
}
