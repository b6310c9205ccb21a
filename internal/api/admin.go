package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/config"
	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/relay"
	"github.com/felipepmaragno/chat-relay/internal/repository"
)

const redacted = "********"

// SettingsStore holds the flat key/value overrides written through the admin API.
type SettingsStore interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
	SaveSettings(ctx context.Context, values map[string]string) error
}

// SettingsBuilder layers persisted overrides over the process defaults and returns
// a validated epoch.
type SettingsBuilder func(ctx context.Context, persisted map[string]string) (config.Settings, error)

type UsageReporter interface {
	UsageByProvider(ctx context.Context, since time.Time) ([]repository.ProviderUsage, error)
}

type ModerationLogReader interface {
	ModerationLog(ctx context.Context, guildID string, limit int) ([]domain.ModerationRecord, error)
}

type AdminConfig struct {
	Relay         *relay.Service
	Settings      SettingsStore
	Build         SettingsBuilder
	Usage         UsageReporter
	ModerationLog ModerationLogReader
}

type AdminHandler struct {
	relay         *relay.Service
	settings      SettingsStore
	build         SettingsBuilder
	usage         UsageReporter
	moderationLog ModerationLogReader
	mu            sync.Mutex
	mux           *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		relay:         cfg.Relay,
		settings:      cfg.Settings,
		build:         cfg.Build,
		usage:         cfg.Usage,
		moderationLog: cfg.ModerationLog,
		mux:           http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/config", h.getConfig)
	h.mux.HandleFunc("PATCH /admin/config", h.patchConfig)
	h.mux.HandleFunc("GET /admin/usage", h.getUsage)
	h.mux.HandleFunc("GET /admin/moderation", h.getModerationLog)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	persisted, err := h.settings.LoadSettings(r.Context())
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"epoch":     h.relay.Epoch(),
		"settings":  h.relay.Settings().Public(),
		"overrides": redact(persisted),
		"keys":      config.Keys(),
	})
}

// patchConfig applies flat key/value overrides. An empty value removes the key.
// The result is built and validated before anything is stored, so a rejected
// patch changes nothing.
func (h *AdminHandler) patchConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var patch map[string]string
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "no settings given")
		return
	}

	known := config.Keys()
	for key := range patch {
		if !slices.Contains(known, key) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown setting %q", key))
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	persisted, err := h.settings.LoadSettings(ctx)
	if err != nil {
		slog.Error("failed to load settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}

	merged := make(map[string]string, len(persisted)+len(patch))
	for k, v := range persisted {
		merged[k] = v
	}
	for k, v := range patch {
		if v == "" {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}

	next, err := h.build(ctx, merged)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.settings.SaveSettings(ctx, patch); err != nil {
		slog.Error("failed to save settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}

	epoch, err := h.relay.Reconfigure(ctx, next)
	if err != nil {
		slog.Error("failed to publish settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to publish settings")
		return
	}

	changed := make([]string, 0, len(patch))
	for k := range patch {
		changed = append(changed, k)
	}
	slices.Sort(changed)
	slog.Info("settings updated", "epoch", epoch, "keys", changed)

	writeJSON(w, http.StatusOK, map[string]any{
		"epoch":    epoch,
		"settings": next.Public(),
	})
}

func (h *AdminHandler) getUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeError(w, http.StatusNotImplemented, "usage reporting requires a database")
		return
	}

	hours := queryInt(r, "hours", 24)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	byProvider, err := h.usage.UsageByProvider(r.Context(), since)
	if err != nil {
		slog.Error("failed to query usage", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	if byProvider == nil {
		byProvider = []repository.ProviderUsage{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since":     since,
		"providers": byProvider,
	})
}

func (h *AdminHandler) getModerationLog(w http.ResponseWriter, r *http.Request) {
	if h.moderationLog == nil {
		writeError(w, http.StatusNotImplemented, "moderation log requires a database")
		return
	}

	records, err := h.moderationLog.ModerationLog(r.Context(), r.URL.Query().Get("guild_id"), queryInt(r, "limit", 50))
	if err != nil {
		slog.Error("failed to query moderation log", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query moderation log")
		return
	}
	if records == nil {
		records = []domain.ModerationRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func redact(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if config.IsSecretKey(k) && v != "" {
			v = redacted
		}
		out[k] = v
	}
	return out
}

// MemorySettingsStore keeps overrides for the life of the process, for deployments
// without a database.
type MemorySettingsStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{values: make(map[string]string)}
}

func (s *MemorySettingsStore) LoadSettings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *MemorySettingsStore) SaveSettings(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		if v == "" {
			delete(s.values, k)
		} else {
			s.values[k] = v
		}
	}
	return nil
}
