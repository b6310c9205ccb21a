//go:build integration

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/felipepmaragno/chat-relay/internal/api"
	"github.com/felipepmaragno/chat-relay/internal/config"
	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/provider"
	"github.com/felipepmaragno/chat-relay/internal/ratelimit"
	"github.com/felipepmaragno/chat-relay/internal/relay"
	"github.com/felipepmaragno/chat-relay/internal/repository"
	"github.com/felipepmaragno/chat-relay/internal/router"
)

type stubClient struct {
	text string
}

func (c *stubClient) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{
		Model:   "stub-model",
		Choices: []domain.Choice{{Message: &domain.Message{Role: domain.RoleAssistant, Content: c.text}}},
		Usage:   domain.Usage{PromptTokens: 12, CompletionTokens: 8},
	}, nil
}

// databaseURL prefers DATABASE_URL and falls back to a throwaway SQLite file.
func databaseURL(t *testing.T) string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return "sqlite:" + filepath.Join(t.TempDir(), "relay.db")
}

func newStack(t *testing.T, store *repository.SQLStore) (http.Handler, *relay.Service) {
	t.Helper()
	ctx := context.Background()

	base := config.DefaultSettings()
	for _, k := range []provider.Key{provider.Gemini, provider.Groq} {
		d := base.Providers[k]
		d.Credential = "key-" + string(k)
		base.Providers[k] = d
	}

	build := func(ctx context.Context, persisted map[string]string) (config.Settings, error) {
		s := base.Clone()
		if err := config.Apply(&s, persisted); err != nil {
			return config.Settings{}, err
		}
		return s, s.Validate()
	}

	persisted, err := store.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	settings, err := build(ctx, persisted)
	if err != nil {
		t.Fatalf("build settings: %v", err)
	}

	factory := func(_ context.Context, d provider.Descriptor) (provider.Client, error) {
		return &stubClient{text: "answer from " + string(d.Key)}, nil
	}
	r := router.New(ctx, settings, router.WithFactory(factory))

	buckets, err := ratelimit.NewMemoryBuckets(0)
	if err != nil {
		t.Fatalf("NewMemoryBuckets() error = %v", err)
	}
	svc := relay.New(r, ratelimit.NewLimiter(buckets, settings.RateLimit), store, settings,
		relay.WithOverrides(store),
		relay.WithUsageSink(store),
	)

	h := api.NewHandler(api.HandlerConfig{
		Relay:     svc,
		History:   store,
		Overrides: store,
		Admin: api.NewAdminHandler(api.AdminConfig{
			Relay:         svc,
			Settings:      store,
			Build:         build,
			Usage:         store,
			ModerationLog: store,
		}),
		HealthCheckers: []api.HealthChecker{api.NewDatabaseHealthChecker(store, store.Dialect().String())},
	})
	return h, svc
}

func call(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestIntegration_ConversationAndUsage(t *testing.T) {
	ctx := context.Background()
	store, err := repository.Open(ctx, databaseURL(t), 50)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	h, _ := newStack(t, store)
	channel := "it-" + filepath.Base(t.TempDir())

	rr := call(t, h, "POST", "/v1/channels/"+channel+"/messages", api.PostMessageRequest{
		UserID: "u1", GuildID: "g1", AuthorName: "alice", Content: "hello",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("POST status = %d, body: %s", rr.Code, rr.Body.String())
	}

	rr = call(t, h, "GET", "/v1/channels/"+channel+"/messages", nil)
	var history struct {
		Messages []domain.Turn `json:"messages"`
	}
	json.Unmarshal(rr.Body.Bytes(), &history)
	if len(history.Messages) != 2 {
		t.Fatalf("stored turns = %d, want 2", len(history.Messages))
	}
	if history.Messages[0].Content != "alice: hello" {
		t.Errorf("user turn = %q, want %q", history.Messages[0].Content, "alice: hello")
	}
	if history.Messages[1].Provider != string(provider.Gemini) {
		t.Errorf("assistant provider = %q, want gemini", history.Messages[1].Provider)
	}

	rr = call(t, h, "GET", "/admin/usage?hours=1", nil)
	var report struct {
		Providers []repository.ProviderUsage `json:"providers"`
	}
	json.Unmarshal(rr.Body.Bytes(), &report)
	found := false
	for _, p := range report.Providers {
		if p.Provider == string(provider.Gemini) && p.Calls >= 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("usage report %+v has no gemini call", report.Providers)
	}

	rr = call(t, h, "GET", "/health/ready", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("ready status = %d, body: %s", rr.Code, rr.Body.String())
	}

	call(t, h, "DELETE", "/v1/channels/"+channel+"/messages", nil)
}

func TestIntegration_SettingsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	url := databaseURL(t)

	store, err := repository.Open(ctx, url, 50)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	h, _ := newStack(t, store)

	rr := call(t, h, "PATCH", "/admin/config", map[string]string{"AI_PROVIDER": "groq"})
	if rr.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d, body: %s", rr.Code, rr.Body.String())
	}
	store.Close()

	store, err = repository.Open(ctx, url, 50)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer store.Close()
	defer store.SaveSettings(ctx, map[string]string{"AI_PROVIDER": ""})

	_, svc := newStack(t, store)
	if got := svc.Settings().Primary; got != provider.Groq {
		t.Errorf("primary after restart = %s, want groq", got)
	}
}
