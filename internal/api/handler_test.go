package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/auth"
	"github.com/felipepmaragno/chat-relay/internal/config"
	"github.com/felipepmaragno/chat-relay/internal/conversation"
	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/provider"
	"github.com/felipepmaragno/chat-relay/internal/ratelimit"
	"github.com/felipepmaragno/chat-relay/internal/relay"
	"github.com/felipepmaragno/chat-relay/internal/repository"
	"github.com/felipepmaragno/chat-relay/internal/router"
)

// =============================================================================
// Mocks
// =============================================================================

type MockClient struct {
	ChatCompletionFunc func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

func (m *MockClient) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return m.ChatCompletionFunc(ctx, req)
}

type MockUsageReporter struct {
	UsageByProviderFunc func(ctx context.Context, since time.Time) ([]repository.ProviderUsage, error)
}

func (m *MockUsageReporter) UsageByProvider(ctx context.Context, since time.Time) ([]repository.ProviderUsage, error) {
	return m.UsageByProviderFunc(ctx, since)
}

type MockModerationLog struct {
	ModerationLogFunc func(ctx context.Context, guildID string, limit int) ([]domain.ModerationRecord, error)
}

func (m *MockModerationLog) ModerationLog(ctx context.Context, guildID string, limit int) ([]domain.ModerationRecord, error) {
	return m.ModerationLogFunc(ctx, guildID, limit)
}

// =============================================================================
// Test Helpers
// =============================================================================

func replyWith(text string) *MockClient {
	return &MockClient{
		ChatCompletionFunc: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{
				Choices: []domain.Choice{{Message: &domain.Message{Role: domain.RoleAssistant, Content: text}}},
				Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 20},
			}, nil
		},
	}
}

func failWith(msg string) *MockClient {
	return &MockClient{
		ChatCompletionFunc: func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, errors.New(msg)
		},
	}
}

type testEnv struct {
	handler  *Handler
	relay    *relay.Service
	history  *conversation.MemoryStore
	settings *MemorySettingsStore
	base     config.Settings
}

type envOption func(*HandlerConfig, *AdminConfig)

func setupTestHandler(t *testing.T, clients map[provider.Key]*MockClient, mutate func(*config.Settings), opts ...envOption) *testEnv {
	t.Helper()

	base := config.DefaultSettings()
	for k := range clients {
		d := base.Providers[k]
		d.Credential = "key-" + string(k)
		base.Providers[k] = d
	}
	if mutate != nil {
		mutate(&base)
	}

	factory := func(_ context.Context, d provider.Descriptor) (provider.Client, error) {
		return clients[d.Key], nil
	}
	r := router.New(context.Background(), base, router.WithFactory(factory))

	buckets, err := ratelimit.NewMemoryBuckets(0)
	if err != nil {
		t.Fatalf("NewMemoryBuckets() error = %v", err)
	}
	limiter := ratelimit.NewLimiter(buckets, base.RateLimit)

	history := conversation.NewMemoryStore(0)
	svc := relay.New(r, limiter, history, base, relay.WithOverrides(history))

	settingsStore := NewMemorySettingsStore()
	adminCfg := AdminConfig{
		Relay:    svc,
		Settings: settingsStore,
		Build: func(ctx context.Context, persisted map[string]string) (config.Settings, error) {
			s := base.Clone()
			if err := config.Apply(&s, persisted); err != nil {
				return config.Settings{}, err
			}
			if err := s.Validate(); err != nil {
				return config.Settings{}, err
			}
			return s, nil
		},
	}
	cfg := HandlerConfig{
		Relay:     svc,
		History:   history,
		Overrides: history,
	}
	for _, opt := range opts {
		opt(&cfg, &adminCfg)
	}
	cfg.Admin = NewAdminHandler(adminCfg)

	return &testEnv{
		handler:  NewHandler(cfg),
		relay:    svc,
		history:  history,
		settings: settingsStore,
		base:     base,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	errObj, ok := decode(t, rr)["error"].(map[string]any)
	if !ok {
		t.Fatalf("response should contain error object, got %s", rr.Body.String())
	}
	return errObj
}

func postMessage(content string) PostMessageRequest {
	return PostMessageRequest{UserID: "u1", GuildID: "g1", AuthorName: "alice", Content: content}
}

// =============================================================================
// Channel Messages
// =============================================================================

func TestHandlePostMessage(t *testing.T) {
	tests := []struct {
		name       string
		clients    map[provider.Key]*MockClient
		body       any
		wantStatus int
		wantType   string
	}{
		{
			name:       "success",
			clients:    map[provider.Key]*MockClient{provider.Gemini: replyWith("hi alice")},
			body:       postMessage("hello"),
			wantStatus: http.StatusOK,
		},
		{
			name: "all providers failed",
			clients: map[provider.Key]*MockClient{
				provider.Gemini: failWith("quota exceeded"),
				provider.Groq:   failWith("bad gateway"),
			},
			body:       postMessage("hello"),
			wantStatus: http.StatusBadGateway,
			wantType:   "all_providers_failed",
		},
		{
			name:       "invalid body",
			clients:    map[provider.Key]*MockClient{provider.Gemini: replyWith("hi")},
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantType:   "error",
		},
		{
			name:       "empty content",
			clients:    map[provider.Key]*MockClient{provider.Gemini: replyWith("hi")},
			body:       postMessage("   "),
			wantStatus: http.StatusBadRequest,
			wantType:   "error",
		},
		{
			name:    "moderation kind rejected",
			clients: map[provider.Key]*MockClient{provider.Gemini: replyWith("hi")},
			body: PostMessageRequest{
				UserID:  "u1",
				Content: "hello",
				Kind:    domain.KindModerationCheck,
			},
			wantStatus: http.StatusBadRequest,
			wantType:   "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, tt.clients, nil)

			rr := env.do(t, "POST", "/v1/channels/c1/messages", tt.body)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if rr.Header().Get("X-Request-ID") == "" && tt.wantStatus != http.StatusBadRequest {
				t.Error("X-Request-ID header should be set")
			}
			if tt.wantType != "" {
				if got := errorOf(t, rr)["type"]; got != tt.wantType {
					t.Errorf("error type = %v, want %s", got, tt.wantType)
				}
			}
		})
	}
}

func TestHandlePostMessage_Success(t *testing.T) {
	env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: replyWith("hi alice")}, nil)

	req := httptest.NewRequest("POST", "/v1/channels/c1/messages", strings.NewReader(`{"user_id":"u1","guild_id":"g1","author_name":"alice","content":"hello"}`))
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rr.Code, rr.Body.String())
	}

	var resp PostMessageResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp.Text != "hi alice" {
		t.Errorf("text = %q, want %q", resp.Text, "hi alice")
	}
	if resp.Provider != provider.Gemini {
		t.Errorf("provider = %q, want gemini", resp.Provider)
	}
	if resp.DisplayName != "Google Gemini" {
		t.Errorf("display_name = %q, want Google Gemini", resp.DisplayName)
	}
	if resp.RequestID != "req-123" {
		t.Errorf("request_id = %q, want req-123", resp.RequestID)
	}
	if resp.Epoch != env.relay.Epoch() {
		t.Errorf("epoch = %d, want %d", resp.Epoch, env.relay.Epoch())
	}

	turns, _ := env.history.Read(context.Background(), "c1", 20)
	if len(turns) != 2 {
		t.Fatalf("history length = %d, want 2", len(turns))
	}
	if turns[0].Role != domain.RoleUser || turns[1].Role != domain.RoleAssistant {
		t.Errorf("roles = %s, %s, want user, assistant", turns[0].Role, turns[1].Role)
	}
}

func TestHandlePostMessage_AllProvidersFailedText(t *testing.T) {
	env := setupTestHandler(t, map[provider.Key]*MockClient{
		provider.Gemini: failWith("quota exceeded"),
		provider.Groq:   failWith("bad gateway"),
	}, nil)

	rr := env.do(t, "POST", "/v1/channels/c1/messages", postMessage("hello"))

	msg, _ := errorOf(t, rr)["message"].(string)
	want := relay.FailurePrefix + "Google Gemini: quota exceeded\nGroq: bad gateway"
	if msg != want {
		t.Errorf("message = %q, want %q", msg, want)
	}
}

func TestHandlePostMessage_RateLimited(t *testing.T) {
	env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: replyWith("ok")}, func(s *config.Settings) {
		s.RateLimit.UserLimit = 1
	})

	first := env.do(t, "POST", "/v1/channels/c1/messages", postMessage("one"))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.Code)
	}

	second := env.do(t, "POST", "/v1/channels/c1/messages", postMessage("two"))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.Code)
	}
	if got := errorOf(t, second)["type"]; got != "rate_limit_exceeded" {
		t.Errorf("error type = %v, want rate_limit_exceeded", got)
	}

	turns, _ := env.history.Read(context.Background(), "c1", 20)
	if len(turns) != 2 {
		t.Errorf("history length = %d, want 2 (denied request must not be stored)", len(turns))
	}
}

func TestHandleGetAndClearMessages(t *testing.T) {
	env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: replyWith("ok")}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.history.Append(ctx, domain.Turn{ChannelID: "c1", Role: domain.RoleUser, Content: "msg"})
	}

	rr := env.do(t, "GET", "/v1/channels/c1/messages?limit=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", rr.Code)
	}
	resp := decode(t, rr)
	if resp["count"] != float64(2) {
		t.Errorf("count = %v, want 2", resp["count"])
	}

	rr = env.do(t, "DELETE", "/v1/channels/c1/messages", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", rr.Code)
	}
	if got := decode(t, rr)["deleted"]; got != float64(3) {
		t.Errorf("deleted = %v, want 3", got)
	}

	rr = env.do(t, "GET", "/v1/channels/c1/messages", nil)
	resp = decode(t, rr)
	if resp["count"] != float64(0) {
		t.Errorf("count after clear = %v, want 0", resp["count"])
	}
	if msgs, ok := resp["messages"].([]any); !ok || len(msgs) != 0 {
		t.Errorf("messages = %v, want empty array", resp["messages"])
	}
}

func TestHandleListChannels(t *testing.T) {
	env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: replyWith("ok")}, nil)

	env.do(t, "POST", "/v1/channels/c1/messages", postMessage("hello"))
	env.do(t, "POST", "/v1/channels/c2/messages", postMessage("hello"))

	rr := env.do(t, "GET", "/v1/channels", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := decode(t, rr)["count"]; got != float64(2) {
		t.Errorf("count = %v, want 2", got)
	}
}

// =============================================================================
// Channel Overrides
// =============================================================================

func TestHandlePrompt(t *testing.T) {
	gemini := replyWith("arr")
	var gotSystem string
	inner := gemini.ChatCompletionFunc
	gemini.ChatCompletionFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if len(req.Messages) > 0 && req.Messages[0].Role == domain.RoleSystem {
			gotSystem = req.Messages[0].Content
		}
		return inner(ctx, req)
	}
	env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: gemini}, nil)

	rr := env.do(t, "GET", "/v1/channels/c1/prompt", nil)
	if got := decode(t, rr)["default"]; got != true {
		t.Errorf("default = %v, want true", got)
	}

	rr = env.do(t, "PUT", "/v1/channels/c1/prompt", PromptRequest{SystemPrompt: "Talk like a pirate."})
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200, body: %s", rr.Code, rr.Body.String())
	}

	env.do(t, "POST", "/v1/channels/c1/messages", postMessage("hello"))
	if gotSystem != "Talk like a pirate." {
		t.Errorf("system prompt = %q, want channel prompt", gotSystem)
	}

	rr = env.do(t, "PUT", "/v1/channels/c1/prompt", PromptRequest{SystemPrompt: "  "})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty prompt status = %d, want 400", rr.Code)
	}

	rr = env.do(t, "DELETE", "/v1/channels/c1/prompt", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", rr.Code)
	}
	rr = env.do(t, "GET", "/v1/channels/c1/prompt", nil)
	if got := decode(t, rr)["default"]; got != true {
		t.Errorf("default after delete = %v, want true", got)
	}
}

func TestHandlePutProvider(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		wantStatus int
	}{
		{"live provider", "groq", http.StatusOK},
		{"case insensitive", "GROQ", http.StatusOK},
		{"unknown provider", "nope", http.StatusBadRequest},
		{"not configured", "anthropic", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, map[provider.Key]*MockClient{
				provider.Gemini: replyWith("gemini"),
				provider.Groq:   replyWith("groq"),
			}, nil)

			rr := env.do(t, "PUT", "/v1/channels/c1/provider", ProviderRequest{Provider: tt.provider})
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestHandleProvider_PinRoutesAndClears(t *testing.T) {
	env := setupTestHandler(t, map[provider.Key]*MockClient{
		provider.Gemini: replyWith("from gemini"),
		provider.Groq:   replyWith("from groq"),
	}, nil)

	env.do(t, "PUT", "/v1/channels/c1/provider", ProviderRequest{Provider: "groq"})

	rr := env.do(t, "GET", "/v1/channels/c1/provider", nil)
	if got := decode(t, rr)["provider"]; got != "groq" {
		t.Errorf("provider = %v, want groq", got)
	}

	var resp PostMessageResponse
	rr = env.do(t, "POST", "/v1/channels/c1/messages", postMessage("hello"))
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Provider != provider.Groq {
		t.Errorf("pinned channel answered by %q, want groq", resp.Provider)
	}

	env.do(t, "DELETE", "/v1/channels/c1/provider", nil)
	rr = env.do(t, "POST", "/v1/channels/c1/messages", postMessage("again"))
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Provider != provider.Gemini {
		t.Errorf("unpinned channel answered by %q, want gemini", resp.Provider)
	}
}

// slowOverrides widens the gap between reading and saving a channel's overrides.
type slowOverrides struct {
	*conversation.MemoryStore
	delay time.Duration
}

func (s *slowOverrides) Overrides(ctx context.Context, channelID string) (domain.ChannelOverrides, error) {
	o, err := s.MemoryStore.Overrides(ctx, channelID)
	time.Sleep(s.delay)
	return o, err
}

func TestHandleOverrides_ConcurrentUpdatesKeepBoth(t *testing.T) {
	var store *slowOverrides
	env := setupTestHandler(t, map[provider.Key]*MockClient{
		provider.Gemini: replyWith("gemini"),
		provider.Groq:   replyWith("groq"),
	}, nil, func(cfg *HandlerConfig, _ *AdminConfig) {
		store = &slowOverrides{MemoryStore: cfg.History.(*conversation.MemoryStore), delay: 20 * time.Millisecond}
		cfg.Overrides = store
	})

	codes := make([]int, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		codes[0] = env.do(t, "PUT", "/v1/channels/c1/prompt", PromptRequest{SystemPrompt: "Talk like a pirate."}).Code
	}()
	go func() {
		defer wg.Done()
		codes[1] = env.do(t, "PUT", "/v1/channels/c1/provider", ProviderRequest{Provider: "groq"}).Code
	}()
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}

	o, err := env.history.Overrides(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Overrides() error = %v", err)
	}
	if o.SystemPrompt != "Talk like a pirate." {
		t.Errorf("SystemPrompt = %q, want the prompt update", o.SystemPrompt)
	}
	if o.Provider != string(provider.Groq) {
		t.Errorf("Provider = %q, want groq", o.Provider)
	}
}

func TestHandleOverrides_NotConfigured(t *testing.T) {
	env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: replyWith("ok")}, nil,
		func(cfg *HandlerConfig, _ *AdminConfig) { cfg.Overrides = nil })

	rr := env.do(t, "GET", "/v1/channels/c1/prompt", nil)
	if rr.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rr.Code)
	}
}

// =============================================================================
// Providers
// =============================================================================

func TestHandleListProviders(t *testing.T) {
	env := setupTestHandler(t, map[provider.Key]*MockClient{
		provider.Gemini: replyWith("ok"),
		provider.Groq:   replyWith("ok"),
	}, nil)

	rr := env.do(t, "GET", "/v1/providers", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp struct {
		Providers     []ProviderStatus `json:"providers"`
		FallbackOrder []provider.Key   `json:"fallback_order"`
		Available     []provider.Key   `json:"available"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}

	if len(resp.Providers) != len(provider.AllKeys()) {
		t.Errorf("providers = %d, want %d", len(resp.Providers), len(provider.AllKeys()))
	}
	for _, p := range resp.Providers {
		wantLive := p.Key == provider.Gemini || p.Key == provider.Groq
		if p.Live != wantLive {
			t.Errorf("%s live = %v, want %v", p.Key, p.Live, wantLive)
		}
		if p.Primary != (p.Key == provider.Gemini) {
			t.Errorf("%s primary = %v", p.Key, p.Primary)
		}
	}

	wantAvailable := []provider.Key{provider.Gemini, provider.Groq}
	if len(resp.Available) != len(wantAvailable) {
		t.Fatalf("available = %v, want %v", resp.Available, wantAvailable)
	}
	for i := range wantAvailable {
		if resp.Available[i] != wantAvailable[i] {
			t.Errorf("available[%d] = %s, want %s", i, resp.Available[i], wantAvailable[i])
		}
	}
}

func TestHandleTestProvider(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		wantSuccess bool
		wantError   string
	}{
		{"live provider", "gemini", true, ""},
		{"failing provider", "groq", false, "bad gateway"},
		{"not configured", "openai", false, "No API key configured"},
		{"unknown provider", "nope", false, "Unknown provider: nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, map[provider.Key]*MockClient{
				provider.Gemini: replyWith("hi"),
				provider.Groq:   failWith("bad gateway"),
			}, nil)

			rr := env.do(t, "POST", "/v1/providers/"+tt.key+"/test", nil)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rr.Code)
			}

			var result router.TestResult
			json.Unmarshal(rr.Body.Bytes(), &result)
			if result.Success != tt.wantSuccess {
				t.Errorf("success = %v, want %v", result.Success, tt.wantSuccess)
			}
			if result.Error != tt.wantError {
				t.Errorf("error = %q, want %q", result.Error, tt.wantError)
			}
		})
	}
}

// =============================================================================
// Authentication
// =============================================================================

func TestAuthentication(t *testing.T) {
	token := "s3cret-token"
	hash, err := auth.HashToken(token)
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}
	authn, err := auth.NewAuthenticator(hash)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: replyWith("ok")}, nil,
		func(cfg *HandlerConfig, _ *AdminConfig) { cfg.Auth = authn })

	tests := []struct {
		name       string
		path       string
		authHeader string
		wantStatus int
	}{
		{"missing token", "/v1/channels", "", http.StatusUnauthorized},
		{"wrong token", "/v1/channels", "Bearer wrong", http.StatusUnauthorized},
		{"valid token", "/v1/channels", "Bearer " + token, http.StatusOK},
		{"admin without token", "/admin/config", "", http.StatusUnauthorized},
		{"admin with token", "/admin/config", "Bearer " + token, http.StatusOK},
		{"health is public", "/health/live", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			env.handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

// =============================================================================
// Health
// =============================================================================

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		checkers   []HealthChecker
		wantStatus int
		wantState  string
	}{
		{"live", "/health/live", nil, http.StatusOK, "ok"},
		{"ready without checkers", "/health/ready", nil, http.StatusOK, "ready"},
		{
			name: "ready with healthy dependency",
			path: "/health/ready",
			checkers: []HealthChecker{
				CheckerFunc{CheckName: "database", Fn: func(ctx context.Context) error { return nil }},
			},
			wantStatus: http.StatusOK,
			wantState:  "ready",
		},
		{
			name: "not ready when a dependency fails",
			path: "/health/ready",
			checkers: []HealthChecker{
				CheckerFunc{CheckName: "database", Fn: func(ctx context.Context) error { return nil }},
				CheckerFunc{CheckName: "redis", Fn: func(ctx context.Context) error { return errors.New("connection refused") }},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: replyWith("ok")}, nil,
				func(cfg *HandlerConfig, _ *AdminConfig) { cfg.HealthCheckers = tt.checkers })

			rr := env.do(t, "GET", tt.path, nil)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := decode(t, rr)["status"]; got != tt.wantState {
				t.Errorf("status field = %v, want %s", got, tt.wantState)
			}
		})
	}
}

func TestDatabaseHealthChecker(t *testing.T) {
	checker := NewDatabaseHealthChecker(pingerFunc(func(ctx context.Context) error {
		return errors.New("down")
	}), "postgres")

	if checker.Name() != "postgres" {
		t.Errorf("Name() = %q, want postgres", checker.Name())
	}
	if err := checker.Check(context.Background()); err == nil {
		t.Error("Check() should return the ping error")
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// =============================================================================
// Admin
// =============================================================================

func TestAdminGetConfig(t *testing.T) {
	env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: replyWith("ok")}, nil)
	env.settings.SaveSettings(context.Background(), map[string]string{
		"GROQ_API_KEY": "gsk-secret",
		"MAX_TOKENS":   "512",
	})

	rr := env.do(t, "GET", "/admin/config", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	body := rr.Body.String()
	if strings.Contains(body, "gsk-secret") || strings.Contains(body, "key-gemini") {
		t.Errorf("config response leaks a credential: %s", body)
	}

	overrides, _ := decode(t, rr)["overrides"].(map[string]any)
	if overrides["GROQ_API_KEY"] != redacted {
		t.Errorf("GROQ_API_KEY = %v, want redacted", overrides["GROQ_API_KEY"])
	}
	if overrides["MAX_TOKENS"] != "512" {
		t.Errorf("MAX_TOKENS = %v, want 512", overrides["MAX_TOKENS"])
	}
}

func TestAdminPatchConfig(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantEpoch  bool
	}{
		{"unknown key", map[string]string{"NOT_A_SETTING": "1"}, http.StatusBadRequest, false},
		{"unparseable value", map[string]string{"MAX_TOKENS": "lots"}, http.StatusBadRequest, false},
		{"invalid value", map[string]string{"RATE_LIMIT_USER": "0"}, http.StatusBadRequest, false},
		{"unknown provider", map[string]string{"AI_PROVIDER": "nope"}, http.StatusBadRequest, false},
		{"empty patch", map[string]string{}, http.StatusBadRequest, false},
		{"invalid body", "[1,2]", http.StatusBadRequest, false},
		{"valid change", map[string]string{"MAX_TOKENS": "256", "AI_PROVIDER": "groq"}, http.StatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t, map[provider.Key]*MockClient{
				provider.Gemini: replyWith("ok"),
				provider.Groq:   replyWith("ok"),
			}, nil)
			before := env.relay.Epoch()

			rr := env.do(t, "PATCH", "/admin/config", tt.body)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			bumped := env.relay.Epoch() > before
			if bumped != tt.wantEpoch {
				t.Errorf("epoch bumped = %v, want %v", bumped, tt.wantEpoch)
			}

			stored, _ := env.settings.LoadSettings(context.Background())
			if !tt.wantEpoch && len(stored) != 0 {
				t.Errorf("rejected patch stored %v", stored)
			}
		})
	}
}

func TestAdminPatchConfig_PublishesSettings(t *testing.T) {
	env := setupTestHandler(t, map[provider.Key]*MockClient{
		provider.Gemini: replyWith("from gemini"),
		provider.Groq:   replyWith("from groq"),
	}, nil)

	rr := env.do(t, "PATCH", "/admin/config", map[string]string{"AI_PROVIDER": "groq"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", rr.Code, rr.Body.String())
	}

	var resp PostMessageResponse
	rr = env.do(t, "POST", "/v1/channels/c1/messages", postMessage("hello"))
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Provider != provider.Groq {
		t.Errorf("provider after switch = %q, want groq", resp.Provider)
	}
	if resp.Epoch != env.relay.Epoch() {
		t.Errorf("reply epoch = %d, want %d", resp.Epoch, env.relay.Epoch())
	}

	// An empty value removes the override and falls back to the defaults.
	rr = env.do(t, "PATCH", "/admin/config", map[string]string{"AI_PROVIDER": ""})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := env.relay.Settings().Primary; got != provider.Gemini {
		t.Errorf("primary after removal = %s, want gemini", got)
	}
	stored, _ := env.settings.LoadSettings(context.Background())
	if _, ok := stored["AI_PROVIDER"]; ok {
		t.Error("AI_PROVIDER should be removed from the store")
	}
}

func TestAdminUsageAndModeration(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: replyWith("ok")}, nil)

		for _, path := range []string{"/admin/usage", "/admin/moderation"} {
			rr := env.do(t, "GET", path, nil)
			if rr.Code != http.StatusNotImplemented {
				t.Errorf("%s status = %d, want 501", path, rr.Code)
			}
		}
	})

	t.Run("configured", func(t *testing.T) {
		var gotSince time.Time
		var gotGuild string
		var gotLimit int

		env := setupTestHandler(t, map[provider.Key]*MockClient{provider.Gemini: replyWith("ok")}, nil,
			func(_ *HandlerConfig, admin *AdminConfig) {
				admin.Usage = &MockUsageReporter{
					UsageByProviderFunc: func(ctx context.Context, since time.Time) ([]repository.ProviderUsage, error) {
						gotSince = since
						return []repository.ProviderUsage{{Provider: "groq", Calls: 2}}, nil
					},
				}
				admin.ModerationLog = &MockModerationLog{
					ModerationLogFunc: func(ctx context.Context, guildID string, limit int) ([]domain.ModerationRecord, error) {
						gotGuild, gotLimit = guildID, limit
						return nil, nil
					},
				}
			})

		rr := env.do(t, "GET", "/admin/usage?hours=2", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("usage status = %d, want 200", rr.Code)
		}
		if d := time.Since(gotSince); d < 2*time.Hour || d > 2*time.Hour+time.Minute {
			t.Errorf("since = %v ago, want about 2h", d)
		}

		rr = env.do(t, "GET", "/admin/moderation?guild_id=g1&limit=5", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("moderation status = %d, want 200", rr.Code)
		}
		if gotGuild != "g1" || gotLimit != 5 {
			t.Errorf("ModerationLog(%q, %d), want (g1, 5)", gotGuild, gotLimit)
		}
		if records, ok := decode(t, rr)["records"].([]any); !ok || len(records) != 0 {
			t.Errorf("records = %v, want empty array", decode(t, rr)["records"])
		}
	})
}

func TestRedact(t *testing.T) {
	got := redact(map[string]string{
		"OPENAI_API_KEY": "sk-1",
		"GROQ_API_KEY":   "",
		"SYSTEM_PROMPT":  "be nice",
	})

	if got["OPENAI_API_KEY"] != redacted {
		t.Errorf("OPENAI_API_KEY = %q, want redacted", got["OPENAI_API_KEY"])
	}
	if got["GROQ_API_KEY"] != "" {
		t.Errorf("empty GROQ_API_KEY = %q, want empty", got["GROQ_API_KEY"])
	}
	if got["SYSTEM_PROMPT"] != "be nice" {
		t.Errorf("SYSTEM_PROMPT = %q, want unchanged", got["SYSTEM_PROMPT"])
	}
}

// =============================================================================
// Helpers
// =============================================================================

func TestWriteError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
	}{
		{"bad request", http.StatusBadRequest, "invalid input"},
		{"unauthorized", http.StatusUnauthorized, "missing token"},
		{"internal error", http.StatusInternalServerError, "something went wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()

			writeError(rr, tt.status, tt.message)

			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			errObj := errorOf(t, rr)
			if errObj["message"] != tt.message {
				t.Errorf("error message = %v, want %q", errObj["message"], tt.message)
			}
			if errObj["code"] != float64(tt.status) {
				t.Errorf("error code = %v, want %d", errObj["code"], tt.status)
			}
		})
	}
}

func TestQueryInt(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=0", 20},
		{"limit=-3", 20},
		{"limit=abc", 20},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/x?"+tt.query, nil)
			if got := queryInt(req, "limit", 20); got != tt.want {
				t.Errorf("queryInt() = %d, want %d", got, tt.want)
			}
		})
	}
}
