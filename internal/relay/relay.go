// Package relay runs one inbound turn through rate limiting, history, routing and
// usage accounting. Delivery surfaces (HTTP, Discord) call Ask and render the Reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/chat-relay/internal/config"
	"github.com/felipepmaragno/chat-relay/internal/conversation"
	"github.com/felipepmaragno/chat-relay/internal/cost"
	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/metrics"
	"github.com/felipepmaragno/chat-relay/internal/notifications"
	"github.com/felipepmaragno/chat-relay/internal/provider"
	"github.com/felipepmaragno/chat-relay/internal/ratelimit"
	"github.com/felipepmaragno/chat-relay/internal/router"
	"github.com/felipepmaragno/chat-relay/internal/telemetry"
	"github.com/felipepmaragno/chat-relay/internal/usage"
)

// FailurePrefix starts the reply text when every provider failed.
const FailurePrefix = "Sorry, all AI providers failed:\n"

type Request struct {
	Kind       domain.TurnKind
	ChannelID  string
	GuildID    string
	UserID     string
	AuthorName string
	Content    string
	// SystemPrompt replaces both the channel and the default prompt when set.
	SystemPrompt string
}

type Reply struct {
	Text        string       `json:"text"`
	Provider    provider.Key `json:"provider,omitempty"`
	DisplayName string       `json:"display_name,omitempty"`
	LatencyMs   int64        `json:"latency_ms"`
	Epoch       uint64       `json:"epoch"`
	// Denied is set when the rate limiter refused the request. Text holds the reason.
	Denied bool            `json:"denied,omitempty"`
	Scope  ratelimit.Scope `json:"scope,omitempty"`
	// Failed is set when no provider answered. Text holds the per-provider errors.
	Failed bool `json:"failed,omitempty"`
}

// state is one configuration epoch as a request sees it. Everything a request reads
// from configuration comes from the single state it loaded first.
type state struct {
	settings config.Settings
	route    *router.Snapshot
}

type Service struct {
	router       *router.Router
	limiter      *ratelimit.Limiter
	history      conversation.Store
	overrides    conversation.OverrideStore
	sink         usage.Sink
	costs        *cost.Calculator
	notifier     notifications.Notifier
	locks        *conversation.ChannelLocks
	historyLimit int

	mu      sync.Mutex
	current atomic.Pointer[state]
	down    atomic.Bool
}

type Option func(*Service)

func WithOverrides(o conversation.OverrideStore) Option {
	return func(s *Service) {
		s.overrides = o
	}
}

func WithUsageSink(sink usage.Sink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

func WithCostCalculator(c *cost.Calculator) Option {
	return func(s *Service) {
		s.costs = c
	}
}

// WithNotifier reports the moment every provider starts failing.
func WithNotifier(n notifications.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithHistoryLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// New wires a service around an already configured router and limiter. settings
// must be the settings both were built from.
func New(r *router.Router, l *ratelimit.Limiter, history conversation.Store, settings config.Settings, opts ...Option) *Service {
	s := &Service{
		router:       r,
		limiter:      l,
		history:      history,
		costs:        cost.NewCalculator(),
		locks:        conversation.NewChannelLocks(),
		historyLimit: conversation.DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	route := r.Current()
	s.current.Store(&state{settings: settings.Clone(), route: route})
	metrics.SetConfigEpoch(route.Epoch())
	return s
}

// Reconfigure validates settings, builds the router snapshot and publishes both as
// one epoch. Reconfigurations are serialized. A request keeps the epoch it loaded
// first, for the limiter, the prompt and the router alike.
func (s *Service) Reconfigure(ctx context.Context, settings config.Settings) (uint64, error) {
	if err := settings.Validate(); err != nil {
		return 0, err
	}
	settings = settings.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	route := s.router.Reconfigure(ctx, settings)
	s.limiter.Configure(settings.RateLimit)
	s.current.Store(&state{settings: settings, route: route})
	s.down.Store(false)
	epoch := route.Epoch()

	metrics.SetConfigEpoch(epoch)
	slog.Info("configuration published", "epoch", epoch, "primary", settings.Primary)
	return epoch, nil
}

func (s *Service) Epoch() uint64 {
	return s.current.Load().route.Epoch()
}

// Settings returns a copy of the current epoch's settings.
func (s *Service) Settings() config.Settings {
	return s.current.Load().settings.Clone()
}

func (s *Service) Router() *router.Router {
	return s.router
}

// Ask handles one turn. Rate-limit denials and total provider failure are replies,
// not errors. An error means a store failed or ctx ended; in the latter case no
// assistant turn is written.
func (s *Service) Ask(ctx context.Context, req Request) (*Reply, error) {
	if req.Kind == "" {
		req.Kind = domain.KindMention
	}

	start := time.Now()
	metrics.IncrementActiveRequests()
	defer metrics.DecrementActiveRequests()

	ctx, span := telemetry.StartSpan(ctx, "relay.ask")
	defer span.End()
	telemetry.AddRequestAttributes(span, string(req.Kind), req.ChannelID, req.GuildID, "")

	var (
		reply *Reply
		err   error
	)
	if req.Kind.Accounted() {
		reply, err = s.ask(ctx, req)
	} else {
		reply, err = s.check(ctx, req)
	}

	status := "success"
	switch {
	case err != nil:
		status = "error"
		telemetry.AddErrorAttribute(span, err)
	case reply.Denied:
		status = "rate_limited"
	case reply.Failed:
		status = "failed"
	}
	metrics.RecordRequest(string(req.Kind), status, time.Since(start).Seconds())
	return reply, err
}

// check is the side path for moderation: no limiter, no history, no usage event.
func (s *Service) check(ctx context.Context, req Request) (*Reply, error) {
	st := s.current.Load()

	res, err := s.router.SendWith(ctx, st.route, router.Request{
		History:      []domain.Message{{Role: domain.RoleUser, Content: req.Content}},
		SystemPrompt: firstNonEmpty(req.SystemPrompt, st.settings.SystemPrompt),
	})
	if err != nil {
		var failed *router.AllProvidersFailedError
		if errors.As(err, &failed) {
			return &Reply{Text: FailurePrefix + failed.Details(), Failed: true, Epoch: st.route.Epoch()}, nil
		}
		return nil, err
	}
	return replyFrom(res), nil
}

func (s *Service) ask(ctx context.Context, req Request) (*Reply, error) {
	st := s.current.Load()

	decision, err := s.limiter.CheckWith(ctx, st.settings.RateLimit, req.UserID, req.GuildID)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	if !decision.Allowed {
		metrics.RecordRateLimitDenial(string(decision.Scope))
		slog.Info("request rate limited",
			"scope", decision.Scope,
			"user_id", req.UserID,
			"guild_id", req.GuildID,
		)
		return &Reply{Text: decision.Reason, Denied: true, Scope: decision.Scope, Epoch: st.route.Epoch()}, nil
	}

	unlock, err := s.locks.Lock(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.history.Append(ctx, domain.Turn{
		ChannelID: req.ChannelID,
		Role:      domain.RoleUser,
		Content:   userContent(req),
		Kind:      req.Kind,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}

	turns, err := s.history.Read(ctx, req.ChannelID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	prompt := st.settings.SystemPrompt
	var pin provider.Key
	if s.overrides != nil {
		o, err := s.overrides.Overrides(ctx, req.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("read channel overrides: %w", err)
		}
		prompt = firstNonEmpty(o.SystemPrompt, prompt)
		pin = provider.Key(o.Provider)
	}
	prompt = firstNonEmpty(req.SystemPrompt, prompt)

	callStart := time.Now()
	res, sendErr := s.router.SendWith(ctx, st.route, router.Request{
		History:      conversation.Messages(turns),
		SystemPrompt: prompt,
		Pin:          pin,
	})

	var failed *router.AllProvidersFailedError
	switch {
	case sendErr == nil:
		s.down.Store(false)
	case errors.As(sendErr, &failed):
		s.providersDown(ctx, failed)
	}

	// the requester is gone: keep the books but deliver nothing
	if ctx.Err() != nil {
		s.recordUsage(context.WithoutCancel(ctx), st, req, res, time.Since(callStart))
		slog.Info("request abandoned, dropping response", "channel_id", req.ChannelID)
		return nil, ctx.Err()
	}

	if failed != nil {
		s.recordUsage(ctx, st, req, nil, time.Since(callStart))
		return &Reply{Text: FailurePrefix + failed.Details(), Failed: true, Epoch: st.route.Epoch()}, nil
	}
	if sendErr != nil {
		return nil, sendErr
	}

	err = s.history.Append(ctx, domain.Turn{
		ChannelID: req.ChannelID,
		Role:      domain.RoleAssistant,
		Content:   res.Text,
		Provider:  string(res.Provider),
		Kind:      req.Kind,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("append assistant turn: %w", err)
	}

	s.recordUsage(ctx, st, req, res, time.Since(callStart))
	return replyFrom(res), nil
}

// recordUsage emits one event per user-facing router call. Sink errors are logged;
// accounting never fails a reply.
func (s *Service) recordUsage(ctx context.Context, st *state, req Request, res *router.Result, elapsed time.Duration) {
	if s.sink == nil {
		return
	}

	event := domain.UsageEvent{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		GuildID:   req.GuildID,
		ChannelID: req.ChannelID,
		UserID:    req.UserID,
		LatencyMs: elapsed.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if res != nil {
		free := false
		if d, ok := st.route.Descriptor(res.Provider); ok {
			free = d.Free
		}
		event.Provider = string(res.Provider)
		event.Success = true
		event.InputTokens = res.Usage.PromptTokens
		event.OutputTokens = res.Usage.CompletionTokens
		event.LatencyMs = res.LatencyMs
		event.EstimatedCost = s.costs.Estimate(free, res.Model, res.Usage)
		metrics.RecordCost(event.Provider, event.EstimatedCost)
	}

	if err := s.sink.Record(ctx, event); err != nil {
		slog.Error("failed to record usage", "event_id", event.ID, "error", err)
	}
}

func (s *Service) providersDown(ctx context.Context, failed *router.AllProvidersFailedError) {
	if s.notifier == nil || s.down.Swap(true) {
		return
	}
	err := s.notifier.Send(ctx, notifications.Notification{
		Type:    notifications.NotificationProvidersDown,
		Message: failed.Error(),
		Data:    map[string]any{"epoch": s.Epoch(), "attempted": len(failed.Failures)},
	})
	if err != nil {
		slog.Warn("failed to send providers down notification", "error", err)
	}
}

func replyFrom(res *router.Result) *Reply {
	return &Reply{
		Text:        res.Text,
		Provider:    res.Provider,
		DisplayName: res.DisplayName,
		LatencyMs:   res.LatencyMs,
		Epoch:       res.Epoch,
	}
}

func userContent(req Request) string {
	if req.AuthorName == "" {
		return req.Content
	}
	return req.AuthorName + ": " + req.Content
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
