// Package router sends a conversation to the first backend that answers, walking
// the fallback order of the current configuration epoch.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/circuitbreaker"
	"github.com/felipepmaragno/chat-relay/internal/config"
	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/metrics"
	"github.com/felipepmaragno/chat-relay/internal/provider"
	"github.com/felipepmaragno/chat-relay/internal/telemetry"
)

const DefaultTimeout = 60 * time.Second

// Snapshot is everything one epoch routes with. It is never modified after publish.
type Snapshot struct {
	epoch     uint64
	registry  *provider.Registry
	order     []provider.Key
	maxTokens int
	breakers  map[provider.Key]circuitbreaker.Breaker
}

func (s *Snapshot) Epoch() uint64 {
	return s.epoch
}

func (s *Snapshot) Descriptor(key provider.Key) (provider.Descriptor, bool) {
	return s.registry.Descriptor(key)
}

type Router struct {
	current  atomic.Pointer[Snapshot]
	mu       sync.Mutex
	factory  provider.Factory
	timeout  time.Duration
	breakers *circuitbreaker.Manager
}

type Option func(*Router)

func WithFactory(f provider.Factory) Option {
	return func(r *Router) {
		r.factory = f
	}
}

// WithTimeout bounds every single provider call. A timeout counts as a failure.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithCircuitBreakers skips providers whose breaker is open.
func WithCircuitBreakers(m *circuitbreaker.Manager) Option {
	return func(r *Router) {
		r.breakers = m
	}
}

// New builds the first epoch from s.
func New(ctx context.Context, s config.Settings, opts ...Option) *Router {
	r := &Router{
		factory: provider.DefaultFactory(nil),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Reconfigure(ctx, s)
	return r
}

// Reconfigure rebuilds the registry, fallback order and breakers and publishes them
// as a new epoch. Calls already in flight finish on the snapshot they started with.
func (r *Router) Reconfigure(ctx context.Context, s config.Settings) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var epoch uint64 = 1
	if prev := r.current.Load(); prev != nil {
		epoch = prev.epoch + 1
	}

	next := &Snapshot{
		epoch:     epoch,
		registry:  provider.Build(ctx, s.Providers, r.factory),
		order:     s.FallbackOrder(),
		maxTokens: s.MaxTokens,
	}
	if r.breakers != nil {
		live := next.registry.Live()
		next.breakers = make(map[provider.Key]circuitbreaker.Breaker, len(live))
		ids := make([]circuitbreaker.ID, 0, len(live))
		for _, k := range live {
			d, _ := next.registry.Descriptor(k)
			next.breakers[k] = r.breakers.For(d)
			ids = append(ids, circuitbreaker.IDFor(d))
		}
		r.breakers.Retain(ids)
	}
	r.current.Store(next)

	slog.Info("router configured",
		"epoch", epoch,
		"order", next.order,
		"live", next.registry.Live(),
	)
	return next
}

// Current returns the published snapshot.
func (r *Router) Current() *Snapshot {
	return r.current.Load()
}

func (r *Router) Epoch() uint64 {
	return r.current.Load().epoch
}

// Order returns the fallback order of the current epoch, live or not.
func (r *Router) Order() []provider.Key {
	return append([]provider.Key(nil), r.current.Load().order...)
}

// Available returns the fallback order filtered to providers with a live client.
func (r *Router) Available() []provider.Key {
	snap := r.current.Load()
	out := make([]provider.Key, 0, len(snap.order))
	for _, k := range snap.order {
		if _, ok := snap.registry.Client(k); ok {
			out = append(out, k)
		}
	}
	return out
}

// Live reports whether key has a client in the current epoch.
func (r *Router) Live(key provider.Key) bool {
	_, ok := r.current.Load().registry.Client(key)
	return ok
}

func (r *Router) Descriptor(key provider.Key) (provider.Descriptor, bool) {
	return r.current.Load().registry.Descriptor(key)
}

type Request struct {
	History      []domain.Message
	SystemPrompt string
	// Pin, when it has a live client, is tried alone.
	Pin provider.Key
}

type Result struct {
	Text        string
	Provider    provider.Key
	DisplayName string
	Model       string
	Usage       domain.Usage
	LatencyMs   int64
	Epoch       uint64
}

type Failure struct {
	Provider    provider.Key
	DisplayName string
	Err         error
}

// AllProvidersFailedError is returned when no candidate answered. Its message is
// meant to be shown to the user as is.
type AllProvidersFailedError struct {
	Failures []Failure
}

func (e *AllProvidersFailedError) Error() string {
	return "All providers failed:\n" + e.Details()
}

// Details is one "{display name}: {error}" line per attempted provider.
func (e *AllProvidersFailedError) Details() string {
	lines := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		lines[i] = fmt.Sprintf("%s: %v", f.DisplayName, f.Err)
	}
	return strings.Join(lines, "\n")
}

// Send routes req on the current epoch.
func (r *Router) Send(ctx context.Context, req Request) (*Result, error) {
	return r.SendWith(ctx, r.current.Load(), req)
}

// SendWith tries the candidates of snap in order and returns the first answer. When
// the caller's context ends the walk stops with the context's error.
func (r *Router) SendWith(ctx context.Context, snap *Snapshot, req Request) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "router.send")
	defer span.End()

	candidates := snap.order
	if req.Pin != "" {
		if _, ok := snap.registry.Client(req.Pin); ok {
			candidates = []provider.Key{req.Pin}
		} else {
			slog.Warn("pinned provider unavailable, using fallback order", "provider", req.Pin)
		}
	}

	messages := make([]domain.Message, 0, len(req.History)+1)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: req.SystemPrompt})
	messages = append(messages, req.History...)

	var failures []Failure
	for i, key := range candidates {
		client, ok := snap.registry.Client(key)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := r.attempt(ctx, snap, key, client, messages, i)
		if err == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		failures = append(failures, Failure{
			Provider:    key,
			DisplayName: snap.registry.DisplayName(key),
			Err:         err,
		})
	}

	failErr := &AllProvidersFailedError{Failures: failures}
	telemetry.AddErrorAttribute(span, failErr)
	return nil, failErr
}

func (r *Router) attempt(ctx context.Context, snap *Snapshot, key provider.Key, client provider.Client, messages []domain.Message, position int) (*Result, error) {
	d, _ := snap.registry.Descriptor(key)

	ctx, span := telemetry.StartSpan(ctx, "provider.attempt")
	defer span.End()
	telemetry.AddAttemptAttributes(span, string(key), d.Model, position)

	cb := snap.breakers[key]
	if cb != nil {
		if err := cb.Allow(ctx); err != nil {
			metrics.RecordAttempt(string(key), "circuit_open", 0)
			telemetry.AddErrorAttribute(span, err)
			return nil, err
		}
	}

	maxTokens := snap.maxTokens
	chatReq := domain.ChatRequest{
		Model:     d.Model,
		Messages:  messages,
		MaxTokens: &maxTokens,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	start := time.Now()
	resp, err := client.ChatCompletion(callCtx, chatReq)
	elapsed := time.Since(start)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	if err == nil && resp.Text() == "" {
		err = errors.New("empty response")
	}

	if err != nil {
		outcome := "error"
		if timedOut {
			outcome = "timeout"
			err = fmt.Errorf("timed out after %s", r.timeout)
		}
		if ctx.Err() == nil {
			r.record(ctx, cb, key, false)
		}
		metrics.RecordAttempt(string(key), outcome, elapsed.Seconds())
		telemetry.AddErrorAttribute(span, err)
		slog.Warn("provider call failed",
			"provider", key,
			"latency_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	r.record(ctx, cb, key, true)
	metrics.RecordAttempt(string(key), "success", elapsed.Seconds())
	metrics.RecordTokens(string(key), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	telemetry.AddTokenAttributes(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return &Result{
		Text:        resp.Text(),
		Provider:    key,
		DisplayName: snap.registry.DisplayName(key),
		Model:       d.Model,
		Usage:       resp.Usage,
		LatencyMs:   elapsed.Milliseconds(),
		Epoch:       snap.epoch,
	}, nil
}

func (r *Router) record(ctx context.Context, cb circuitbreaker.Breaker, key provider.Key, ok bool) {
	if cb == nil {
		return
	}
	if ok {
		cb.RecordSuccess(ctx)
	} else {
		cb.RecordFailure(ctx)
	}
	metrics.SetCircuitBreakerState(string(key), int(cb.State(ctx)))
}

type TestResult struct {
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Test sends a tiny prompt to one provider, bypassing the fallback order and any
// circuit breaker.
func (r *Router) Test(ctx context.Context, key provider.Key) TestResult {
	snap := r.current.Load()

	d, ok := snap.registry.Descriptor(key)
	if !ok {
		return TestResult{Error: fmt.Sprintf("Unknown provider: %s", key)}
	}
	client, ok := snap.registry.Client(key)
	if !ok {
		return TestResult{Error: "No API key configured"}
	}

	maxTokens := 10
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	_, err := client.ChatCompletion(callCtx, domain.ChatRequest{
		Model:     d.Model,
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
		MaxTokens: &maxTokens,
	})
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return TestResult{LatencyMs: latency, Error: err.Error()}
	}
	return TestResult{Success: true, LatencyMs: latency}
}
