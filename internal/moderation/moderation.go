// Package moderation asks a model whether a message breaks the rules and reports
// the ones it flags. It is best effort: no failure here ever reaches the chat path.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/metrics"
	"github.com/felipepmaragno/chat-relay/internal/relay"
)

const (
	SystemPrompt = "You are a moderation AI. Analyze messages for problematic content and respond only with JSON."

	promptTemplate = "Rate the following message for toxicity, spam, and rule violations. " +
		"Respond with JSON: {\"flagged\": bool, \"reason\": \"str\", \"severity\": \"low\"|\"medium\"|\"high\"}\n\n" +
		"Message: \"%s\""

	DefaultCheckTimeout = 30 * time.Second
)

// Asker is the relay entry point moderation calls back into.
type Asker interface {
	Ask(ctx context.Context, req relay.Request) (*relay.Reply, error)
}

type LogStore interface {
	RecordModeration(ctx context.Context, r domain.ModerationRecord) error
}

// Message is an inbound chat message to moderate.
type Message struct {
	GuildID    string
	ChannelID  string
	MessageID  string
	AuthorID   string
	AuthorName string
	Content    string
	// JumpURL links back to the message on the delivery surface, if it has one.
	JumpURL string
}

type Pipeline struct {
	asker   Asker
	log     LogStore
	alerter Alerter
	dedup   Deduplicator
	enabled func() bool
	timeout time.Duration
}

type Option func(*Pipeline)

func WithLogStore(s LogStore) Option {
	return func(p *Pipeline) {
		p.log = s
	}
}

func WithAlerter(a Alerter) Option {
	return func(p *Pipeline) {
		p.alerter = a
	}
}

// WithDeduplicator drops repeat alerts for a message another instance already reported.
func WithDeduplicator(d Deduplicator) Option {
	return func(p *Pipeline) {
		p.dedup = d
	}
}

// WithEnabled is consulted before every Check, so toggling moderation takes effect
// with the next configuration epoch.
func WithEnabled(f func() bool) Option {
	return func(p *Pipeline) {
		p.enabled = f
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewPipeline(asker Asker, opts ...Option) *Pipeline {
	p := &Pipeline{
		asker:   asker,
		enabled: func() bool { return true },
		timeout: DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate returns the model's verdict on text. Any failure, including an answer
// that is not exactly the expected JSON object, yields a verdict that is not flagged.
func (p *Pipeline) Evaluate(ctx context.Context, text string) domain.Verdict {
	reply, err := p.asker.Ask(ctx, relay.Request{
		Kind:         domain.KindModerationCheck,
		ChannelID:    domain.NoChannel,
		AuthorName:   "ModerationSystem",
		Content:      fmt.Sprintf(promptTemplate, text),
		SystemPrompt: SystemPrompt,
	})
	if err != nil {
		metrics.RecordModerationVerdict("error")
		slog.Warn("moderation check failed", "error", err)
		return domain.Verdict{}
	}
	if reply.Failed {
		metrics.RecordModerationVerdict("error")
		slog.Warn("moderation check failed", "error", reply.Text)
		return domain.Verdict{}
	}

	v, err := ParseVerdict(reply.Text)
	if err != nil {
		metrics.RecordModerationVerdict("invalid")
		slog.Warn("moderation model returned invalid verdict",
			"provider", reply.Provider,
			"raw", reply.Text,
			"error", err,
		)
		return domain.Verdict{}
	}

	if v.Flagged {
		metrics.RecordModerationVerdict("flagged")
	} else {
		metrics.RecordModerationVerdict("clean")
	}
	return v
}

// Check evaluates msg and, when it is flagged, logs and alerts. Log and alert
// failures are logged and swallowed.
func (p *Pipeline) Check(ctx context.Context, msg Message) domain.Verdict {
	if !p.enabled() {
		return domain.Verdict{}
	}

	v := p.Evaluate(ctx, msg.Content)
	if !v.Flagged {
		return v
	}

	if p.dedup != nil && msg.MessageID != "" && !p.dedup.ShouldAlert(ctx, msg.MessageID) {
		slog.Debug("moderation alert already sent", "message_id", msg.MessageID)
		return v
	}

	slog.Info("message flagged",
		"guild_id", msg.GuildID,
		"channel_id", msg.ChannelID,
		"message_id", msg.MessageID,
		"severity", v.Severity,
	)

	if p.log != nil {
		err := p.log.RecordModeration(ctx, domain.ModerationRecord{
			GuildID:   msg.GuildID,
			ChannelID: msg.ChannelID,
			MessageID: msg.MessageID,
			AuthorID:  msg.AuthorID,
			Reason:    v.Reason,
			Severity:  v.Severity,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			slog.Error("failed to record moderation log", "message_id", msg.MessageID, "error", err)
		}
	}

	if p.alerter != nil {
		if err := p.alerter.Alert(ctx, Alert{Message: msg, Verdict: v}); err != nil {
			slog.Error("failed to deliver moderation alert", "message_id", msg.MessageID, "error", err)
		}
	}
	return v
}

// CheckAsync runs Check in the background, detached from ctx's cancellation and
// bounded by the pipeline timeout.
func (p *Pipeline) CheckAsync(ctx context.Context, msg Message) {
	if !p.enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		p.Check(ctx, msg)
	}()
}

type rawVerdict struct {
	Flagged  *bool   `json:"flagged"`
	Reason   *string `json:"reason"`
	Severity *string `json:"severity"`
}

var errMissingField = errors.New("missing required field")

// ParseVerdict accepts exactly one JSON object with flagged, reason and severity,
// optionally wrapped in a fenced code block.
func ParseVerdict(text string) (domain.Verdict, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(StripFence(text))))
	dec.DisallowUnknownFields()

	var raw rawVerdict
	if err := dec.Decode(&raw); err != nil {
		return domain.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if dec.More() {
		return domain.Verdict{}, errors.New("trailing data after verdict")
	}

	switch {
	case raw.Flagged == nil:
		return domain.Verdict{}, fmt.Errorf("%w: flagged", errMissingField)
	case raw.Reason == nil:
		return domain.Verdict{}, fmt.Errorf("%w: reason", errMissingField)
	case raw.Severity == nil:
		return domain.Verdict{}, fmt.Errorf("%w: severity", errMissingField)
	}

	severity := domain.Severity(*raw.Severity)
	if !severity.Valid() {
		return domain.Verdict{}, fmt.Errorf("invalid severity %q", *raw.Severity)
	}

	return domain.Verdict{
		Flagged:  *raw.Flagged,
		Reason:   *raw.Reason,
		Severity: severity,
	}, nil
}

// StripFence removes a leading ``` or ```json line and a trailing ``` when both are
// present. Anything else is only trimmed.
func StripFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}

	s = strings.TrimSuffix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
	}
	return strings.TrimSpace(s)
}
