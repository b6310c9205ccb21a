package moderation

import (
	"context"
	"errors"
	"sync"

	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/notifications"
)

// Alert is a flagged message on its way to moderators.
type Alert struct {
	Message Message
	Verdict domain.Verdict
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// SNSAlerter publishes flagged messages as moderation_flagged notifications.
type SNSAlerter struct {
	notifier notifications.Notifier
}

func NewSNSAlerter(n notifications.Notifier) *SNSAlerter {
	return &SNSAlerter{notifier: n}
}

func (a *SNSAlerter) Alert(ctx context.Context, alert Alert) error {
	return a.notifier.Send(ctx, notifications.Notification{
		Type:    notifications.NotificationModerationFlagged,
		GuildID: alert.Message.GuildID,
		Message: alert.Verdict.Reason,
		Data: map[string]any{
			"severity":   string(alert.Verdict.Severity),
			"channel_id": alert.Message.ChannelID,
			"message_id": alert.Message.MessageID,
			"author_id":  alert.Message.AuthorID,
			"content":    alert.Message.Content,
			"jump_url":   alert.Message.JumpURL,
		},
	})
}

type InMemoryAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func NewInMemoryAlerter() *InMemoryAlerter {
	return &InMemoryAlerter{alerts: make([]Alert, 0)}
}

func (a *InMemoryAlerter) Alert(ctx context.Context, alert Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *InMemoryAlerter) Alerts() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := make([]Alert, len(a.alerts))
	copy(result, a.alerts)
	return result
}

// MultiAlerter delivers to every alerter, even after one fails.
type MultiAlerter []Alerter

func (m MultiAlerter) Alert(ctx context.Context, alert Alert) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
