package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

type mockSNS struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error)
}

func (m *mockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params)
}

func TestSNSNotifier_Send(t *testing.T) {
	var published *sns.PublishInput
	n := &SNSNotifier{
		topicArn: "arn:aws:sns:us-east-1:123:relay-alerts",
		client: &mockSNS{PublishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
			published = params
			return &sns.PublishOutput{}, nil
		}},
	}

	err := n.Send(context.Background(), Notification{
		Type:    NotificationModerationFlagged,
		GuildID: "g1",
		Message: "spam",
		Data:    map[string]any{"severity": "high"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if aws.ToString(published.TopicArn) != "arn:aws:sns:us-east-1:123:relay-alerts" {
		t.Errorf("TopicArn = %s", aws.ToString(published.TopicArn))
	}
	if got := aws.ToString(published.MessageAttributes["Type"].StringValue); got != "moderation_flagged" {
		t.Errorf("Type attribute = %s", got)
	}
	if got := aws.ToString(published.MessageAttributes["GuildID"].StringValue); got != "g1" {
		t.Errorf("GuildID attribute = %s", got)
	}

	var body Notification
	if err := json.Unmarshal([]byte(aws.ToString(published.Message)), &body); err != nil {
		t.Fatalf("message is not json: %v", err)
	}
	if body.Data["severity"] != "high" {
		t.Errorf("body = %+v", body)
	}
}

func TestSNSNotifier_NoGuildAttribute(t *testing.T) {
	var published *sns.PublishInput
	n := &SNSNotifier{client: &mockSNS{PublishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
		published = params
		return &sns.PublishOutput{}, nil
	}}}

	n.Send(context.Background(), Notification{Type: NotificationProvidersDown, Message: "all down"})

	if _, ok := published.MessageAttributes["GuildID"]; ok {
		t.Error("GuildID attribute should be omitted when empty")
	}
}

func TestSNSNotifier_PublishError(t *testing.T) {
	n := &SNSNotifier{client: &mockSNS{PublishFunc: func(ctx context.Context, params *sns.PublishInput) (*sns.PublishOutput, error) {
		return nil, errors.New("access denied")
	}}}

	if err := n.Send(context.Background(), Notification{Type: NotificationProvidersDown}); err == nil {
		t.Error("expected error")
	}
}

func TestInMemoryNotifier(t *testing.T) {
	n := NewInMemoryNotifier()
	var seen []NotificationType
	n.OnNotification(func(notification Notification) {
		seen = append(seen, notification.Type)
	})

	n.Send(context.Background(), Notification{Type: NotificationModerationFlagged})
	n.Send(context.Background(), Notification{Type: NotificationProvidersDown})

	if len(n.GetNotifications()) != 2 || len(seen) != 2 {
		t.Errorf("expected 2 notifications, got %d (handler saw %d)", len(n.GetNotifications()), len(seen))
	}

	n.Clear()
	if len(n.GetNotifications()) != 0 {
		t.Error("Clear() should drop notifications")
	}
}
