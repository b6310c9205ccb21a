// Package queue ships usage events to a worker through SQS, so the request path
// never waits on the usage database.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

// Delivery is a received event plus the handle that acknowledges it.
type Delivery struct {
	Event         domain.UsageEvent
	ReceiptHandle string
}

type Queue interface {
	Send(ctx context.Context, event domain.UsageEvent) error
	Receive(ctx context.Context, maxMessages int) ([]Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client   sqsAPI
	queueURL string
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSQueueWithConfig(cfg, queueURL), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (q *SQSQueue) Send(ctx context.Context, event domain.UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"EventID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.ID),
			},
			"Kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Kind)),
			},
			"Success": {
				DataType:    aws.String("String"),
				StringValue: aws.String(strconv.FormatBool(event.Success)),
			},
		},
	}

	_, err = q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

// Receive long-polls for up to maxMessages events. Bodies that do not decode are
// logged and left on the queue for the redrive policy to handle.
func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Delivery, error) {
	if maxMessages <= 0 || maxMessages > 10 {
		maxMessages = 10
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var event domain.UsageEvent
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &event); err != nil {
			slog.Warn("failed to unmarshal usage event", "message_id", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		deliveries = append(deliveries, Delivery{
			Event:         event,
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		})
	}

	return deliveries, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := q.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}

// InMemoryQueue hands events over in FIFO order. Receive removes them, so Delete
// has nothing left to do.
type InMemoryQueue struct {
	mu     sync.Mutex
	events []domain.UsageEvent
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		events: make([]domain.UsageEvent, 0),
	}
}

func (q *InMemoryQueue) Send(ctx context.Context, event domain.UsageEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.events) {
		count = len(q.events)
	}

	result := make([]Delivery, count)
	for i := 0; i < count; i++ {
		result[i] = Delivery{Event: q.events[i], ReceiptHandle: q.events[i].ID}
	}
	q.events = q.events[count:]

	return result, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
