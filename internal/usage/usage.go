// Package usage records one event per user-facing router outcome.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/domain"
	"github.com/felipepmaragno/chat-relay/internal/queue"
)

// Sink is an append-only destination for usage events.
type Sink interface {
	Record(ctx context.Context, event domain.UsageEvent) error
}

type MemorySink struct {
	mu     sync.Mutex
	events []domain.UsageEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{events: make([]domain.UsageEvent, 0)}
}

func (s *MemorySink) Record(ctx context.Context, event domain.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemorySink) Events() []domain.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]domain.UsageEvent, len(s.events))
	copy(result, s.events)
	return result
}

func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// MultiSink records to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, event domain.UsageEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QueueSink publishes events for the usage consumer instead of writing them inline.
type QueueSink struct {
	queue queue.Queue
}

func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{queue: q}
}

func (s *QueueSink) Record(ctx context.Context, event domain.UsageEvent) error {
	return s.queue.Send(ctx, event)
}

// Consumer drains a queue into a sink. A delivery is only deleted once the sink
// accepted it.
type Consumer struct {
	queue     queue.Queue
	sink      Sink
	batchSize int
	idle      time.Duration
}

func NewConsumer(q queue.Queue, sink Sink) *Consumer {
	return &Consumer{
		queue:     q,
		sink:      sink,
		batchSize: 10,
		idle:      time.Second,
	}
}

// Run polls until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("usage consumer started")
	for {
		n, err := c.Drain(ctx)
		if ctx.Err() != nil {
			slog.Info("usage consumer stopped")
			return nil
		}
		if err != nil {
			slog.Error("usage consumer receive failed", "error", err)
		}
		if n == 0 || err != nil {
			select {
			case <-ctx.Done():
				slog.Info("usage consumer stopped")
				return nil
			case <-time.After(c.idle):
			}
		}
	}
}

// Drain processes one batch and returns how many events were stored.
func (c *Consumer) Drain(ctx context.Context) (int, error) {
	deliveries, err := c.queue.Receive(ctx, c.batchSize)
	if err != nil {
		return 0, err
	}

	stored := 0
	for _, d := range deliveries {
		if err := c.sink.Record(ctx, d.Event); err != nil {
			slog.Error("failed to store usage event", "event_id", d.Event.ID, "error", err)
			continue
		}
		stored++
		if err := c.queue.Delete(ctx, d.ReceiptHandle); err != nil {
			slog.Warn("failed to delete usage message", "event_id", d.Event.ID, "error", err)
		}
	}
	return stored, nil
}
