package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

// MemoryStore keeps history in process. Each channel holds at most maxPerChannel
// turns; the oldest are dropped first.
type MemoryStore struct {
	mu            sync.RWMutex
	channels      map[string][]domain.Turn
	overrides     map[string]domain.ChannelOverrides
	maxPerChannel int
	nextID        int64
	now           func() time.Time
}

func NewMemoryStore(maxPerChannel int) *MemoryStore {
	return &MemoryStore{
		channels:      make(map[string][]domain.Turn),
		overrides:     make(map[string]domain.ChannelOverrides),
		maxPerChannel: maxPerChannel,
		now:           time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, turn domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	turn.ID = s.nextID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}

	turns := append(s.channels[turn.ChannelID], turn)
	if s.maxPerChannel > 0 && len(turns) > s.maxPerChannel {
		turns = append([]domain.Turn(nil), turns[len(turns)-s.maxPerChannel:]...)
	}
	s.channels[turn.ChannelID] = turns
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, channelID string, limit int) ([]domain.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.channels[channelID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]domain.Turn(nil), turns...), nil
}

func (s *MemoryStore) Clear(ctx context.Context, channelID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.channels[channelID])
	delete(s.channels, channelID)
	return n, nil
}

func (s *MemoryStore) Channels(ctx context.Context) ([]domain.ChannelSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ChannelSummary, 0, len(s.channels))
	for id, turns := range s.channels {
		if len(turns) == 0 {
			continue
		}
		out = append(out, domain.ChannelSummary{
			ChannelID:    id,
			MessageCount: len(turns),
			LastActive:   turns[len(turns)-1].CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	return out, nil
}

func (s *MemoryStore) Overrides(ctx context.Context, channelID string) (domain.ChannelOverrides, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overrides[channelID]
	if !ok {
		return domain.ChannelOverrides{ChannelID: channelID}, nil
	}
	return o, nil
}

func (s *MemoryStore) SaveOverrides(ctx context.Context, o domain.ChannelOverrides) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.SystemPrompt == "" && o.Provider == "" {
		delete(s.overrides, o.ChannelID)
		return nil
	}
	s.overrides[o.ChannelID] = o
	return nil
}
