// Package conversation holds per-channel chat history and per-channel overrides.
package conversation

import (
	"context"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

// DefaultHistoryLimit is how many turns are sent to a provider.
const DefaultHistoryLimit = 20

// Store is append-only per channel. Read returns the most recent limit turns in
// ascending chronological order; limit <= 0 returns everything kept.
type Store interface {
	Append(ctx context.Context, turn domain.Turn) error
	Read(ctx context.Context, channelID string, limit int) ([]domain.Turn, error)
	Clear(ctx context.Context, channelID string) (int, error)
	Channels(ctx context.Context) ([]domain.ChannelSummary, error)
}

// OverrideStore keeps the per-channel system prompt and pinned provider. A channel
// with no overrides reads back as the zero value with only ChannelID set.
type OverrideStore interface {
	Overrides(ctx context.Context, channelID string) (domain.ChannelOverrides, error)
	SaveOverrides(ctx context.Context, o domain.ChannelOverrides) error
}

// Messages converts stored turns into the provider wire shape.
func Messages(turns []domain.Turn) []domain.Message {
	out := make([]domain.Message, len(turns))
	for i, t := range turns {
		out[i] = domain.Message{Role: t.Role, Content: t.Content}
	}
	return out
}
