package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

// Record stores one usage event. Re-recording the same event id is a no-op, so a
// redelivered queue message is harmless.
func (s *SQLStore) Record(ctx context.Context, e domain.UsageEvent) error {
	query := s.rebind(`
		INSERT INTO usage_events (id, kind, guild_id, channel_id, user_id, provider, success,
		                          input_tokens, output_tokens, latency_ms, estimated_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		string(e.Kind),
		e.GuildID,
		e.ChannelID,
		e.UserID,
		e.Provider,
		e.Success,
		e.InputTokens,
		e.OutputTokens,
		e.LatencyMs,
		e.EstimatedCost,
		s.timeArg(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// Usage returns events at or after since, newest first.
func (s *SQLStore) Usage(ctx context.Context, since time.Time, limit int) ([]domain.UsageEvent, error) {
	query := `
		SELECT id, kind, guild_id, channel_id, user_id, provider, success,
		       input_tokens, output_tokens, latency_ms, estimated_cost, created_at
		FROM usage_events
		WHERE created_at >= ?
		ORDER BY created_at DESC
	`
	args := []any{s.timeArg(since)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []domain.UsageEvent
	for rows.Next() {
		var e domain.UsageEvent
		var kind string
		err := rows.Scan(
			&e.ID,
			&kind,
			&e.GuildID,
			&e.ChannelID,
			&e.UserID,
			&e.Provider,
			&e.Success,
			&e.InputTokens,
			&e.OutputTokens,
			&e.LatencyMs,
			&e.EstimatedCost,
			scanTime{&e.Timestamp},
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		e.Kind = domain.TurnKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

type ProviderUsage struct {
	Provider      string  `json:"provider"`
	Calls         int     `json:"calls"`
	Failures      int     `json:"failures"`
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// UsageByProvider aggregates events at or after since.
func (s *SQLStore) UsageByProvider(ctx context.Context, since time.Time) ([]ProviderUsage, error) {
	query := s.rebind(`
		SELECT provider,
		       COUNT(*),
		       SUM(CASE WHEN success THEN 0 ELSE 1 END),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(SUM(estimated_cost), 0)
		FROM usage_events
		WHERE created_at >= ?
		GROUP BY provider
		ORDER BY COUNT(*) DESC
	`)

	rows, err := s.db.QueryContext(ctx, query, s.timeArg(since))
	if err != nil {
		return nil, fmt.Errorf("query usage by provider: %w", err)
	}
	defer rows.Close()

	var out []ProviderUsage
	for rows.Next() {
		var u ProviderUsage
		if err := rows.Scan(&u.Provider, &u.Calls, &u.Failures, &u.InputTokens, &u.OutputTokens, &u.AvgLatencyMs, &u.EstimatedCost); err != nil {
			return nil, fmt.Errorf("scan usage by provider: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
