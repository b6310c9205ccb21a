package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

func (s *SQLStore) Append(ctx context.Context, turn domain.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	query := s.rebind(`
		INSERT INTO conversations (channel_id, role, author_name, content, provider, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		turn.ChannelID,
		turn.Role,
		turn.AuthorName,
		turn.Content,
		turn.Provider,
		string(turn.Kind),
		s.timeArg(turn.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	if s.maxPerChannel > 0 {
		return s.trim(ctx, turn.ChannelID)
	}
	return nil
}

// trim drops the oldest turns beyond maxPerChannel.
func (s *SQLStore) trim(ctx context.Context, channelID string) error {
	query := s.rebind(`
		DELETE FROM conversations
		WHERE channel_id = ? AND id NOT IN (
			SELECT id FROM conversations WHERE channel_id = ? ORDER BY id DESC LIMIT ?
		)
	`)

	if _, err := s.db.ExecContext(ctx, query, channelID, channelID, s.maxPerChannel); err != nil {
		return fmt.Errorf("trim channel %s: %w", channelID, err)
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context, channelID string, limit int) ([]domain.Turn, error) {
	query := `
		SELECT id, channel_id, role, author_name, content, provider, kind, created_at
		FROM conversations
		WHERE channel_id = ?
		ORDER BY id DESC
	`
	args := []any{channelID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var kind string
		if err := rows.Scan(&t.ID, &t.ChannelID, &t.Role, &t.AuthorName, &t.Content, &t.Provider, &kind, scanTime{&t.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Kind = domain.TurnKind(kind)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *SQLStore) Clear(ctx context.Context, channelID string) (int, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM conversations WHERE channel_id = ?`), channelID)
	if err != nil {
		return 0, fmt.Errorf("clear channel: %w", err)
	}

	n, _ := result.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) Channels(ctx context.Context) ([]domain.ChannelSummary, error) {
	query := `
		SELECT channel_id, COUNT(*), MAX(created_at)
		FROM conversations
		GROUP BY channel_id
		ORDER BY MAX(created_at) DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []domain.ChannelSummary
	for rows.Next() {
		var c domain.ChannelSummary
		if err := rows.Scan(&c.ChannelID, &c.MessageCount, scanTime{&c.LastActive}); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) Overrides(ctx context.Context, channelID string) (domain.ChannelOverrides, error) {
	query := s.rebind(`
		SELECT channel_id, guild_id, system_prompt, provider
		FROM channel_overrides
		WHERE channel_id = ?
	`)

	var o domain.ChannelOverrides
	err := s.db.QueryRowContext(ctx, query, channelID).Scan(&o.ChannelID, &o.GuildID, &o.SystemPrompt, &o.Provider)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ChannelOverrides{ChannelID: channelID}, nil
	}
	if err != nil {
		return domain.ChannelOverrides{}, fmt.Errorf("query overrides: %w", err)
	}
	return o, nil
}

// SaveOverrides upserts the row, or deletes it when nothing is overridden.
func (s *SQLStore) SaveOverrides(ctx context.Context, o domain.ChannelOverrides) error {
	if o.SystemPrompt == "" && o.Provider == "" {
		_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM channel_overrides WHERE channel_id = ?`), o.ChannelID)
		if err != nil {
			return fmt.Errorf("delete overrides: %w", err)
		}
		return nil
	}

	query := s.rebind(`
		INSERT INTO channel_overrides (channel_id, guild_id, system_prompt, provider, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET
			guild_id = excluded.guild_id,
			system_prompt = excluded.system_prompt,
			provider = excluded.provider,
			updated_at = excluded.updated_at
	`)

	_, err := s.db.ExecContext(ctx, query, o.ChannelID, o.GuildID, o.SystemPrompt, o.Provider, s.timeArg(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert overrides: %w", err)
	}
	return nil
}
