package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/felipepmaragno/chat-relay/internal/domain"
)

func (s *SQLStore) RecordModeration(ctx context.Context, r domain.ModerationRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	query := s.rebind(`
		INSERT INTO moderation_logs (guild_id, channel_id, message_id, author_id, reason, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		r.GuildID,
		r.ChannelID,
		r.MessageID,
		r.AuthorID,
		r.Reason,
		string(r.Severity),
		s.timeArg(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert moderation record: %w", err)
	}
	return nil
}

// ModerationLog lists the newest records, for one guild or all when guildID is empty.
func (s *SQLStore) ModerationLog(ctx context.Context, guildID string, limit int) ([]domain.ModerationRecord, error) {
	query := `
		SELECT id, guild_id, channel_id, message_id, author_id, reason, severity, created_at
		FROM moderation_logs
	`
	var args []any
	if guildID != "" {
		query += " WHERE guild_id = ?"
		args = append(args, guildID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query moderation log: %w", err)
	}
	defer rows.Close()

	var out []domain.ModerationRecord
	for rows.Next() {
		var r domain.ModerationRecord
		var severity string
		if err := rows.Scan(&r.ID, &r.GuildID, &r.ChannelID, &r.MessageID, &r.AuthorID, &r.Reason, &severity, scanTime{&r.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan moderation record: %w", err)
		}
		r.Severity = domain.Severity(severity)
		out = append(out, r)
	}
	return out, rows.Err()
}
