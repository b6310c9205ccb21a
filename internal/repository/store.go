// Package repository persists conversations, usage, moderation logs, channel
// overrides and settings in PostgreSQL or SQLite behind one SQLStore.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// SQLStore implements conversation.Store, conversation.OverrideStore and the usage,
// moderation and settings stores on one database handle.
type SQLStore struct {
	db            *sql.DB
	dialect       Dialect
	maxPerChannel int
}

// Open picks the driver from the URL: postgres:// and postgresql:// use lib/pq,
// sqlite:<path> uses modernc.org/sqlite. The schema is created if missing.
func Open(ctx context.Context, databaseURL string, maxPerChannel int) (*SQLStore, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialect = Postgres
		db, err = sql.Open("postgres", databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite:"):
		dialect = SQLite
		path := strings.TrimPrefix(databaseURL, "sqlite:")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", path)
		if err == nil {
			// one writer at a time avoids SQLITE_BUSY under concurrent appends
			db.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported database url %q", databaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db, dialect, maxPerChannel)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// New wraps an open handle. Migrate must have run for the handle's database.
func New(db *sql.DB, dialect Dialect, maxPerChannel int) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, maxPerChannel: maxPerChannel}
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.dialect == SQLite {
		schema = sqliteSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}

// rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

// timeArg stores times as fixed-width UTC text in SQLite so they sort correctly.
func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect == SQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t
}

// scanTime accepts the representations both drivers hand back for a timestamp.
type scanTime struct {
	t *time.Time
}

func (st scanTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*st.t = time.Time{}
	case time.Time:
		*st.t = v
	case string:
		return st.parse(v)
	case []byte:
		return st.parse(string(v))
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	return nil
}

func (st scanTime) parse(v string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			*st.t = t
			return nil
		}
	}
	return fmt.Errorf("parse time %q", v)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id BIGSERIAL PRIMARY KEY,
	channel_id TEXT NOT NULL,
	role TEXT NOT NULL,
	author_name TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_channel ON conversations(channel_id, id);

CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	guild_id TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	success BOOLEAN NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_created ON usage_events(created_at);

CREATE TABLE IF NOT EXISTS moderation_logs (
	id BIGSERIAL PRIMARY KEY,
	guild_id TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	author_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	severity TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_moderation_logs_guild ON moderation_logs(guild_id, id);

CREATE TABLE IF NOT EXISTS channel_overrides (
	channel_id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT NOT NULL,
	role TEXT NOT NULL,
	author_name TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_channel ON conversations(channel_id, id);

CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	guild_id TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	estimated_cost REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_created ON usage_events(created_at);

CREATE TABLE IF NOT EXISTS moderation_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	author_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	severity TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_moderation_logs_guild ON moderation_logs(guild_id, id);

CREATE TABLE IF NOT EXISTS channel_overrides (
	channel_id TEXT PRIMARY KEY,
	guild_id TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
)
`
