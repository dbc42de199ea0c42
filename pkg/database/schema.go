package database

import (
	"context"
	"fmt"
)

// EnsureSchema creates all entity tables and indexes if they don't exist.
// Statements run one at a time because the pgx extended protocol rejects
// multi-statement strings.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var stmts []string
	if s.dialect == DialectPostgres {
		stmts = postgresSchema
	} else {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// Snowflake primary keys are stored as BIGINT (two's-complement of the
// unsigned value). parent_id and reference_id are plain snowflake columns on
// purpose: categories and reply targets may never be archived.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS guilds (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id INTEGER NOT NULL DEFAULT 0,
		member_count INTEGER NOT NULL DEFAULT 0,
		first_scraped_at INTEGER,
		last_scraped_at INTEGER,
		scrape_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL,
		discriminator TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		bot INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY,
		guild_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		parent_id INTEGER,
		message_count INTEGER NOT NULL DEFAULT 0,
		last_scraped_at INTEGER,
		last_message_id INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (guild_id) REFERENCES guilds(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		author_id INTEGER NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		clean_content TEXT NOT NULL DEFAULT '',
		sent_at INTEGER NOT NULL,
		edited_at INTEGER,
		pinned INTEGER NOT NULL DEFAULT 0,
		tts INTEGER NOT NULL DEFAULT 0,
		mention_everyone INTEGER NOT NULL DEFAULT 0,
		embeds TEXT NOT NULL DEFAULT '[]',
		reference_id INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
		FOREIGN KEY (author_id) REFERENCES users(id)
	)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		remote_url TEXT NOT NULL DEFAULT '',
		proxy_url TEXT NOT NULL DEFAULT '',
		width INTEGER,
		height INTEGER,
		local_path TEXT,
		download_state TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id INTEGER NOT NULL,
		emoji_id INTEGER NOT NULL DEFAULT 0,
		emoji_name TEXT NOT NULL,
		emoji_animated INTEGER NOT NULL DEFAULT 0,
		count INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (message_id, emoji_id, emoji_name),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_guild ON channels(guild_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(author_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_state ON attachments(download_state)`,
}

// The server-backed dialect declares identity PKs (GENERATED BY DEFAULT, so
// explicit snowflakes insert fine). The sequences exist solely so the store
// can mint local ids after a migration; transfer Phase 3 advances them past
// max(id).
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS guilds (
		id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id BIGINT NOT NULL DEFAULT 0,
		member_count INTEGER NOT NULL DEFAULT 0,
		first_scraped_at BIGINT,
		last_scraped_at BIGINT,
		scrape_count INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		username TEXT NOT NULL,
		discriminator TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		bot BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		guild_id BIGINT NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		parent_id BIGINT,
		message_count BIGINT NOT NULL DEFAULT 0,
		last_scraped_at BIGINT,
		last_message_id BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		channel_id BIGINT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		author_id BIGINT NOT NULL REFERENCES users(id),
		content TEXT NOT NULL DEFAULT '',
		clean_content TEXT NOT NULL DEFAULT '',
		sent_at BIGINT NOT NULL,
		edited_at BIGINT,
		pinned BOOLEAN NOT NULL DEFAULT FALSE,
		tts BOOLEAN NOT NULL DEFAULT FALSE,
		mention_everyone BOOLEAN NOT NULL DEFAULT FALSE,
		embeds TEXT NOT NULL DEFAULT '[]',
		reference_id BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		filename TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		size BIGINT NOT NULL DEFAULT 0,
		remote_url TEXT NOT NULL DEFAULT '',
		proxy_url TEXT NOT NULL DEFAULT '',
		width INTEGER,
		height INTEGER,
		local_path TEXT,
		download_state TEXT NOT NULL DEFAULT 'pending',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		emoji_id BIGINT NOT NULL DEFAULT 0,
		emoji_name TEXT NOT NULL,
		emoji_animated BOOLEAN NOT NULL DEFAULT FALSE,
		count INTEGER NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (message_id, emoji_id, emoji_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channels_guild ON channels(guild_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(author_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_state ON attachments(download_state)`,
}

// tables lists the entity tables in foreign-key order: parents before
// children so cross-store copies never violate a constraint.
var tables = []string{"guilds", "users", "channels", "messages", "attachments", "reactions"}

// Tables returns the entity table names in foreign-key order.
func Tables() []string {
	out := make([]string, len(tables))
	copy(out, tables)
	return out
}

// sequencedTables have a single integer primary key backed by a sequence on
// the postgres dialect. Reactions are excluded (composite key, no sequence).
var sequencedTables = []string{"guilds", "users", "channels", "messages", "attachments"}

// ResetSequences advances every identity sequence past the highest existing
// id, so inserts after a transfer don't collide with migrated rows. No-op on
// SQLite. Safe to run after a failed or cancelled transfer.
func (s *Store) ResetSequences(ctx context.Context) error {
	if s.dialect != DialectPostgres {
		return nil
	}
	for _, table := range sequencedTables {
		stmt := fmt.Sprintf(
			`SELECT setval(pg_get_serial_sequence('%s', 'id'), GREATEST(COALESCE(MAX(id), 1), 1), MAX(id) IS NOT NULL) FROM %s`,
			table, table,
		)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to reset sequence for %s: %w", table, err)
		}
	}
	return nil
}
