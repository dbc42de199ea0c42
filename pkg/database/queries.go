package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/perihelia/guildvault/pkg/model"
)

// GalleryImage is one downloaded attachment joined with enough context to
// render it in the browser gallery.
type GalleryImage struct {
	ID          model.Snowflake `db:"id" json:"id"`
	MessageID   model.Snowflake `db:"message_id" json:"message_id"`
	ChannelID   model.Snowflake `db:"channel_id" json:"channel_id"`
	ChannelName string          `db:"channel_name" json:"channel_name"`
	Filename    string          `db:"filename" json:"filename"`
	ContentType string          `db:"content_type" json:"content_type"`
	Width       *int            `db:"width" json:"width"`
	Height      *int            `db:"height" json:"height"`
	LocalPath   string          `db:"local_path" json:"local_path"`
	SentAt      int64           `db:"sent_at" json:"sent_at"`
}

// Gallery pages a guild's downloaded images, newest message first.
func (s *Store) Gallery(ctx context.Context, guildID model.Snowflake, limit, offset int) ([]GalleryImage, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = DefaultListLimit
	}
	var images []GalleryImage
	query := s.db.Rebind(`
		SELECT a.id, a.message_id, m.channel_id, c.name AS channel_name,
		       a.filename, a.content_type, a.width, a.height, a.local_path, m.sent_at
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		JOIN channels c ON c.id = m.channel_id
		WHERE c.guild_id = ? AND a.download_state = ? AND a.local_path IS NOT NULL
		ORDER BY m.id DESC, a.id ASC
		LIMIT ? OFFSET ?`)
	if err := s.db.SelectContext(ctx, &images, query, guildID, model.DownloadDownloaded, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to load gallery for guild %s: %w", guildID, err)
	}
	return images, nil
}

// ChannelCount ranks one channel by archived message volume.
type ChannelCount struct {
	ID       model.Snowflake `db:"id" json:"id"`
	Name     string          `db:"name" json:"name"`
	Messages int64           `db:"messages" json:"messages"`
}

// GuildStats aggregates a guild's archive footprint.
type GuildStats struct {
	GuildID     model.Snowflake `json:"guild_id"`
	Channels    int64           `json:"channels"`
	Messages    int64           `json:"messages"`
	Authors     int64           `json:"authors"`
	Attachments int64           `json:"attachments"`
	Reactions   int64           `json:"reactions"`
	TopChannels []ChannelCount  `json:"top_channels"`
}

// GuildStats counts the guild's rows per entity and ranks its busiest
// channels. One query per counter keeps the SQL dialect-portable.
func (s *Store) GuildStats(ctx context.Context, guildID model.Snowflake) (*GuildStats, error) {
	stats := &GuildStats{GuildID: guildID}

	counters := []struct {
		dest  *int64
		query string
	}{
		{&stats.Channels, `SELECT COUNT(*) FROM channels WHERE guild_id = ?`},
		{&stats.Messages, `SELECT COUNT(*) FROM messages m JOIN channels c ON c.id = m.channel_id WHERE c.guild_id = ?`},
		{&stats.Authors, `SELECT COUNT(DISTINCT m.author_id) FROM messages m JOIN channels c ON c.id = m.channel_id WHERE c.guild_id = ?`},
		{&stats.Attachments, `SELECT COUNT(*) FROM attachments a JOIN messages m ON m.id = a.message_id JOIN channels c ON c.id = m.channel_id WHERE c.guild_id = ?`},
		{&stats.Reactions, `SELECT COUNT(*) FROM reactions r JOIN messages m ON m.id = r.message_id JOIN channels c ON c.id = m.channel_id WHERE c.guild_id = ?`},
	}
	for _, counter := range counters {
		if err := s.db.GetContext(ctx, counter.dest, s.db.Rebind(counter.query), guildID); err != nil {
			return nil, fmt.Errorf("failed to count stats for guild %s: %w", guildID, err)
		}
	}

	query := s.db.Rebind(`
		SELECT c.id, c.name, COUNT(m.id) AS messages
		FROM channels c
		JOIN messages m ON m.channel_id = c.id
		WHERE c.guild_id = ?
		GROUP BY c.id, c.name
		ORDER BY messages DESC, c.id ASC
		LIMIT 10`)
	if err := s.db.SelectContext(ctx, &stats.TopChannels, query, guildID); err != nil {
		return nil, fmt.Errorf("failed to rank channels for guild %s: %w", guildID, err)
	}
	return stats, nil
}

// SearchResult is one message hit with display context.
type SearchResult struct {
	model.Message
	ChannelName string `db:"channel_name" json:"channel_name"`
	AuthorName  string `db:"author_name" json:"author_name"`
}

// SearchMessages finds messages whose content contains the query as a plain
// substring, newest first. No ranking; LIKE special characters in the query
// are escaped so they match literally.
func (s *Store) SearchMessages(ctx context.Context, guildID model.Snowflake, q string, limit int) ([]SearchResult, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = DefaultListLimit
	}
	pattern := "%" + escapeLike(q) + "%"

	var results []SearchResult
	query := s.db.Rebind(`
		SELECT m.id, m.channel_id, m.author_id, m.content, m.clean_content,
		       m.sent_at, m.edited_at, m.pinned, m.tts, m.mention_everyone,
		       m.embeds, m.reference_id, m.created_at, m.updated_at,
		       c.name AS channel_name, u.username AS author_name
		FROM messages m
		JOIN channels c ON c.id = m.channel_id
		JOIN users u ON u.id = m.author_id
		WHERE c.guild_id = ? AND m.content LIKE ? ESCAPE '\'
		ORDER BY m.id DESC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &results, query, guildID, pattern, limit); err != nil {
		return nil, fmt.Errorf("failed to search guild %s: %w", guildID, err)
	}
	return results, nil
}

// escapeLike neutralizes LIKE wildcards so user input matches literally.
func escapeLike(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(q)
}
