package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/perihelia/guildvault/pkg/model"
)

const channelCols = `id, guild_id, name, kind, topic, position, parent_id, message_count, last_scraped_at, last_message_id, created_at, updated_at`

const upsertChannelSQL = `
	INSERT INTO channels (id, guild_id, name, kind, topic, position, parent_id, message_count, last_scraped_at, last_message_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		guild_id = excluded.guild_id,
		name = excluded.name,
		kind = excluded.kind,
		topic = excluded.topic,
		position = excluded.position,
		parent_id = excluded.parent_id,
		message_count = excluded.message_count,
		last_scraped_at = excluded.last_scraped_at,
		last_message_id = excluded.last_message_id,
		updated_at = excluded.updated_at
	RETURNING created_at, updated_at`

// Channels is the channel repository. Threads are channels too.
type Channels struct {
	q Queryer
}

// Get returns the channel or nil when absent.
func (r *Channels) Get(ctx context.Context, id model.Snowflake) (*model.Channel, error) {
	var c model.Channel
	query := r.q.Rebind(`SELECT ` + channelCols + ` FROM channels WHERE id = ?`)
	err := r.q.GetContext(ctx, &c, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel %s: %w", id, err)
	}
	return &c, nil
}

// Upsert inserts or overwrites the channel's non-key fields.
func (r *Channels) Upsert(ctx context.Context, c *model.Channel) error {
	now := nowMillis()
	c.UpdatedAt = now
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	query := r.q.Rebind(upsertChannelSQL)
	row := r.q.QueryRowxContext(ctx, query,
		c.ID, c.GuildID, c.Name, c.Kind, c.Topic, c.Position, c.ParentID,
		c.MessageCount, c.LastScrapedAt, c.LastMessageID,
		c.CreatedAt, c.UpdatedAt,
	)
	if err := row.Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert channel %s: %w", c.ID, err)
	}
	return nil
}

// ListByGuild returns all channels of a guild, snowflake ascending.
func (r *Channels) ListByGuild(ctx context.Context, guildID model.Snowflake) ([]model.Channel, error) {
	var channels []model.Channel
	query := r.q.Rebind(`SELECT ` + channelCols + ` FROM channels WHERE guild_id = ? ORDER BY id ASC`)
	if err := r.q.SelectContext(ctx, &channels, query, guildID); err != nil {
		return nil, fmt.Errorf("failed to list channels for guild %s: %w", guildID, err)
	}
	return channels, nil
}

// MarkScraped advances last_scraped_at without touching any other field.
// Records a successful no-new-messages traversal.
func (r *Channels) MarkScraped(ctx context.Context, id model.Snowflake) error {
	now := nowMillis()
	query := r.q.Rebind(`UPDATE channels SET last_scraped_at = ?, updated_at = ? WHERE id = ?`)
	if _, err := r.q.ExecContext(ctx, query, now, now, id); err != nil {
		return fmt.Errorf("failed to mark channel %s scraped: %w", id, err)
	}
	return nil
}

// Page returns one offset/limit page of channels in primary-key order.
func (r *Channels) Page(ctx context.Context, offset, limit int) ([]model.Channel, error) {
	var channels []model.Channel
	query := r.q.Rebind(`SELECT ` + channelCols + ` FROM channels ORDER BY id ASC LIMIT ? OFFSET ?`)
	if err := r.q.SelectContext(ctx, &channels, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to page channels: %w", err)
	}
	return channels, nil
}

// BulkUpsert upserts channels in chunked multi-row statements.
func (r *Channels) BulkUpsert(ctx context.Context, channels []model.Channel) (int, error) {
	if len(channels) == 0 {
		return 0, nil
	}
	now := nowMillis()
	const cols = 12
	err := bulkUpsert(ctx, r.q, len(channels), cols,
		`INSERT INTO channels (id, guild_id, name, kind, topic, position, parent_id, message_count, last_scraped_at, last_message_id, created_at, updated_at) VALUES `,
		` ON CONFLICT (id) DO UPDATE SET
			guild_id = excluded.guild_id,
			name = excluded.name,
			kind = excluded.kind,
			topic = excluded.topic,
			position = excluded.position,
			parent_id = excluded.parent_id,
			message_count = excluded.message_count,
			last_scraped_at = excluded.last_scraped_at,
			last_message_id = excluded.last_message_id,
			updated_at = excluded.updated_at`,
		func(i int, args []interface{}) []interface{} {
			c := channels[i]
			created := c.CreatedAt
			if created == 0 {
				created = now
			}
			return append(args, c.ID, c.GuildID, c.Name, c.Kind, c.Topic, c.Position,
				c.ParentID, c.MessageCount, c.LastScrapedAt, c.LastMessageID, created, now)
		})
	if err != nil {
		return 0, fmt.Errorf("failed to bulk upsert channels: %w", err)
	}
	return len(channels), nil
}
