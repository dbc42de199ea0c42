package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/perihelia/guildvault/pkg/model"
)

const messageCols = `id, channel_id, author_id, content, clean_content, sent_at, edited_at, pinned, tts, mention_everyone, embeds, reference_id, created_at, updated_at`

const upsertMessageSQL = `
	INSERT INTO messages (id, channel_id, author_id, content, clean_content, sent_at, edited_at, pinned, tts, mention_everyone, embeds, reference_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		channel_id = excluded.channel_id,
		author_id = excluded.author_id,
		content = excluded.content,
		clean_content = excluded.clean_content,
		sent_at = excluded.sent_at,
		edited_at = excluded.edited_at,
		pinned = excluded.pinned,
		tts = excluded.tts,
		mention_everyone = excluded.mention_everyone,
		embeds = excluded.embeds,
		reference_id = excluded.reference_id,
		updated_at = excluded.updated_at
	RETURNING created_at, updated_at`

// ListOptions page a channel's messages. Before and After are exclusive
// snowflake cursors; Limit is clamped to MaxListLimit.
type ListOptions struct {
	Before model.Snowflake
	After  model.Snowflake
	Limit  int
}

const (
	// DefaultListLimit applies when ListOptions.Limit is unset.
	DefaultListLimit = 100
	// MaxListLimit caps a single listing page.
	MaxListLimit = 200
)

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		return MaxListLimit
	}
	return o.Limit
}

// Messages is the message repository.
type Messages struct {
	q Queryer
}

// Get returns the message or nil when absent.
func (r *Messages) Get(ctx context.Context, id model.Snowflake) (*model.Message, error) {
	var m model.Message
	query := r.q.Rebind(`SELECT ` + messageCols + ` FROM messages WHERE id = ?`)
	err := r.q.GetContext(ctx, &m, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &m, nil
}

// Upsert inserts or overwrites the message's non-key fields. sent_at never
// changes on Discord's side, so overwriting it is harmless.
func (r *Messages) Upsert(ctx context.Context, m *model.Message) error {
	now := nowMillis()
	m.UpdatedAt = now
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.Embeds == "" {
		m.Embeds = "[]"
	}
	query := r.q.Rebind(upsertMessageSQL)
	row := r.q.QueryRowxContext(ctx, query,
		m.ID, m.ChannelID, m.AuthorID, m.Content, m.CleanContent,
		m.SentAt, m.EditedAt, m.Pinned, m.TTS, m.MentionEveryone,
		m.Embeds, m.ReferenceID, m.CreatedAt, m.UpdatedAt,
	)
	if err := row.Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
	}
	return nil
}

// ListByChannel returns messages in snowflake-ascending order. A Before
// cursor selects the page immediately preceding it (still returned
// ascending); an After cursor pages forward. Before wins if both are set.
func (r *Messages) ListByChannel(ctx context.Context, channelID model.Snowflake, opts ListOptions) ([]model.Message, error) {
	limit := opts.limit()
	var (
		messages []model.Message
		err      error
	)
	switch {
	case !opts.Before.IsZero():
		query := r.q.Rebind(`SELECT ` + messageCols + ` FROM messages WHERE channel_id = ? AND id < ? ORDER BY id DESC LIMIT ?`)
		err = r.q.SelectContext(ctx, &messages, query, channelID, opts.Before, limit)
		// Fetched newest-first to honor the cursor; flip back to ascending.
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	case !opts.After.IsZero():
		query := r.q.Rebind(`SELECT ` + messageCols + ` FROM messages WHERE channel_id = ? AND id > ? ORDER BY id ASC LIMIT ?`)
		err = r.q.SelectContext(ctx, &messages, query, channelID, opts.After, limit)
	default:
		query := r.q.Rebind(`SELECT ` + messageCols + ` FROM messages WHERE channel_id = ? ORDER BY id ASC LIMIT ?`)
		err = r.q.SelectContext(ctx, &messages, query, channelID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for channel %s: %w", channelID, err)
	}
	return messages, nil
}

// CountByChannel returns the number of archived messages in a channel.
func (r *Messages) CountByChannel(ctx context.Context, channelID model.Snowflake) (int64, error) {
	var n int64
	query := r.q.Rebind(`SELECT COUNT(*) FROM messages WHERE channel_id = ?`)
	if err := r.q.GetContext(ctx, &n, query, channelID); err != nil {
		return 0, fmt.Errorf("failed to count messages for channel %s: %w", channelID, err)
	}
	return n, nil
}

// MaxIDByChannel returns the highest message snowflake in a channel, or 0
// when the channel holds no messages.
func (r *Messages) MaxIDByChannel(ctx context.Context, channelID model.Snowflake) (model.Snowflake, error) {
	var max sql.NullInt64
	query := r.q.Rebind(`SELECT MAX(id) FROM messages WHERE channel_id = ?`)
	if err := r.q.GetContext(ctx, &max, query, channelID); err != nil {
		return 0, fmt.Errorf("failed to get max message id for channel %s: %w", channelID, err)
	}
	if !max.Valid {
		return 0, nil
	}
	return model.Snowflake(max.Int64), nil
}

// Page returns one offset/limit page of messages in primary-key order.
func (r *Messages) Page(ctx context.Context, offset, limit int) ([]model.Message, error) {
	var messages []model.Message
	query := r.q.Rebind(`SELECT ` + messageCols + ` FROM messages ORDER BY id ASC LIMIT ? OFFSET ?`)
	if err := r.q.SelectContext(ctx, &messages, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to page messages: %w", err)
	}
	return messages, nil
}

// BulkUpsert upserts messages in chunked multi-row statements.
func (r *Messages) BulkUpsert(ctx context.Context, messages []model.Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	now := nowMillis()
	const cols = 14
	err := bulkUpsert(ctx, r.q, len(messages), cols,
		`INSERT INTO messages (id, channel_id, author_id, content, clean_content, sent_at, edited_at, pinned, tts, mention_everyone, embeds, reference_id, created_at, updated_at) VALUES `,
		` ON CONFLICT (id) DO UPDATE SET
			channel_id = excluded.channel_id,
			author_id = excluded.author_id,
			content = excluded.content,
			clean_content = excluded.clean_content,
			sent_at = excluded.sent_at,
			edited_at = excluded.edited_at,
			pinned = excluded.pinned,
			tts = excluded.tts,
			mention_everyone = excluded.mention_everyone,
			embeds = excluded.embeds,
			reference_id = excluded.reference_id,
			updated_at = excluded.updated_at`,
		func(i int, args []interface{}) []interface{} {
			m := messages[i]
			created := m.CreatedAt
			if created == 0 {
				created = now
			}
			embeds := m.Embeds
			if embeds == "" {
				embeds = "[]"
			}
			return append(args, m.ID, m.ChannelID, m.AuthorID, m.Content, m.CleanContent,
				m.SentAt, m.EditedAt, m.Pinned, m.TTS, m.MentionEveryone,
				embeds, m.ReferenceID, created, now)
		})
	if err != nil {
		return 0, fmt.Errorf("failed to bulk upsert messages: %w", err)
	}
	return len(messages), nil
}
