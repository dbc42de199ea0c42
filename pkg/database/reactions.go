package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/perihelia/guildvault/pkg/model"
)

const reactionCols = `message_id, emoji_id, emoji_name, emoji_animated, count, created_at, updated_at`

const upsertReactionSQL = `
	INSERT INTO reactions (message_id, emoji_id, emoji_name, emoji_animated, count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (message_id, emoji_id, emoji_name) DO UPDATE SET
		emoji_animated = excluded.emoji_animated,
		count = excluded.count,
		updated_at = excluded.updated_at
	RETURNING created_at, updated_at`

// Reactions is the reaction repository, keyed by
// (message_id, emoji_id, emoji_name).
type Reactions struct {
	q Queryer
}

// Get returns the reaction for the composite key, or nil when absent.
func (r *Reactions) Get(ctx context.Context, messageID, emojiID model.Snowflake, emojiName string) (*model.Reaction, error) {
	var reaction model.Reaction
	query := r.q.Rebind(`SELECT ` + reactionCols + ` FROM reactions WHERE message_id = ? AND emoji_id = ? AND emoji_name = ?`)
	err := r.q.GetContext(ctx, &reaction, query, messageID, emojiID, emojiName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reaction on message %s: %w", messageID, err)
	}
	return &reaction, nil
}

// Upsert inserts or overwrites the reaction's non-key fields. A count below
// one is rejected before touching the store.
func (r *Reactions) Upsert(ctx context.Context, reaction *model.Reaction) error {
	if reaction.Count < 1 {
		return fmt.Errorf("reaction %q on message %s has count %d, want >= 1",
			reaction.EmojiName, reaction.MessageID, reaction.Count)
	}
	now := nowMillis()
	reaction.UpdatedAt = now
	if reaction.CreatedAt == 0 {
		reaction.CreatedAt = now
	}
	query := r.q.Rebind(upsertReactionSQL)
	row := r.q.QueryRowxContext(ctx, query,
		reaction.MessageID, reaction.EmojiID, reaction.EmojiName,
		reaction.EmojiAnimated, reaction.Count,
		reaction.CreatedAt, reaction.UpdatedAt,
	)
	if err := row.Scan(&reaction.CreatedAt, &reaction.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert reaction %q on message %s: %w",
			reaction.EmojiName, reaction.MessageID, err)
	}
	return nil
}

// ListByMessage returns a message's reactions ordered by emoji key.
func (r *Reactions) ListByMessage(ctx context.Context, messageID model.Snowflake) ([]model.Reaction, error) {
	var reactions []model.Reaction
	query := r.q.Rebind(`SELECT ` + reactionCols + ` FROM reactions WHERE message_id = ? ORDER BY emoji_id ASC, emoji_name ASC`)
	if err := r.q.SelectContext(ctx, &reactions, query, messageID); err != nil {
		return nil, fmt.Errorf("failed to list reactions for message %s: %w", messageID, err)
	}
	return reactions, nil
}

// Page returns one offset/limit page of reactions in primary-key order.
func (r *Reactions) Page(ctx context.Context, offset, limit int) ([]model.Reaction, error) {
	var reactions []model.Reaction
	query := r.q.Rebind(`SELECT ` + reactionCols + ` FROM reactions ORDER BY message_id ASC, emoji_id ASC, emoji_name ASC LIMIT ? OFFSET ?`)
	if err := r.q.SelectContext(ctx, &reactions, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to page reactions: %w", err)
	}
	return reactions, nil
}

// BulkUpsert upserts reactions in chunked multi-row statements.
func (r *Reactions) BulkUpsert(ctx context.Context, reactions []model.Reaction) (int, error) {
	if len(reactions) == 0 {
		return 0, nil
	}
	now := nowMillis()
	const cols = 7
	err := bulkUpsert(ctx, r.q, len(reactions), cols,
		`INSERT INTO reactions (message_id, emoji_id, emoji_name, emoji_animated, count, created_at, updated_at) VALUES `,
		` ON CONFLICT (message_id, emoji_id, emoji_name) DO UPDATE SET
			emoji_animated = excluded.emoji_animated,
			count = excluded.count,
			updated_at = excluded.updated_at`,
		func(i int, args []interface{}) []interface{} {
			re := reactions[i]
			created := re.CreatedAt
			if created == 0 {
				created = now
			}
			return append(args, re.MessageID, re.EmojiID, re.EmojiName,
				re.EmojiAnimated, re.Count, created, now)
		})
	if err != nil {
		return 0, fmt.Errorf("failed to bulk upsert reactions: %w", err)
	}
	return len(reactions), nil
}
