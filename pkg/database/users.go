package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/perihelia/guildvault/pkg/model"
)

const userCols = `id, username, discriminator, display_name, avatar_url, bot, created_at, updated_at`

const upsertUserSQL = `
	INSERT INTO users (id, username, discriminator, display_name, avatar_url, bot, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		username = excluded.username,
		discriminator = excluded.discriminator,
		display_name = excluded.display_name,
		avatar_url = excluded.avatar_url,
		bot = excluded.bot,
		updated_at = excluded.updated_at
	RETURNING created_at, updated_at`

// Users is the user repository.
type Users struct {
	q Queryer
}

// Get returns the user or nil when absent.
func (r *Users) Get(ctx context.Context, id model.Snowflake) (*model.User, error) {
	var u model.User
	query := r.q.Rebind(`SELECT ` + userCols + ` FROM users WHERE id = ?`)
	err := r.q.GetContext(ctx, &u, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}

// Upsert inserts or overwrites the user's non-key fields.
func (r *Users) Upsert(ctx context.Context, u *model.User) error {
	now := nowMillis()
	u.UpdatedAt = now
	if u.CreatedAt == 0 {
		u.CreatedAt = now
	}
	query := r.q.Rebind(upsertUserSQL)
	row := r.q.QueryRowxContext(ctx, query,
		u.ID, u.Username, u.Discriminator, u.DisplayName, u.AvatarURL, u.Bot,
		u.CreatedAt, u.UpdatedAt,
	)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}

// Page returns one offset/limit page of users in primary-key order.
func (r *Users) Page(ctx context.Context, offset, limit int) ([]model.User, error) {
	var users []model.User
	query := r.q.Rebind(`SELECT ` + userCols + ` FROM users ORDER BY id ASC LIMIT ? OFFSET ?`)
	if err := r.q.SelectContext(ctx, &users, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to page users: %w", err)
	}
	return users, nil
}

// BulkUpsert upserts users in chunked multi-row statements.
func (r *Users) BulkUpsert(ctx context.Context, users []model.User) (int, error) {
	if len(users) == 0 {
		return 0, nil
	}
	now := nowMillis()
	const cols = 8
	err := bulkUpsert(ctx, r.q, len(users), cols,
		`INSERT INTO users (id, username, discriminator, display_name, avatar_url, bot, created_at, updated_at) VALUES `,
		` ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			discriminator = excluded.discriminator,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			bot = excluded.bot,
			updated_at = excluded.updated_at`,
		func(i int, args []interface{}) []interface{} {
			u := users[i]
			created := u.CreatedAt
			if created == 0 {
				created = now
			}
			return append(args, u.ID, u.Username, u.Discriminator, u.DisplayName,
				u.AvatarURL, u.Bot, created, now)
		})
	if err != nil {
		return 0, fmt.Errorf("failed to bulk upsert users: %w", err)
	}
	return len(users), nil
}
