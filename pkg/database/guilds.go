package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/perihelia/guildvault/pkg/model"
)

const guildCols = `id, name, owner_id, member_count, first_scraped_at, last_scraped_at, scrape_count, created_at, updated_at`

const upsertGuildSQL = `
	INSERT INTO guilds (id, name, owner_id, member_count, first_scraped_at, last_scraped_at, scrape_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		owner_id = excluded.owner_id,
		member_count = excluded.member_count,
		first_scraped_at = excluded.first_scraped_at,
		last_scraped_at = excluded.last_scraped_at,
		scrape_count = excluded.scrape_count,
		updated_at = excluded.updated_at
	RETURNING created_at, updated_at`

// Guilds is the guild repository.
type Guilds struct {
	q Queryer
}

// Get returns the guild or nil when absent.
func (r *Guilds) Get(ctx context.Context, id model.Snowflake) (*model.Guild, error) {
	var g model.Guild
	query := r.q.Rebind(`SELECT ` + guildCols + ` FROM guilds WHERE id = ?`)
	err := r.q.GetContext(ctx, &g, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guild %s: %w", id, err)
	}
	return &g, nil
}

// Upsert inserts or overwrites the guild's non-key fields, preserving
// created_at and advancing updated_at. The persisted timestamps are written
// back into g.
func (r *Guilds) Upsert(ctx context.Context, g *model.Guild) error {
	now := nowMillis()
	g.UpdatedAt = now
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	query := r.q.Rebind(upsertGuildSQL)
	row := r.q.QueryRowxContext(ctx, query,
		g.ID, g.Name, g.OwnerID, g.MemberCount,
		g.FirstScrapedAt, g.LastScrapedAt, g.ScrapeCount,
		g.CreatedAt, g.UpdatedAt,
	)
	if err := row.Scan(&g.CreatedAt, &g.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert guild %s: %w", g.ID, err)
	}
	return nil
}

// List returns all guilds, snowflake ascending.
func (r *Guilds) List(ctx context.Context) ([]model.Guild, error) {
	var guilds []model.Guild
	err := r.q.SelectContext(ctx, &guilds, `SELECT `+guildCols+` FROM guilds ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list guilds: %w", err)
	}
	return guilds, nil
}

// Page returns one offset/limit page of guilds in primary-key order.
func (r *Guilds) Page(ctx context.Context, offset, limit int) ([]model.Guild, error) {
	var guilds []model.Guild
	query := r.q.Rebind(`SELECT ` + guildCols + ` FROM guilds ORDER BY id ASC LIMIT ? OFFSET ?`)
	if err := r.q.SelectContext(ctx, &guilds, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to page guilds: %w", err)
	}
	return guilds, nil
}

// BulkUpsert upserts guilds in chunked multi-row statements. Equivalent to
// sequential Upsert calls; returns the number of rows processed.
func (r *Guilds) BulkUpsert(ctx context.Context, guilds []model.Guild) (int, error) {
	if len(guilds) == 0 {
		return 0, nil
	}
	now := nowMillis()
	const cols = 9
	err := bulkUpsert(ctx, r.q, len(guilds), cols,
		`INSERT INTO guilds (id, name, owner_id, member_count, first_scraped_at, last_scraped_at, scrape_count, created_at, updated_at) VALUES `,
		` ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			owner_id = excluded.owner_id,
			member_count = excluded.member_count,
			first_scraped_at = excluded.first_scraped_at,
			last_scraped_at = excluded.last_scraped_at,
			scrape_count = excluded.scrape_count,
			updated_at = excluded.updated_at`,
		func(i int, args []interface{}) []interface{} {
			g := guilds[i]
			created := g.CreatedAt
			if created == 0 {
				created = now
			}
			return append(args, g.ID, g.Name, g.OwnerID, g.MemberCount,
				g.FirstScrapedAt, g.LastScrapedAt, g.ScrapeCount, created, now)
		})
	if err != nil {
		return 0, fmt.Errorf("failed to bulk upsert guilds: %w", err)
	}
	return len(guilds), nil
}
