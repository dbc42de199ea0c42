package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/perihelia/guildvault/pkg/model"
)

const attachmentCols = `id, message_id, filename, content_type, size, remote_url, proxy_url, width, height, local_path, download_state, created_at, updated_at`

const upsertAttachmentSQL = `
	INSERT INTO attachments (id, message_id, filename, content_type, size, remote_url, proxy_url, width, height, local_path, download_state, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		message_id = excluded.message_id,
		filename = excluded.filename,
		content_type = excluded.content_type,
		size = excluded.size,
		remote_url = excluded.remote_url,
		proxy_url = excluded.proxy_url,
		width = excluded.width,
		height = excluded.height,
		local_path = excluded.local_path,
		download_state = excluded.download_state,
		updated_at = excluded.updated_at
	RETURNING created_at, updated_at`

// Attachments is the attachment repository.
type Attachments struct {
	q Queryer
}

// PendingAttachment joins an attachment with its channel, which names the
// download directory.
type PendingAttachment struct {
	model.Attachment
	ChannelID model.Snowflake `db:"channel_id"`
}

// Get returns the attachment or nil when absent.
func (r *Attachments) Get(ctx context.Context, id model.Snowflake) (*model.Attachment, error) {
	var a model.Attachment
	query := r.q.Rebind(`SELECT ` + attachmentCols + ` FROM attachments WHERE id = ?`)
	err := r.q.GetContext(ctx, &a, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %s: %w", id, err)
	}
	return &a, nil
}

// Upsert inserts or overwrites the attachment's non-key fields. A re-scraped
// attachment keeps whatever download progress the caller put on the entity.
func (r *Attachments) Upsert(ctx context.Context, a *model.Attachment) error {
	now := nowMillis()
	a.UpdatedAt = now
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	if a.DownloadState == "" {
		a.DownloadState = model.DownloadPending
	}
	query := r.q.Rebind(upsertAttachmentSQL)
	row := r.q.QueryRowxContext(ctx, query,
		a.ID, a.MessageID, a.Filename, a.ContentType, a.Size,
		a.RemoteURL, a.ProxyURL, a.Width, a.Height,
		a.LocalPath, a.DownloadState, a.CreatedAt, a.UpdatedAt,
	)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert attachment %s: %w", a.ID, err)
	}
	return nil
}

// ListByMessage returns a message's attachments, snowflake ascending.
func (r *Attachments) ListByMessage(ctx context.Context, messageID model.Snowflake) ([]model.Attachment, error) {
	var attachments []model.Attachment
	query := r.q.Rebind(`SELECT ` + attachmentCols + ` FROM attachments WHERE message_id = ? ORDER BY id ASC`)
	if err := r.q.SelectContext(ctx, &attachments, query, messageID); err != nil {
		return nil, fmt.Errorf("failed to list attachments for message %s: %w", messageID, err)
	}
	return attachments, nil
}

// ListPending returns every pending attachment joined with its channel id,
// snowflake ascending. The downloader filters images and skips the rest.
func (r *Attachments) ListPending(ctx context.Context) ([]PendingAttachment, error) {
	var pending []PendingAttachment
	query := r.q.Rebind(`
		SELECT ` + attachmentColsPrefixed + `, m.channel_id
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE a.download_state = ?
		ORDER BY a.id ASC`)
	if err := r.q.SelectContext(ctx, &pending, query, model.DownloadPending); err != nil {
		return nil, fmt.Errorf("failed to list pending attachments: %w", err)
	}
	return pending, nil
}

// attachmentColsPrefixed is the column list qualified for joins.
const attachmentColsPrefixed = `a.id, a.message_id, a.filename, a.content_type, a.size, a.remote_url, a.proxy_url, a.width, a.height, a.local_path, a.download_state, a.created_at, a.updated_at`

// SetDownloadState transitions one attachment's download lifecycle,
// recording the local path when the state is downloaded.
func (r *Attachments) SetDownloadState(ctx context.Context, id model.Snowflake, state model.DownloadState, localPath *string) error {
	query := r.q.Rebind(`UPDATE attachments SET download_state = ?, local_path = ?, updated_at = ? WHERE id = ?`)
	if _, err := r.q.ExecContext(ctx, query, state, localPath, nowMillis(), id); err != nil {
		return fmt.Errorf("failed to set download state for attachment %s: %w", id, err)
	}
	return nil
}

// MarkSkipped bulk-transitions attachments to skipped (non-image pending
// rows at download start).
func (r *Attachments) MarkSkipped(ctx context.Context, ids []model.Snowflake) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE attachments SET download_state = ?, updated_at = ? WHERE id IN (?)`,
		model.DownloadSkipped, nowMillis(), ids,
	)
	if err != nil {
		return fmt.Errorf("failed to build skip update: %w", err)
	}
	query = r.q.Rebind(query)
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark attachments skipped: %w", err)
	}
	return nil
}

// Page returns one offset/limit page of attachments in primary-key order.
func (r *Attachments) Page(ctx context.Context, offset, limit int) ([]model.Attachment, error) {
	var attachments []model.Attachment
	query := r.q.Rebind(`SELECT ` + attachmentCols + ` FROM attachments ORDER BY id ASC LIMIT ? OFFSET ?`)
	if err := r.q.SelectContext(ctx, &attachments, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to page attachments: %w", err)
	}
	return attachments, nil
}

// BulkUpsert upserts attachments in chunked multi-row statements.
func (r *Attachments) BulkUpsert(ctx context.Context, attachments []model.Attachment) (int, error) {
	if len(attachments) == 0 {
		return 0, nil
	}
	now := nowMillis()
	const cols = 13
	err := bulkUpsert(ctx, r.q, len(attachments), cols,
		`INSERT INTO attachments (id, message_id, filename, content_type, size, remote_url, proxy_url, width, height, local_path, download_state, created_at, updated_at) VALUES `,
		` ON CONFLICT (id) DO UPDATE SET
			message_id = excluded.message_id,
			filename = excluded.filename,
			content_type = excluded.content_type,
			size = excluded.size,
			remote_url = excluded.remote_url,
			proxy_url = excluded.proxy_url,
			width = excluded.width,
			height = excluded.height,
			local_path = excluded.local_path,
			download_state = excluded.download_state,
			updated_at = excluded.updated_at`,
		func(i int, args []interface{}) []interface{} {
			a := attachments[i]
			created := a.CreatedAt
			if created == 0 {
				created = now
			}
			state := a.DownloadState
			if state == "" {
				state = model.DownloadPending
			}
			return append(args, a.ID, a.MessageID, a.Filename, a.ContentType, a.Size,
				a.RemoteURL, a.ProxyURL, a.Width, a.Height, a.LocalPath, state, created, now)
		})
	if err != nil {
		return 0, fmt.Errorf("failed to bulk upsert attachments: %w", err)
	}
	return len(attachments), nil
}
