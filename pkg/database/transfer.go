package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TableCopy copies one entity table between two stores. Count sizes the
// work; CopyBatch moves one offset/limit page and reports how many rows it
// carried (zero means the table is drained).
type TableCopy struct {
	Table     string
	Count     func(ctx context.Context) (int64, error)
	CopyBatch func(ctx context.Context, offset, limit int) (int, error)
}

// TransferPlan builds the six per-table copies from source to target in
// foreign-key order. Pages read from the source pool are value snapshots,
// detached from any session; each batch merges into the target inside its
// own transaction, so batches commit independently.
func TransferPlan(source, target *Store) []TableCopy {
	src := source.Repos()

	plan := []struct {
		table string
		copy  func(ctx context.Context, tgt *Repos, offset, limit int) (int, error)
	}{
		{"guilds", func(ctx context.Context, tgt *Repos, offset, limit int) (int, error) {
			rows, err := src.Guilds.Page(ctx, offset, limit)
			if err != nil || len(rows) == 0 {
				return 0, err
			}
			return tgt.Guilds.BulkUpsert(ctx, rows)
		}},
		{"users", func(ctx context.Context, tgt *Repos, offset, limit int) (int, error) {
			rows, err := src.Users.Page(ctx, offset, limit)
			if err != nil || len(rows) == 0 {
				return 0, err
			}
			return tgt.Users.BulkUpsert(ctx, rows)
		}},
		{"channels", func(ctx context.Context, tgt *Repos, offset, limit int) (int, error) {
			rows, err := src.Channels.Page(ctx, offset, limit)
			if err != nil || len(rows) == 0 {
				return 0, err
			}
			return tgt.Channels.BulkUpsert(ctx, rows)
		}},
		{"messages", func(ctx context.Context, tgt *Repos, offset, limit int) (int, error) {
			rows, err := src.Messages.Page(ctx, offset, limit)
			if err != nil || len(rows) == 0 {
				return 0, err
			}
			return tgt.Messages.BulkUpsert(ctx, rows)
		}},
		{"attachments", func(ctx context.Context, tgt *Repos, offset, limit int) (int, error) {
			rows, err := src.Attachments.Page(ctx, offset, limit)
			if err != nil || len(rows) == 0 {
				return 0, err
			}
			return tgt.Attachments.BulkUpsert(ctx, rows)
		}},
		{"reactions", func(ctx context.Context, tgt *Repos, offset, limit int) (int, error) {
			rows, err := src.Reactions.Page(ctx, offset, limit)
			if err != nil || len(rows) == 0 {
				return 0, err
			}
			return tgt.Reactions.BulkUpsert(ctx, rows)
		}},
	}

	copies := make([]TableCopy, 0, len(plan))
	for _, p := range plan {
		copyFn := p.copy
		copies = append(copies, TableCopy{
			Table: p.table,
			Count: countRows(source, p.table),
			CopyBatch: func(ctx context.Context, offset, limit int) (int, error) {
				var moved int
				err := target.Tx(ctx, func(tx *sqlx.Tx) error {
					var txErr error
					moved, txErr = copyFn(ctx, NewRepos(tx), offset, limit)
					return txErr
				})
				return moved, err
			},
		})
	}
	return copies
}

// countRows counts a known entity table. Table names come from the fixed
// plan above, never from callers.
func countRows(s *Store, table string) func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		var n int64
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)
		if err := s.db.GetContext(ctx, &n, query); err != nil {
			return 0, fmt.Errorf("failed to count %s: %w", table, err)
		}
		return n, nil
	}
}
