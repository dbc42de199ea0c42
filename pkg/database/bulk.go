package database

import (
	"context"
	"strings"
)

// bulkChunkRows bounds the rows per multi-row INSERT so the bind-variable
// count stays well under SQLite's limit.
const bulkChunkRows = 200

// bulkUpsert executes chunked multi-row INSERT ... ON CONFLICT statements.
// appendRow appends one row's bind values and returns the grown slice; the
// caller's prefix/suffix carry the column list and conflict clause.
func bulkUpsert(ctx context.Context, q Queryer, total, cols int, insertPrefix, conflictSuffix string, appendRow func(i int, args []interface{}) []interface{}) error {
	tuple := "(" + strings.Repeat("?, ", cols-1) + "?)"
	for start := 0; start < total; start += bulkChunkRows {
		end := start + bulkChunkRows
		if end > total {
			end = total
		}

		var sb strings.Builder
		sb.WriteString(insertPrefix)
		args := make([]interface{}, 0, (end-start)*cols)
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString(", ")
			}
			sb.WriteString(tuple)
			args = appendRow(i, args)
		}
		sb.WriteString(conflictSuffix)

		query := q.Rebind(sb.String())
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}
