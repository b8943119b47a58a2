package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// BulkWrite describes a batched INSERT ... ON CONFLICT through a temp table.
type BulkWrite struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns in row order
	ConflictKeys []string // unique constraint columns
	UpdateCols   []string // columns refreshed on conflict; empty means DO NOTHING
}

// Apply copies rows into a session temp table shaped like the target and
// merges them with a single INSERT ... SELECT ... ON CONFLICT. It runs on the
// caller's transaction. Returns the number of rows inserted or updated.
func (b BulkWrite) Apply(ctx context.Context, tx pgx.Tx, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(b.Columns) == 0 {
		return 0, eris.New("db: bulk write: no columns specified")
	}
	if len(b.ConflictKeys) == 0 {
		return 0, eris.New("db: bulk write: no conflict keys specified")
	}

	temp := "_bulk_" + strings.ReplaceAll(b.Table, ".", "_")
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{temp}.Sanitize(),
		sanitizeTable(b.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: bulk write: create temp table for %s", b.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{temp}, b.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: bulk write: COPY INTO %s", temp)
	}

	tag, err := tx.Exec(ctx, b.mergeSQL(temp))
	if err != nil {
		return 0, eris.Wrapf(err, "db: bulk write: merge into %s", b.Table)
	}
	if _, err := tx.Exec(ctx, "DROP TABLE "+pgx.Identifier{temp}.Sanitize()); err != nil {
		return 0, eris.Wrapf(err, "db: bulk write: drop %s", temp)
	}
	return tag.RowsAffected(), nil
}

// mergeSQL builds the INSERT ... SELECT DISTINCT ON ... ON CONFLICT statement.
// DISTINCT ON keeps one row per conflict key so a batch never touches the
// same target row twice.
func (b BulkWrite) mergeSQL(temp string) string {
	cols := quoteAndJoin(b.Columns)
	keys := quoteAndJoin(b.ConflictKeys)

	action := "DO NOTHING"
	if len(b.UpdateCols) > 0 {
		sets := make([]string, len(b.UpdateCols))
		for i, c := range b.UpdateCols {
			id := pgx.Identifier{c}.Sanitize()
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", id, id)
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT DISTINCT ON (%s) %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(b.Table), cols, keys, cols, pgx.Identifier{temp}.Sanitize(), keys, action,
	)
}

// sanitizeTable handles schema-qualified names such as "public.lead_events".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
