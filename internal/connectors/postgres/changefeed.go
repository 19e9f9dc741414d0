package postgres

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5/pgxpool"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
)

// changeFeed reads the `<table>_changes` audit table in commit order. Each
// audit row carries (commit_id, op, key, payload columns...). Commit persists
// the acknowledged commit id into `<table>_changes_cursor` so a restarted
// feed resumes where it left off. Once the audit table is drained Next
// returns io.EOF; the next refresh cycle re-opens the window from the cursor.
type changeFeed struct {
	pool    *pgxpool.Pool
	table   string
	cursor  int64
	pending []connectors.Change
}

func newChangeFeed(ctx context.Context, pool *pgxpool.Pool, table string) (*changeFeed, error) {
	feed := &changeFeed{pool: pool, table: table}
	row := pool.QueryRow(ctx,
		fmt.Sprintf("SELECT coalesce(max(commit_id), 0) FROM %s", quoteTable(table+"_changes_cursor")))
	if err := row.Scan(&feed.cursor); err != nil {
		// A missing cursor table means the feed starts from the beginning.
		feed.cursor = 0
	}
	return feed, nil
}

// Next implements connectors.ChangeStream.
func (f *changeFeed) Next(ctx context.Context) (connectors.Change, error) {
	if len(f.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return connectors.Change{}, err
		}
		if err := f.poll(ctx); err != nil {
			return connectors.Change{}, err
		}
		if len(f.pending) == 0 {
			return connectors.Change{}, io.EOF
		}
	}
	change := f.pending[0]
	f.pending = f.pending[1:]
	return change, nil
}

func (f *changeFeed) poll(ctx context.Context) error {
	sql := fmt.Sprintf(
		"SELECT * FROM %s WHERE commit_id > %d ORDER BY commit_id LIMIT 1024",
		quoteTable(f.table+"_changes"), f.cursor)
	rows, err := f.pool.Query(ctx, sql)
	if err != nil {
		return scanError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	commitIdx, opIdx, keyIdx := -1, -1, -1
	var dataFields []arrow.Field
	var dataIdx []int
	for i, fd := range fields {
		switch fd.Name {
		case "commit_id":
			commitIdx = i
		case "op":
			opIdx = i
		case "key":
			keyIdx = i
		default:
			dataFields = append(dataFields, arrow.Field{
				Name: fd.Name, Type: arrowTypeForOID(fd.DataTypeOID), Nullable: true})
			dataIdx = append(dataIdx, i)
		}
	}
	if commitIdx < 0 || opIdx < 0 || keyIdx < 0 {
		return rterrors.FailedPrecondition("CDC_BAD_AUDIT_TABLE",
			fmt.Sprintf("audit table %s_changes must carry commit_id, op and key columns", f.table)).Build()
	}
	schema := arrow.NewSchema(dataFields, nil)

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return scanError(err)
		}
		commitID := values[commitIdx].(int64)
		op := connectors.ChangeUpsert
		if s, ok := values[opIdx].(string); ok && s == "delete" {
			op = connectors.ChangeDelete
		}

		var data arrow.Record
		if op == connectors.ChangeUpsert {
			builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
			for out, in := range dataIdx {
				appendGoValue(builder.Field(out), values[in])
			}
			data = builder.NewRecord()
			builder.Release()
		}

		f.pending = append(f.pending, connectors.Change{
			Op:          op,
			Key:         []any{values[keyIdx]},
			Data:        data,
			CommitToken: strconv.FormatInt(commitID, 10),
		})
		f.cursor = commitID
	}
	return rows.Err()
}

// Commit implements connectors.ChangeStream.
func (f *changeFeed) Commit(ctx context.Context, token string) error {
	id, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return rterrors.InvalidArgument("CDC_BAD_TOKEN", "commit token is not an integer").Build()
	}
	_, err = f.pool.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (commit_id) VALUES ($1)", quoteTable(f.table+"_changes_cursor")), id)
	if err != nil {
		return rterrors.Unavailable("CDC_COMMIT", "failed to persist change cursor").WithCause(err).Build()
	}
	return nil
}

// Close implements connectors.ChangeStream.
func (f *changeFeed) Close() {
	for _, c := range f.pending {
		if c.Data != nil {
			c.Data.Release()
		}
	}
	f.pending = nil
}
