// Package store wraps the embedded DuckDB database that backs accelerated
// table mirrors, federated staging tables and query execution. Writers swap
// snapshots inside transactions; readers always observe a fully-installed
// snapshot.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"

	"helios-runtime/internal/connectors"
	rterrors "helios-runtime/internal/errors"
)

// Store is a handle to the local DuckDB database.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	// swapMu serializes snapshot swaps so concurrent refreshes of different
	// tables cannot deadlock on the rename dance.
	swapMu sync.Mutex
}

// Open opens (or creates) the local store. An empty path opens an in-memory
// database.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, rterrors.Internal("STORE_OPEN", "failed to open local store").WithCause(err).Build()
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for the query engine.
func (s *Store) DB() *sql.DB { return s.db }

// ExecContext runs a statement against the store.
func (s *Store) ExecContext(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// CreateSchema ensures a schema exists.
func (s *Store) CreateSchema(ctx context.Context, name string) error {
	return s.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(name)))
}

// CreateTable creates a table matching the given Arrow schema.
func (s *Store) CreateTable(ctx context.Context, table string, schema *arrow.Schema) error {
	ddl, err := createTableDDL(table, schema)
	if err != nil {
		return err
	}
	return s.ExecContext(ctx, ddl)
}

// TableExists reports whether a table exists.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	parts := splitQualified(table)
	schema := "main"
	name := parts[len(parts)-1]
	if len(parts) > 1 {
		schema = parts[len(parts)-2]
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?",
		schema, name)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// IngestStream appends every batch of the stream into table, in stream order,
// inside a single transaction. On error nothing is kept.
func (s *Store) IngestStream(ctx context.Context, table string, stream connectors.BatchStream) (int64, error) {
	defer stream.Close()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, rterrors.Internal("STORE_TX", "failed to begin ingest transaction").WithCause(err).Build()
	}
	total, err := ingestInto(ctx, tx, table, stream)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, rterrors.Internal("STORE_TX", "failed to commit ingest transaction").WithCause(err).Build()
	}
	return total, nil
}

// ReplaceFromStream materializes the stream into a staging table and swaps it
// in under the target name atomically. The previous snapshot stays readable
// until the swap commits.
func (s *Store) ReplaceFromStream(ctx context.Context, table string, stream connectors.BatchStream) (int64, error) {
	staging := stagingName(table)
	if err := s.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteQualified(staging))); err != nil {
		stream.Close()
		return 0, err
	}
	if err := s.CreateTable(ctx, staging, stream.Schema()); err != nil {
		stream.Close()
		return 0, err
	}
	total, err := s.IngestStream(ctx, staging, stream)
	if err != nil {
		_ = s.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteQualified(staging)))
		return 0, err
	}

	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, rterrors.Internal("STORE_TX", "failed to begin swap transaction").WithCause(err).Build()
	}
	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteQualified(table)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteQualified(staging), quoteIdent(lastPart(table))),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return 0, rterrors.Internal("STORE_SWAP", "failed to swap snapshot").
				WithResource(table).WithCause(err).Build()
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, rterrors.Internal("STORE_SWAP", "failed to commit snapshot swap").WithCause(err).Build()
	}
	return total, nil
}

// MaxValue returns max(column) for the table, with found=false on an empty
// table.
func (s *Store) MaxValue(ctx context.Context, table, column string) (any, bool, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT max(%s) FROM %s", quoteIdent(column), quoteQualified(table)))
	var v any
	if err := row.Scan(&v); err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// CountRows returns the row count of a table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", quoteQualified(table)))
	var n int64
	err := row.Scan(&n)
	return n, err
}

// ApplyChanges applies a CDC batch transactionally: deletes by key, then
// upserts (delete + insert) in commit order.
func (s *Store) ApplyChanges(ctx context.Context, table string, keyColumns []string, changes []connectors.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rterrors.Internal("STORE_TX", "failed to begin changes transaction").WithCause(err).Build()
	}
	for _, change := range changes {
		if err := applyChange(ctx, tx, table, keyColumns, change); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return rterrors.Internal("STORE_TX", "failed to commit changes transaction").WithCause(err).Build()
	}
	return nil
}

func applyChange(ctx context.Context, tx *sql.Tx, table string, keyColumns []string, change connectors.Change) error {
	where := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		where[i] = fmt.Sprintf("%s = ?", quoteIdent(col))
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteQualified(table), strings.Join(where, " AND "))
	if _, err := tx.ExecContext(ctx, del, change.Key...); err != nil {
		return rterrors.Internal("STORE_CHANGES", "failed to apply delete").WithCause(err).Build()
	}
	if change.Op == connectors.ChangeDelete {
		return nil
	}
	stream := connectors.NewSliceStream(change.Data.Schema(), []arrow.Record{change.Data})
	if _, err := ingestInto(ctx, tx, table, stream); err != nil {
		return err
	}
	return nil
}

// DropTable removes a table.
func (s *Store) DropTable(ctx context.Context, table string) error {
	return s.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteQualified(table)))
}

// ----------------------------------------------------------------------------
// identifiers
// ----------------------------------------------------------------------------

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteQualified(name string) string {
	parts := splitQualified(name)
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func splitQualified(name string) []string {
	return strings.Split(name, ".")
}

func lastPart(name string) string {
	parts := splitQualified(name)
	return parts[len(parts)-1]
}

func stagingName(table string) string {
	parts := splitQualified(table)
	parts[len(parts)-1] = "__staging_" + parts[len(parts)-1]
	return strings.Join(parts, ".")
}
