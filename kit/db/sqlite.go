package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteClient implements Client on top of the pure Go SQLite driver.
// It keeps a single open connection: SQLite serialises writers anyway and a
// single connection keeps ":memory:" databases shared across calls.
type SQLiteClient struct {
	db *sql.DB
}

var _ Client = (*SQLiteClient)(nil)

// OpenSQLite opens (or creates) the database at dsn and applies every schema
// statement block in order.
func OpenSQLite(ctx context.Context, dsn string, schemas ...string) (*SQLiteClient, error) {
	if dsn == "" {
		return nil, errors.Join(ErrInvalid, errors.New("empty dsn"))
	}
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	if !memory && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			slog.Error("db open error", "layer", "client", "component", "db", "method", "OpenSQLite", "dsn", dsn, "error", err)
			return nil, errors.Join(ErrInternal, err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Join(ErrInternal, fmt.Errorf("open database: %w", err))
	}
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if !memory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			_ = sqlDB.Close()
			return nil, errors.Join(ErrInternal, fmt.Errorf("%s: %w", p, err))
		}
	}

	c := &SQLiteClient{db: sqlDB}
	for _, schema := range schemas {
		if err := c.Migrate(ctx, schema); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return c, nil
}

// Migrate executes a schema block. Blocks are expected to be idempotent
// (CREATE ... IF NOT EXISTS).
func (c *SQLiteClient) Migrate(ctx context.Context, schema string) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return errors.Join(ErrInternal, fmt.Errorf("run migrations: %w", err))
	}
	return nil
}

func (c *SQLiteClient) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return errors.Join(ErrInternal, err)
	}
	return nil
}

func (c *SQLiteClient) Close() error {
	return c.db.Close()
}

func (c *SQLiteClient) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execOn(ctx, c.db, query, args...)
}

func (c *SQLiteClient) QueryRow(ctx context.Context, query string, args ...any) (Row, error) {
	return &sqlRow{row: c.db.QueryRowContext(ctx, query, args...)}, nil
}

func (c *SQLiteClient) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return queryOn(ctx, c.db, query, args...)
}

func (c *SQLiteClient) InTx(ctx context.Context, fn func(tx Client) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(ErrInternal, fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(&txClient{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(ErrInternal, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func execOn(ctx context.Context, q execQuerier, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Join(ErrInternal, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Join(ErrInternal, err)
	}
	return n, nil
}

func queryOn(ctx context.Context, q execQuerier, query string, args ...any) (Rows, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrInternal, err)
	}
	return rows, nil
}

type txClient struct {
	tx *sql.Tx
}

func (t *txClient) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return execOn(ctx, t.tx, query, args...)
}

func (t *txClient) QueryRow(ctx context.Context, query string, args ...any) (Row, error) {
	return &sqlRow{row: t.tx.QueryRowContext(ctx, query, args...)}, nil
}

func (t *txClient) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return queryOn(ctx, t.tx, query, args...)
}

// InTx on a transaction-scoped client joins the running transaction.
func (t *txClient) InTx(ctx context.Context, fn func(tx Client) error) error {
	return fn(t)
}

type sqlRow struct {
	row *sql.Row
}

func (r *sqlRow) Scan(dest ...any) error {
	if err := r.row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return errors.Join(ErrInternal, err)
	}
	return nil
}
