package db

import "context"

type Row interface {
	Scan(dest ...any) error
}

type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Client is the narrow SQL surface the repositories and the SQL queue use.
// Exec returns the number of affected rows so callers can express
// conditional updates ("UPDATE ... WHERE flag = 0") as check-and-set.
type Client interface {
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	QueryRow(ctx context.Context, query string, args ...any) (Row, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	// InTx runs fn against a transaction-scoped Client. The transaction is
	// committed when fn returns nil and rolled back otherwise.
	InTx(ctx context.Context, fn func(tx Client) error) error
}
