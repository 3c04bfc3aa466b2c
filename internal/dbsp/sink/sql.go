package sink

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported destination drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// OpenDB opens a destination database.
func OpenDB(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported sink driver %q (expected %s or %s)", driver, DriverSQLite, DriverPostgres)
	}
	if dsn == "" {
		return nil, fmt.Errorf("sink dsn is empty")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s sink: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// SQLExecutor runs statements against a database/sql handle, one
// transaction per call.
type SQLExecutor struct {
	db *sql.DB
}

var _ Executor = (*SQLExecutor)(nil)

func NewSQLExecutor(db *sql.DB) *SQLExecutor {
	return &SQLExecutor{db: db}
}

func (e *SQLExecutor) Exec(ctx context.Context, stmts []Statement) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.SQL()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec %s on %s: %w", s.Kind, s.Table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (e *SQLExecutor) Close() error { return e.db.Close() }
