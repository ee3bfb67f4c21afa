// Package executor runs validated SQL against a bound database with a
// wall-clock timeout and a hard row cap.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"

	"github.com/tabletalk/tabletalk/internal/observability"
)

// ExecutionError wraps a driver failure. The driver message travels
// verbatim so the repair prompt can quote it.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute query: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Limits bound a single execution.
type Limits struct {
	Timeout time.Duration
	MaxRows int
}

// ResultSet is the stable tabular outcome of one execution. Every row
// has exactly len(Columns) values.
type ResultSet struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

// Open connects a binding descriptor through the driver registered for
// its dialect and verifies the connection with a ping.
func Open(ctx context.Context, descriptor, dialect string) (*sql.DB, error) {
	driver, err := driverForDialect(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, descriptor)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}
	return db, nil
}

func driverForDialect(dialect string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(dialect)) {
	case "postgres", "postgresql":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	case "duckdb":
		return "duckdb", nil
	default:
		return "", fmt.Errorf("unsupported dialect: %q", dialect)
	}
}

// Executor runs read statements on one open handle.
type Executor struct {
	db *sql.DB
}

func New(db *sql.DB) *Executor {
	return &Executor{db: db}
}

func (e *Executor) Execute(ctx context.Context, sqlText string, limits Limits) (ResultSet, error) {
	if strings.TrimSpace(sqlText) == "" {
		return ResultSet{}, fmt.Errorf("sql is required")
	}
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		if ctx.Err() != nil {
			return ResultSet{}, ctx.Err()
		}
		return ResultSet{}, &ExecutionError{Err: err}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return ResultSet{}, &ExecutionError{Err: err}
	}

	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if limits.MaxRows > 0 && len(resultRows) >= limits.MaxRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return ResultSet{}, &ExecutionError{Err: err}
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return ResultSet{}, ctx.Err()
		}
		return ResultSet{}, &ExecutionError{Err: err}
	}

	duration := time.Since(start)
	observability.ObserveQueryExecution(duration)
	return ResultSet{
		Columns:   columns,
		Rows:      resultRows,
		Truncated: truncated,
		Duration:  duration,
	}, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
