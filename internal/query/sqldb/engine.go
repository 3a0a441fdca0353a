package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/askdb/askdb/internal/query"
)

const DefaultMaxRows = 1000

// Engine runs statements verbatim against a database/sql handle.
type Engine struct {
	DB      *sql.DB
	MaxRows int
	Timeout time.Duration
}

func NewEngine(db *sql.DB, maxRows int, timeout time.Duration) *Engine {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Engine{DB: db, MaxRows: maxRows, Timeout: timeout}
}

// Execute stops reading once MaxRows rows are held and marks the result
// truncated. The statement text is never rewritten.
func (e *Engine) Execute(ctx context.Context, sqlText string) (query.Result, error) {
	if strings.TrimSpace(sqlText) == "" {
		return query.Result{}, &query.ExecutionError{SQL: sqlText, Cause: errors.New("sql is required")}
	}
	if e.DB == nil {
		return query.Result{}, &query.ExecutionError{SQL: sqlText, Cause: errors.New("database handle is required")}
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	start := time.Now()
	rows, err := e.DB.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, &query.ExecutionError{SQL: sqlText, Cause: fmt.Errorf("execute query: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, &query.ExecutionError{SQL: sqlText, Cause: fmt.Errorf("query columns: %w", err)}
	}

	maxRows := e.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	resultRows := make([][]any, 0)
	truncated := false
	for rows.Next() {
		if len(resultRows) == maxRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, &query.ExecutionError{SQL: sqlText, Cause: fmt.Errorf("scan row: %w", err)}
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, &query.ExecutionError{SQL: sqlText, Cause: fmt.Errorf("iterate rows: %w", err)}
	}

	return query.Result{
		Columns:   columns,
		Rows:      resultRows,
		Truncated: truncated,
		Duration:  time.Since(start),
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

var _ query.Engine = (*Engine)(nil)
