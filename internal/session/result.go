package session

import (
	"time"

	"github.com/askdb/askdb/internal/query"
)

type ResultKind string

const (
	ResultRows  ResultKind = "rows"
	ResultError ResultKind = "error"
)

// QueryResult is the outcome of executing the latest generated statement.
// Rows-kind results carry Columns and Rows; error-kind results carry Error.
type QueryResult struct {
	Kind        ResultKind    `json:"kind"`
	SQL         string        `json:"sql"`
	Columns     []string      `json:"columns,omitempty"`
	Rows        [][]any       `json:"rows,omitempty"`
	Truncated   bool          `json:"truncated,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	CompletedAt time.Time     `json:"completed_at"`
}

func rowsResult(sql string, result query.Result, at time.Time) QueryResult {
	columns := append([]string(nil), result.Columns...)
	rows := make([][]any, len(result.Rows))
	for i, row := range result.Rows {
		rows[i] = append([]any(nil), row...)
	}
	return QueryResult{
		Kind:        ResultRows,
		SQL:         sql,
		Columns:     columns,
		Rows:        rows,
		Truncated:   result.Truncated,
		Duration:    result.Duration,
		CompletedAt: at,
	}
}

func errorResult(sql string, err error, elapsed time.Duration, at time.Time) QueryResult {
	return QueryResult{
		Kind:        ResultError,
		SQL:         sql,
		Error:       err.Error(),
		Duration:    elapsed,
		CompletedAt: at,
	}
}

func (r QueryResult) Failed() bool {
	return r.Kind == ResultError
}

// Records returns rows as column-to-value maps. Error results have none.
func (r QueryResult) Records() []map[string]any {
	if r.Kind != ResultRows {
		return nil
	}
	return query.Result{Columns: r.Columns, Rows: r.Rows}.Records()
}

func (r QueryResult) clone() QueryResult {
	out := r
	out.Columns = append([]string(nil), r.Columns...)
	if r.Rows != nil {
		out.Rows = make([][]any, len(r.Rows))
		for i, row := range r.Rows {
			out.Rows[i] = append([]any(nil), row...)
		}
	}
	return out
}
