// Package query defines the execution collaborator that runs generated SQL.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrExecution = errors.New("query execution failed")

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

// Records returns one column-to-value map per row.
func (r Result) Records() []map[string]any {
	records := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		record := make(map[string]any, len(r.Columns))
		for i, column := range r.Columns {
			if i < len(row) {
				record[column] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}

type Engine interface {
	Execute(ctx context.Context, sql string) (Result, error)
}

type ExecutionError struct {
	SQL   string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", ErrExecution.Error(), e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}
