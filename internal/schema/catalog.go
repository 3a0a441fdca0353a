// Package schema builds the table/column/type catalog of a connected database
// and renders it for inclusion in model prompts.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrIntrospection matches every *IntrospectionError through errors.Is.
var ErrIntrospection = errors.New("schema introspection failed")

// ColumnRecord is one row of the introspection query.
type ColumnRecord struct {
	Table    string
	Column   string
	DataType string
}

// Introspector lists the columns of every table in the configured namespace.
type Introspector interface {
	Columns(ctx context.Context) ([]ColumnRecord, error)
}

// IntrospectorFunc adapts a function to Introspector.
type IntrospectorFunc func(ctx context.Context) ([]ColumnRecord, error)

func (f IntrospectorFunc) Columns(ctx context.Context) ([]ColumnRecord, error) {
	return f(ctx)
}

type IntrospectionError struct {
	Cause error
}

func (e *IntrospectionError) Error() string {
	if e.Cause == nil {
		return ErrIntrospection.Error()
	}
	return fmt.Sprintf("%s: %v", ErrIntrospection.Error(), e.Cause)
}

func (e *IntrospectionError) Unwrap() error {
	return e.Cause
}

func (e *IntrospectionError) Is(target error) bool {
	return target == ErrIntrospection
}

// Catalog maps table name to column name to declared type. It is immutable
// once constructed and safe for concurrent reads.
type Catalog struct {
	tables     map[string]map[string]string
	capturedAt time.Time
}

// NewCatalog deep-copies tables.
func NewCatalog(tables map[string]map[string]string) *Catalog {
	copied := make(map[string]map[string]string, len(tables))
	for table, columns := range tables {
		cols := make(map[string]string, len(columns))
		for column, dataType := range columns {
			cols[column] = dataType
		}
		copied[table] = cols
	}
	return &Catalog{tables: copied, capturedAt: time.Now().UTC()}
}

// FromRecords groups records by table. A repeated (table, column) pair keeps
// the last type seen.
func FromRecords(records []ColumnRecord) *Catalog {
	tables := make(map[string]map[string]string)
	for _, record := range records {
		columns, ok := tables[record.Table]
		if !ok {
			columns = make(map[string]string)
			tables[record.Table] = columns
		}
		columns[record.Column] = record.DataType
	}
	return &Catalog{tables: tables, capturedAt: time.Now().UTC()}
}

// Build runs the introspector once. Any failure yields an *IntrospectionError
// and no catalog.
func Build(ctx context.Context, introspector Introspector) (*Catalog, error) {
	if introspector == nil {
		return nil, &IntrospectionError{Cause: errors.New("introspector is required")}
	}
	records, err := introspector.Columns(ctx)
	if err != nil {
		return nil, &IntrospectionError{Cause: err}
	}
	return FromRecords(records), nil
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tables)
}

// Tables returns table names in ascending order.
func (c *Catalog) Tables() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Columns returns a copy of the column map of table.
func (c *Catalog) Columns(table string) (map[string]string, bool) {
	if c == nil {
		return nil, false
	}
	columns, ok := c.tables[table]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(columns))
	for column, dataType := range columns {
		out[column] = dataType
	}
	return out, true
}

func (c *Catalog) CapturedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.capturedAt
}

// Equal reports whether both catalogs hold the same tables, columns and types.
func (c *Catalog) Equal(other *Catalog) bool {
	if c.Len() != other.Len() {
		return false
	}
	for _, table := range c.Tables() {
		mine, _ := c.Columns(table)
		theirs, ok := other.Columns(table)
		if !ok || len(mine) != len(theirs) {
			return false
		}
		for column, dataType := range mine {
			if theirs[column] != dataType {
				return false
			}
		}
	}
	return true
}

// Render serializes the catalog as indented JSON with sorted keys. Equal
// catalogs render byte-identical text.
func Render(c *Catalog) string {
	if c.Len() == 0 {
		return "{}"
	}
	// encoding/json sorts map keys, which makes the output canonical.
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(c.tables); err != nil {
		return "{}"
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
