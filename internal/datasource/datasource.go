// Package datasource opens the user's database and lists its columns for the
// schema catalog.
package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/schema"
)

// Dialect describes how to reach and introspect one database family.
type Dialect struct {
	Name       string
	DriverName string
	// Query lists table_name, column_name, data_type. It takes the namespace as
	// its only argument unless Namespaced is false.
	Query      string
	Namespaced bool
	// SingleConn keeps the pool at one connection for in-memory databases.
	SingleConn bool
}

const informationSchemaQuery = `SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = %s ORDER BY table_name, ordinal_position`

var dialects = map[string]Dialect{
	config.DriverPostgres: {
		Name:       config.DriverPostgres,
		DriverName: "pgx",
		Query:      fmt.Sprintf(informationSchemaQuery, "$1"),
		Namespaced: true,
	},
	config.DriverDuckDB: {
		Name:       config.DriverDuckDB,
		DriverName: "duckdb",
		Query:      fmt.Sprintf(informationSchemaQuery, "?"),
		Namespaced: true,
		SingleConn: true,
	},
	config.DriverSQLServer: {
		Name:       config.DriverSQLServer,
		DriverName: "sqlserver",
		Query:      fmt.Sprintf(informationSchemaQuery, "@p1"),
		Namespaced: true,
	},
	config.DriverSQLite: {
		Name:       config.DriverSQLite,
		DriverName: "sqlite3",
		Query: `SELECT m.name, p.name, p.type FROM sqlite_master AS m ` +
			`JOIN pragma_table_info(m.name) AS p ` +
			`WHERE m.type IN ('table', 'view') AND m.name NOT LIKE 'sqlite_%' ` +
			`ORDER BY m.name, p.cid`,
		SingleConn: true,
	},
}

func LookupDialect(name string) (Dialect, error) {
	dialect, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Dialect{}, fmt.Errorf("unsupported database driver %q", name)
	}
	return dialect, nil
}

// Open connects and pings the configured database. An empty DSN opens an
// in-memory database for duckdb and sqlite.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, Dialect, error) {
	dialect, err := LookupDialect(cfg.Driver)
	if err != nil {
		return nil, Dialect{}, err
	}
	dsn := cfg.DSN
	if dsn == "" {
		switch dialect.Name {
		case config.DriverSQLite:
			dsn = ":memory:"
		case config.DriverDuckDB:
		default:
			return nil, Dialect{}, fmt.Errorf("%s dsn is required", dialect.Name)
		}
	}

	db, err := sql.Open(dialect.DriverName, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open %s db: %w", dialect.Name, err)
	}

	switch {
	case dialect.SingleConn && inMemory(dialect, dsn):
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxIdleTime(0)
		db.SetConnMaxLifetime(0)
	default:
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxIdleTime > 0 {
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, Dialect{}, fmt.Errorf("ping %s db: %w", dialect.Name, err)
	}

	return db, dialect, nil
}

func inMemory(dialect Dialect, dsn string) bool {
	switch dialect.Name {
	case config.DriverDuckDB:
		return dsn == "" || strings.HasPrefix(dsn, ":memory:")
	case config.DriverSQLite:
		return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
	default:
		return false
	}
}

// Introspector runs the dialect's column listing against a live connection.
type Introspector struct {
	DB        *sql.DB
	Dialect   Dialect
	Namespace string
}

func NewIntrospector(db *sql.DB, dialect Dialect, namespace string) *Introspector {
	if namespace == "" {
		namespace = config.DefaultNamespace(dialect.Name)
	}
	return &Introspector{DB: db, Dialect: dialect, Namespace: namespace}
}

func (i *Introspector) Columns(ctx context.Context) ([]schema.ColumnRecord, error) {
	if i.DB == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	var args []any
	if i.Dialect.Namespaced {
		args = append(args, i.Namespace)
	}

	rows, err := i.DB.QueryContext(ctx, i.Dialect.Query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s columns: %w", i.Dialect.Name, err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]schema.ColumnRecord, 0)
	for rows.Next() {
		var record schema.ColumnRecord
		if err := rows.Scan(&record.Table, &record.Column, &record.DataType); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	return records, nil
}

var _ schema.Introspector = (*Introspector)(nil)
