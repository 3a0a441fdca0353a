// Package app wires configuration into a ready session manager.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/askdb/askdb/internal/chat"
	"github.com/askdb/askdb/internal/chat/providers"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/datasource"
	"github.com/askdb/askdb/internal/datasource/duckdb"
	"github.com/askdb/askdb/internal/export"
	"github.com/askdb/askdb/internal/query/sqldb"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/secrets"
	"github.com/askdb/askdb/internal/session"
	"github.com/askdb/askdb/internal/storage"
	s3store "github.com/askdb/askdb/internal/storage/s3"
)

// KeySource supplies credentials missing from the environment.
type KeySource interface {
	APIKey(provider string) (string, error)
	DatabaseDSN() (string, error)
}

type Options struct {
	// Completer replaces the configured provider when set.
	Completer chat.Completer
	// ObjectStore replaces the configured S3 store when set.
	ObjectStore storage.ObjectStore
	Keys        KeySource
}

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	DB       *sql.DB
	Dialect  datasource.Dialect
	Store    storage.ObjectStore
	Datasets *duckdb.Datasets
	Manager  *session.Manager
	Exporter *export.Archiver

	introspector schema.Introspector
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Database.DSN == "" && opts.Keys != nil {
		dsn, err := opts.Keys.DatabaseDSN()
		if err != nil && !errors.Is(err, secrets.ErrNotFound) {
			logger.Warn("keyring lookup failed", slog.String("key", "database_dsn"), slog.Any("error", err))
		}
		cfg.Database.DSN = dsn
	}
	a := &App{Config: cfg, Logger: logger}

	db, dialect, err := datasource.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.Dialect = dialect

	if err := a.openStore(ctx, opts.ObjectStore); err != nil {
		_ = a.Close()
		return nil, err
	}
	if len(cfg.DuckDB.Datasets) > 0 {
		if dialect.Name != config.DriverDuckDB {
			_ = a.Close()
			return nil, fmt.Errorf("datasets require the %s driver, got %s", config.DriverDuckDB, dialect.Name)
		}
		if a.Store == nil {
			_ = a.Close()
			return nil, fmt.Errorf("datasets require an enabled object store")
		}
		datasets, err := duckdb.Attach(ctx, db, a.Store, cfg.DuckDB.Datasets, logger)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("attach datasets: %w", err)
		}
		a.Datasets = datasets
	}

	a.introspector = datasource.NewIntrospector(db, dialect, cfg.Database.Namespace)
	catalog, err := schema.Build(ctx, a.introspector)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Info("schema catalog built",
		slog.String("driver", dialect.Name),
		slog.String("namespace", cfg.Database.Namespace),
		slog.Int("table_count", catalog.Len()),
	)

	completer := opts.Completer
	if completer == nil {
		aiCfg := cfg.AI
		if aiCfg.APIKey == "" && opts.Keys != nil {
			key, err := opts.Keys.APIKey(aiCfg.Provider)
			if err != nil && !errors.Is(err, secrets.ErrNotFound) {
				logger.Warn("keyring lookup failed", slog.String("provider", aiCfg.Provider), slog.Any("error", err))
			}
			aiCfg.APIKey = key
		}
		completer, err = providers.New(ctx, aiCfg)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("create %s completer: %w", aiCfg.Provider, err)
		}
	}

	engine := sqldb.NewEngine(db, cfg.Query.MaxRows, cfg.Query.Timeout)
	a.Manager = session.NewManager(catalog, completer, engine, session.Options{
		Dialect:           cfg.AI.SQLDialectPrompt,
		StripCodeFences:   cfg.AI.StripCodeFences,
		CompletionTimeout: cfg.AI.Timeout,
		ExecutionTimeout:  cfg.Query.Timeout,
		Logger:            logger,
	})
	if a.Store != nil {
		a.Exporter = &export.Archiver{Store: a.Store, Logger: logger}
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context, override storage.ObjectStore) error {
	if override != nil {
		a.Store = override
		return nil
	}
	store, err := s3store.NewFromConfig(ctx, a.Config.ObjectStore)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	if store != nil {
		a.Store = store
	}
	return nil
}

// RefreshCatalog re-introspects the database and hands the new catalog to the
// manager. Topics created afterwards are seeded from it.
func (a *App) RefreshCatalog(ctx context.Context) (*schema.Catalog, error) {
	catalog, err := schema.Build(ctx, a.introspector)
	if err != nil {
		return nil, err
	}
	a.Manager.SetCatalog(catalog)
	a.Logger.InfoContext(ctx, "schema catalog refreshed", slog.Int("table_count", catalog.Len()))
	return catalog, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Datasets != nil {
		errs = append(errs, a.Datasets.Close())
		a.Datasets = nil
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
		a.DB = nil
	}
	return errors.Join(errs...)
}
