// Package duckdb exposes parquet objects held in the object store as DuckDB
// views so they can be introspected and queried like ordinary tables.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/askdb/askdb/internal/storage"
)

// Datasets owns the local copies backing the attached views. Close removes
// them; the views are unusable afterwards.
type Datasets struct {
	workDir string
	views   []string
}

// Attach downloads every object listed in datasets into a private directory
// and creates one view per dataset name over read_parquet.
func Attach(ctx context.Context, db *sql.DB, store storage.ObjectStore, datasets map[string][]string, logger *slog.Logger) (*Datasets, error) {
	if db == nil {
		return nil, fmt.Errorf("duckdb handle is required")
	}
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	workDir, err := os.MkdirTemp("", "askdb-datasets-")
	if err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}
	attached := &Datasets{workDir: workDir}

	names := make([]string, 0, len(datasets))
	for name := range datasets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		keys, err := resolveKeys(ctx, store, datasets[name])
		if err != nil {
			_ = attached.Close()
			return nil, fmt.Errorf("resolve dataset %q: %w", name, err)
		}
		if len(keys) == 0 {
			_ = attached.Close()
			return nil, fmt.Errorf("dataset %q has no objects", name)
		}
		localPaths := make([]string, 0, len(keys))
		for index, key := range keys {
			localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(name), index))
			if err := download(ctx, store, key, localPath); err != nil {
				_ = attached.Close()
				return nil, err
			}
			localPaths = append(localPaths, localPath)
		}

		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(name), quoteStringArray(localPaths))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			_ = attached.Close()
			return nil, fmt.Errorf("create view for dataset %q: %w", name, err)
		}
		attached.views = append(attached.views, name)
		logger.InfoContext(ctx, "dataset attached",
			slog.String("dataset", name),
			slog.Int("objects", len(keys)),
		)
	}
	return attached, nil
}

// Views lists the attached view names in ascending order.
func (d *Datasets) Views() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.views...)
}

func (d *Datasets) Close() error {
	if d == nil || d.workDir == "" {
		return nil
	}
	err := os.RemoveAll(d.workDir)
	d.workDir = ""
	return err
}

// resolveKeys expands entries ending in "/" into the parquet objects listed
// under that prefix.
func resolveKeys(ctx context.Context, store storage.ObjectStore, entries []string) ([]string, error) {
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !strings.HasSuffix(entry, "/") {
			keys = append(keys, entry)
			continue
		}
		lister, ok := store.(storage.Lister)
		if !ok {
			return nil, fmt.Errorf("object store cannot list prefix %q", entry)
		}
		objects, err := lister.List(ctx, entry)
		if err != nil {
			return nil, err
		}
		for _, object := range objects {
			if strings.HasSuffix(object.Key, ".parquet") {
				keys = append(keys, object.Key)
			}
		}
	}
	return keys, nil
}

func download(ctx context.Context, store storage.ObjectStore, key, localPath string) error {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	if err := writeFile(localPath, reader); err != nil {
		_ = reader.Close()
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	if err := reader.Close(); err != nil {
		return fmt.Errorf("close object %q: %w", key, err)
	}
	return nil
}

func writeFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, reader); err != nil {
		return err
	}
	return nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "dataset"
	}
	return value
}
