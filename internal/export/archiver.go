// Package export archives query results as parquet objects.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/session"
	"github.com/askdb/askdb/internal/storage"
)

const (
	MetadataSQL     = "askdb.sql"
	MetadataColumns = "askdb.columns"
	MetadataTopic   = "askdb.topic"
)

var ErrNothingToExport = errors.New("result has no rows to export")

type Archiver struct {
	Store  storage.ObjectStore
	Logger *slog.Logger
	Clock  func() time.Time
	NewID  func() string
}

type Export struct {
	Key       string `json:"key"`
	RowCount  int64  `json:"row_count"`
	SizeBytes int64  `json:"size_bytes"`
	ETag      string `json:"etag,omitempty"`
}

type resultRow struct {
	RowIndex   int64  `parquet:"row_index"`
	RecordJSON string `parquet:"record_json"`
}

func (a *Archiver) Export(ctx context.Context, topic string, result session.QueryResult) (Export, error) {
	out, err := a.export(ctx, topic, result)
	observability.ObserveResultExport(err)
	return out, err
}

func (a *Archiver) export(ctx context.Context, topic string, result session.QueryResult) (Export, error) {
	if a.Store == nil {
		return Export{}, fmt.Errorf("object store is not configured")
	}
	if result.Kind != session.ResultRows {
		return Export{}, ErrNothingToExport
	}
	clock := a.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := a.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	data, err := EncodeResult(topic, result)
	if err != nil {
		return Export{}, err
	}
	key, err := storage.BuildResultPath(topic, newID(), clock())
	if err != nil {
		return Export{}, fmt.Errorf("build result path: %w", err)
	}
	info, err := a.Store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/vnd.apache.parquet"})
	if err != nil {
		a.discard(ctx, key)
		return Export{}, fmt.Errorf("put result object: %w", err)
	}
	stored, err := a.Store.Stat(ctx, key)
	if err != nil {
		a.discard(ctx, key)
		return Export{}, fmt.Errorf("stat result object: %w", err)
	}
	if stored.Size != int64(len(data)) {
		a.discard(ctx, key)
		return Export{}, fmt.Errorf("result object %s has %d bytes, wrote %d", key, stored.Size, len(data))
	}
	etag := stored.ETag
	if etag == "" {
		etag = info.ETag
	}

	if a.Logger != nil {
		a.Logger.InfoContext(ctx, "query result exported",
			slog.String("topic", topic),
			slog.String("object_path", key),
			slog.Int("row_count", len(result.Rows)),
		)
	}
	return Export{Key: key, RowCount: int64(len(result.Rows)), SizeBytes: stored.Size, ETag: etag}, nil
}

// discard removes a partially written object. Failures are logged only.
func (a *Archiver) discard(ctx context.Context, key string) {
	if err := a.Store.Delete(ctx, key); err != nil && a.Logger != nil {
		a.Logger.WarnContext(ctx, "failed to remove partial result object",
			slog.String("object_path", key),
			slog.Any("error", err),
		)
	}
}

// EncodeResult writes one parquet row per result row. Each row holds the
// record as JSON; the statement and column order travel as file metadata.
func EncodeResult(topic string, result session.QueryResult) ([]byte, error) {
	rows := make([]resultRow, 0, len(result.Rows))
	for i, record := range result.Records() {
		encoded, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
		rows = append(rows, resultRow{RowIndex: int64(i), RecordJSON: string(encoded)})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[resultRow](buf,
		parquet.KeyValueMetadata(MetadataSQL, result.SQL),
		parquet.KeyValueMetadata(MetadataColumns, strings.Join(result.Columns, ",")),
		parquet.KeyValueMetadata(MetadataTopic, topic),
	)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
