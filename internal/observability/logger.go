package observability

import (
	"context"
	"io"
	"log/slog"

	charmlog "github.com/charmbracelet/log"

	"github.com/askdb/askdb/internal/config"
)

type ctxKey string

const (
	traceIDKey ctxKey = "trace_id"
	topicKey   ctxKey = "topic"
)

// NewLogger builds the service logger. The console format renders through
// charmbracelet/log for people running the CLI in a terminal.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	level := cfg.Observability.LogLevel
	var handler slog.Handler
	switch cfg.Observability.LogFormat {
	case "console":
		console := charmlog.NewWithOptions(writer, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      "15:04:05",
		})
		handler = console
	case "text":
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})
	default:
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func ContextWithTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, topicKey, topic)
}

func TopicFromContext(ctx context.Context) string {
	value, ok := ctx.Value(topicKey).(string)
	if !ok {
		return ""
	}
	return value
}
