package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/chat"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/export"
	"github.com/askdb/askdb/internal/observability"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/session"
)

type ReadinessCheck func(ctx context.Context) error

// SessionService is the part of session.Manager the API serves.
type SessionService interface {
	Session(topic string) (session.Snapshot, error)
	Lookup(topic string) (session.Snapshot, bool)
	Topics() []string
	Submit(ctx context.Context, topic, text string) (session.Outcome, error)
	CurrentResult(topic string) (session.QueryResult, bool)
	RemoveTopic(topic string) bool
	Catalog() *schema.Catalog
	SetCatalog(catalog *schema.Catalog)
}

type ResultExporter interface {
	Export(ctx context.Context, topic string, result session.QueryResult) (export.Export, error)
}

type CatalogRefresher func(ctx context.Context) (*schema.Catalog, error)

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Sessions          SessionService
	RefreshCatalog    CatalogRefresher
	Exporter          ResultExporter
}

const maxRequestBytes = 1 << 20

var (
	readRoles  = []string{auth.RoleReader, auth.RoleWriter, auth.RoleAdmin}
	writeRoles = []string{auth.RoleWriter}
	adminRoles = []string{auth.RoleAdmin}
)

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	public := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, observability.Route(pattern, fn))
	}
	protect := protectedWrapper(cfg, deps)
	protected := func(pattern string, roles []string, fn func(Dependencies, http.ResponseWriter, *http.Request)) {
		handler := auth.RequireRole(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fn(deps, w, r)
		}), roles...)
		mux.Handle(pattern, observability.Route(pattern, protect(handler)))
	}

	public("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	public("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", observability.Route("GET /v1/metrics", promhttp.Handler()))

	protected("GET /v1/schema", readRoles, handleGetSchema)
	protected("POST /v1/schema/refresh", adminRoles, handleRefreshSchema)
	protected("GET /v1/topics", readRoles, handleListTopics)
	protected("PUT /v1/topics/{topic}", writeRoles, handlePutTopic)
	protected("DELETE /v1/topics/{topic}", writeRoles, handleDeleteTopic)
	protected("POST /v1/topics/{topic}/submit", writeRoles, handleSubmit)
	protected("GET /v1/topics/{topic}/turns", readRoles, handleTurns)
	protected("GET /v1/topics/{topic}/result", readRoles, handleResult)
	protected("POST /v1/topics/{topic}/result/export", writeRoles, handleExport)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func protectedWrapper(cfg config.Config, deps Dependencies) func(http.Handler) http.Handler {
	if !cfg.Auth.Required {
		return func(next http.Handler) http.Handler { return next }
	}
	if deps.AuthMiddleware == nil {
		if deps.Logger != nil {
			deps.Logger.Error("auth required but auth middleware missing")
		}
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		}
	}
	return deps.AuthMiddleware
}

// PingCheck reports the database as ready when it answers a ping.
func PingCheck(db interface {
	PingContext(ctx context.Context) error
}) ReadinessCheck {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("database is not configured")
		}
		return db.PingContext(ctx)
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.ObjectStore.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// generationErrorContext exposes provider details of a failed completion.
func generationErrorContext(err error) (map[string]any, bool) {
	extra := map[string]any{"details": err.Error()}
	retryable := errors.Is(err, context.DeadlineExceeded)
	var completion *chat.CompletionError
	if errors.As(err, &completion) {
		extra["provider"] = completion.Provider
		extra["model"] = completion.Model
		if completion.StatusCode != 0 {
			extra["status_code"] = completion.StatusCode
		}
		retryable = completion.Retryable
	}
	return extra, retryable
}
