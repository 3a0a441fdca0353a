package api

import (
	"log/slog"
	"net/http"

	"github.com/askdb/askdb/internal/schema"
)

type schemaResponse struct {
	Tables     map[string]map[string]string `json:"tables"`
	TableNames []string                     `json:"table_names"`
	Rendered   string                       `json:"rendered"`
	CapturedAt any                          `json:"captured_at,omitempty"`
}

func newSchemaResponse(catalog *schema.Catalog) schemaResponse {
	names := catalog.Tables()
	tables := make(map[string]map[string]string, len(names))
	for _, name := range names {
		columns, _ := catalog.Columns(name)
		tables[name] = columns
	}
	response := schemaResponse{
		Tables:     tables,
		TableNames: names,
		Rendered:   schema.Render(catalog),
	}
	if captured := catalog.CapturedAt(); !captured.IsZero() {
		response.CapturedAt = captured
	}
	return response
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SESSIONS_NOT_CONFIGURED", "session manager is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, newSchemaResponse(deps.Sessions.Catalog()))
}

func handleRefreshSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Sessions == nil || deps.RefreshCatalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REFRESH_NOT_CONFIGURED", "schema refresh is not configured", false, nil)
		return
	}
	catalog, err := deps.RefreshCatalog(r.Context())
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.WarnContext(r.Context(), "schema refresh failed", slog.Any("error", err))
		}
		writeError(r.Context(), w, http.StatusBadGateway, "SCHEMA_INTROSPECTION_FAILED", "failed to introspect database schema", true, map[string]any{"details": err.Error()})
		return
	}
	deps.Sessions.SetCatalog(catalog)
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "schema refreshed", slog.Int("table_count", catalog.Len()))
	}
	writeJSON(w, http.StatusOK, newSchemaResponse(catalog))
}
