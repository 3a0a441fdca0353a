package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/chat"
	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/export"
	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/session"
)

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected trace header")
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{
		Readiness: func(context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("unexpected body %#v", body)
	}
}

func TestSubmitEndToEnd(t *testing.T) {
	manager := newTestManager("SELECT * FROM orders;", nil)
	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: manager})

	rr := doJSON(t, h, http.MethodPost, "/v1/topics/sales/submit", `{"text":"show all orders"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var outcome session.Outcome
	if err := json.Unmarshal(rr.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.SQL != "SELECT * FROM orders;" || len(outcome.Result.Rows) != 2 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/topics/sales/turns", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("turns status = %d", rr.Code)
	}
	turns := decodeBody(t, rr)["turns"].([]any)
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/topics/sales/result", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("result status = %d", rr.Code)
	}
	records := decodeBody(t, rr)["records"].([]any)
	if len(records) != 2 || records[0].(map[string]any)["id"] != float64(1) {
		t.Fatalf("unexpected records %#v", records)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/topics", "", "")
	topics := decodeBody(t, rr)["topics"].([]any)
	if len(topics) != 1 || topics[0] != "sales" {
		t.Fatalf("unexpected topics %#v", topics)
	}
}

func TestSubmitRejectsBlankText(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: newTestManager("SELECT 1;", nil)})

	rr := doJSON(t, h, http.MethodPost, "/v1/topics/sales/submit", `{"text":"   "}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if code := decodeBody(t, rr)["error_code"]; code != "INVALID_INPUT" {
		t.Fatalf("error_code = %v", code)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/topics/sales/submit", `{"prompt":"x"}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rr.Code)
	}
}

func TestSubmitGenerationFailure(t *testing.T) {
	manager := session.NewManager(testCatalog(), chat.CompleterFunc(func(context.Context, []chat.Turn) (string, error) {
		return "", chat.NewCompletionError("openai", "gpt-3.5-turbo", http.StatusTooManyRequests, errors.New("rate limited"))
	}), &rowsEngine{}, session.Options{})
	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: manager})

	rr := doJSON(t, h, http.MethodPost, "/v1/topics/sales/submit", `{"text":"orders"}`, "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "GENERATION_FAILED" || body["retryable"] != true {
		t.Fatalf("unexpected body %#v", body)
	}
	extra := body["context"].(map[string]any)
	if extra["provider"] != "openai" || extra["status_code"] != float64(429) {
		t.Fatalf("unexpected context %#v", extra)
	}

	turns, _ := manager.Turns("sales")
	if len(turns) != 1 {
		t.Fatalf("expected only system turn, got %d", len(turns))
	}
}

func TestResultAndTopicNotFound(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: newTestManager("SELECT 1;", nil)})

	for _, path := range []string{"/v1/topics/none/result", "/v1/topics/none/turns"} {
		rr := doJSON(t, h, http.MethodGet, path, "", "")
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d", path, rr.Code)
		}
	}
	rr := doJSON(t, h, http.MethodDelete, "/v1/topics/none", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("delete status = %d", rr.Code)
	}
}

func TestPutAndDeleteTopic(t *testing.T) {
	manager := newTestManager("SELECT 1;", nil)
	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: manager})

	rr := doJSON(t, h, http.MethodPut, "/v1/topics/sales", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("put status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["state"] != string(session.StateSeeded) || body["session_id"] == "" {
		t.Fatalf("unexpected snapshot %#v", body)
	}

	rr = doJSON(t, h, http.MethodDelete, "/v1/topics/sales", "", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if len(manager.Topics()) != 0 {
		t.Fatalf("topic not removed")
	}
}

func TestSchemaEndpoints(t *testing.T) {
	manager := newTestManager("SELECT 1;", nil)
	refreshed := schema.NewCatalog(map[string]map[string]string{
		"customers": {"id": "integer"},
	})
	h := NewHandler(testConfig(t, nil), Dependencies{
		Sessions: manager,
		RefreshCatalog: func(context.Context) (*schema.Catalog, error) {
			return refreshed, nil
		},
	})

	rr := doJSON(t, h, http.MethodGet, "/v1/schema", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("schema status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["rendered"] != schema.Render(testCatalog()) {
		t.Fatalf("unexpected rendered schema %v", body["rendered"])
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/schema/refresh", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d", rr.Code)
	}
	if !manager.Catalog().Equal(refreshed) {
		t.Fatal("manager catalog was not swapped")
	}
}

func TestSchemaRefreshFailure(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{
		Sessions: newTestManager("SELECT 1;", nil),
		RefreshCatalog: func(context.Context) (*schema.Catalog, error) {
			return nil, &schema.IntrospectionError{Cause: errors.New("connection refused")}
		},
	})
	rr := doJSON(t, h, http.MethodPost, "/v1/schema/refresh", "", "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestExportEndpoint(t *testing.T) {
	manager := newTestManager("SELECT * FROM orders;", nil)
	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: manager})

	if rr := doJSON(t, h, http.MethodPost, "/v1/topics/sales/result/export", "", ""); rr.Code != http.StatusNotImplemented {
		t.Fatalf("status without exporter = %d", rr.Code)
	}

	exporter := &fakeExporter{}
	h = NewHandler(testConfig(t, nil), Dependencies{Sessions: manager, Exporter: exporter})
	if rr := doJSON(t, h, http.MethodPost, "/v1/topics/sales/result/export", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("status without result = %d", rr.Code)
	}

	if _, err := manager.Submit(context.Background(), "sales", "orders"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rr := doJSON(t, h, http.MethodPost, "/v1/topics/sales/result/export", "", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if exporter.topic != "sales" || exporter.rows != 2 {
		t.Fatalf("unexpected export call %+v", exporter)
	}

	exporter.err = export.ErrNothingToExport
	if rr := doJSON(t, h, http.MethodPost, "/v1/topics/sales/result/export", "", ""); rr.Code != http.StatusConflict {
		t.Fatalf("status for unexportable result = %d", rr.Code)
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	cfg := testConfig(t, map[string]string{"ASKDB_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:viewer:query_reader,k2:analyst:query_writer")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Sessions:       newTestManager("SELECT 1;", nil),
	})

	if rr := doJSON(t, h, http.MethodGet, "/v1/topics", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodGet, "/v1/topics", "", "k1"); rr.Code != http.StatusOK {
		t.Fatalf("reader status = %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/topics/sales/submit", `{"text":"x"}`, "k1"); rr.Code != http.StatusForbidden {
		t.Fatalf("reader submit status = %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/topics/sales/submit", `{"text":"x"}`, "k2"); rr.Code != http.StatusOK {
		t.Fatalf("writer submit status = %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodGet, "/v1/health", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("health must stay public, status = %d", rr.Code)
	}
}

func TestAuthRequiredWithoutMiddleware(t *testing.T) {
	cfg := testConfig(t, map[string]string{"ASKDB_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{Sessions: newTestManager("SELECT 1;", nil)})
	if rr := doJSON(t, h, http.MethodGet, "/v1/topics", "", ""); rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		nil,
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	if err := combined(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestCheckObjectStoreConfig(t *testing.T) {
	cfg := testConfig(t, nil)
	if err := CheckObjectStoreConfig(cfg)(context.Background()); err != nil {
		t.Fatalf("disabled store should be ready: %v", err)
	}
	cfg.ObjectStore.Enabled = true
	cfg.ObjectStore.Bucket = ""
	if err := CheckObjectStoreConfig(cfg)(context.Background()); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if err := PingCheck(nil)(context.Background()); err == nil {
		t.Fatal("expected error for missing database")
	}
}

type rowsEngine struct{}

func (rowsEngine) Execute(context.Context, string) (query.Result, error) {
	return query.Result{
		Columns: []string{"id", "total"},
		Rows:    [][]any{{int64(1), 9.5}, {int64(2), 20.0}},
	}, nil
}

type fakeExporter struct {
	topic string
	rows  int
	err   error
}

func (f *fakeExporter) Export(_ context.Context, topic string, result session.QueryResult) (export.Export, error) {
	if f.err != nil {
		return export.Export{}, f.err
	}
	f.topic = topic
	f.rows = len(result.Rows)
	return export.Export{Key: "results/sales/date=2026-01-01/r.parquet", RowCount: int64(len(result.Rows))}, nil
}

func testCatalog() *schema.Catalog {
	return schema.NewCatalog(map[string]map[string]string{
		"orders": {"id": "integer", "total": "numeric"},
	})
}

func newTestManager(reply string, engine query.Engine) *session.Manager {
	if engine == nil {
		engine = rowsEngine{}
	}
	completer := chat.CompleterFunc(func(context.Context, []chat.Turn) (string, error) {
		return reply, nil
	})
	return session.NewManager(testCatalog(), completer, engine, session.Options{})
}

func testConfig(t *testing.T, values map[string]string) config.Config {
	t.Helper()
	if values == nil {
		values = map[string]string{}
	}
	cfg, err := config.Load("askdb-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func doJSON(t *testing.T, h http.Handler, method, path, body, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(strings.NewReader(rr.Body.String())).Decode(&body); err != nil {
		t.Fatalf("json decode failed: %v (body=%s)", err, rr.Body.String())
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
