// Package remote drives a running askdb API over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method string
	path   string
	body   any
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("askdb remote", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "askdb API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 90*time.Second), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	req, err := buildRequest(fs.Args())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req.method, endpoint, *apiKey, req.body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(args []string) (request, error) {
	command := strings.TrimSpace(args[0])
	rest := args[1:]
	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "schema":
		return request{method: http.MethodGet, path: "/v1/schema"}, nil
	case "refresh-schema":
		return request{method: http.MethodPost, path: "/v1/schema/refresh"}, nil
	case "topics":
		return request{method: http.MethodGet, path: "/v1/topics"}, nil
	}

	if len(rest) < 1 || strings.TrimSpace(rest[0]) == "" {
		switch command {
		case "open", "forget", "ask", "turns", "result", "export":
			return request{}, fmt.Errorf("%s requires a topic", command)
		default:
			return request{}, fmt.Errorf("unknown command %q", command)
		}
	}
	topicPath := "/v1/topics/" + url.PathEscape(rest[0])

	switch command {
	case "open":
		return request{method: http.MethodPut, path: topicPath}, nil
	case "forget":
		return request{method: http.MethodDelete, path: topicPath}, nil
	case "ask":
		text := strings.TrimSpace(strings.Join(rest[1:], " "))
		if text == "" {
			return request{}, fmt.Errorf("ask requires question text")
		}
		return request{method: http.MethodPost, path: topicPath + "/submit", body: map[string]string{"text": text}}, nil
	case "turns":
		return request{method: http.MethodGet, path: topicPath + "/turns"}, nil
	case "result":
		return request{method: http.MethodGet, path: topicPath + "/result"}, nil
	case "export":
		return request{method: http.MethodPost, path: topicPath + "/result/export"}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func doRequest(ctx context.Context, client *http.Client, method, url, apiKey string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: askdb remote [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                 GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                  GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  schema                 GET /v1/schema")
	_, _ = fmt.Fprintln(w, "  refresh-schema         POST /v1/schema/refresh")
	_, _ = fmt.Fprintln(w, "  topics                 GET /v1/topics")
	_, _ = fmt.Fprintln(w, "  open <topic>           PUT /v1/topics/{topic}")
	_, _ = fmt.Fprintln(w, "  forget <topic>         DELETE /v1/topics/{topic}")
	_, _ = fmt.Fprintln(w, "  ask <topic> <text...>  POST /v1/topics/{topic}/submit")
	_, _ = fmt.Fprintln(w, "  turns <topic>          GET /v1/topics/{topic}/turns")
	_, _ = fmt.Fprintln(w, "  result <topic>         GET /v1/topics/{topic}/result")
	_, _ = fmt.Fprintln(w, "  export <topic>         POST /v1/topics/{topic}/result/export")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
