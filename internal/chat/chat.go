// Package chat defines conversation turns and the completion collaborator
// that turns a conversation into the next assistant message.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completer produces the assistant reply to an ordered conversation. The
// first turn is the system turn.
type Completer interface {
	Complete(ctx context.Context, turns []Turn) (string, error)
}

type CompleterFunc func(ctx context.Context, turns []Turn) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, turns []Turn) (string, error) {
	return f(ctx, turns)
}

var ErrEmptyCompletion = errors.New("model returned an empty completion")

// CompletionError describes a failed completion call.
type CompletionError struct {
	Provider   string
	Model      string
	StatusCode int
	Retryable  bool
	Message    string
	Cause      error
}

func (e *CompletionError) Error() string {
	parts := []string{e.Provider}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	msg := strings.Join(parts, " ")
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *CompletionError) Unwrap() error {
	return e.Cause
}

// NewCompletionError classifies cause by status code and context state.
func NewCompletionError(provider, model string, statusCode int, cause error) *CompletionError {
	out := &CompletionError{Provider: provider, Model: model, StatusCode: statusCode, Cause: cause}
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		out.Message = "request timeout"
		out.Retryable = true
	case errors.Is(cause, context.Canceled):
		out.Message = "request canceled"
	case errors.Is(cause, ErrEmptyCompletion):
		out.Message = "empty completion"
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		out.Message = "authentication failed"
	case statusCode == http.StatusNotFound:
		out.Message = "model or endpoint not found"
	case statusCode == http.StatusTooManyRequests:
		out.Message = "rate limited"
		out.Retryable = true
	case statusCode >= 500:
		out.Message = "server error"
		out.Retryable = true
	case statusCode >= 400:
		out.Message = "request rejected"
	default:
		out.Message = "completion failed"
	}
	return out
}

// SplitSystem separates the leading system turn from the rest of the
// conversation. Providers that take the system prompt out of band use it.
func SplitSystem(turns []Turn) (string, []Turn) {
	if len(turns) > 0 && turns[0].Role == RoleSystem {
		return turns[0].Content, turns[1:]
	}
	return "", turns
}

// StripCodeFences removes a surrounding markdown code fence such as ```sql.
func StripCodeFences(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 && !strings.ContainsAny(trimmed[:newline], " ;") {
		trimmed = trimmed[newline+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
