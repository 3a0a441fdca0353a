// Package mcptools exposes topic conversations as MCP tools.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/askdb/askdb/internal/schema"
	"github.com/askdb/askdb/internal/session"
)

const DefaultTopic = "mcp"

type Sessions interface {
	Catalog() *schema.Catalog
	Topics() []string
	Submit(ctx context.Context, topic, text string) (session.Outcome, error)
	CurrentResult(topic string) (session.QueryResult, bool)
	RemoveTopic(topic string) bool
}

type Deps struct {
	Sessions Sessions
	Logger   *slog.Logger
}

// ErrorResponse is the body of a tool result flagged IsError.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewServer(name, version string, deps Deps) *server.MCPServer {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(true))
	Register(s, deps)
	return s
}

// ServeStdio serves s over stdin/stdout until ctx is done or in closes.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}

func Register(s *server.MCPServer, deps Deps) {
	s.AddTool(mcp.NewTool(
		"describe_schema",
		mcp.WithDescription("Returns the database schema as JSON: table name to column name to declared type."),
	), deps.describeSchema)

	s.AddTool(mcp.NewTool(
		"ask_database",
		mcp.WithDescription("Translates a natural-language question into SQL within a topic's conversation, runs it and returns the rows."),
		mcp.WithString("question", mcp.Required(), mcp.Description("Natural-language question about the data")),
		mcp.WithString("topic", mcp.Description("Conversation topic; earlier questions in the same topic are context")),
	), deps.askDatabase)

	s.AddTool(mcp.NewTool(
		"get_result",
		mcp.WithDescription("Returns the most recent result for a topic."),
		mcp.WithString("topic", mcp.Description("Conversation topic")),
	), deps.getResult)

	s.AddTool(mcp.NewTool(
		"list_topics",
		mcp.WithDescription("Lists active conversation topics."),
	), deps.listTopics)

	s.AddTool(mcp.NewTool(
		"forget_topic",
		mcp.WithDescription("Discards a topic's conversation and result."),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Conversation topic")),
	), deps.forgetTopic)
}

func (d Deps) describeSchema(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(schema.Render(d.Sessions.Catalog())), nil
}

type askResult struct {
	Topic   string              `json:"topic"`
	SQL     string              `json:"sql"`
	Result  session.QueryResult `json:"result"`
	Records []map[string]any    `json:"records,omitempty"`
}

func (d Deps) askDatabase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil {
		return NewErrorResult("invalid_parameters", err.Error()), nil
	}
	topic := topicArg(req)

	outcome, err := d.Sessions.Submit(ctx, topic, question)
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		return NewErrorResult("invalid_parameters", err.Error()), nil
	case errors.Is(err, session.ErrGeneration):
		if d.Logger != nil {
			d.Logger.WarnContext(ctx, "mcp ask failed", slog.String("topic", topic), slog.Any("error", err))
		}
		return NewErrorResult("generation_failed", err.Error()), nil
	case err != nil:
		return nil, fmt.Errorf("submit question: %w", err)
	}
	return jsonResult(askResult{
		Topic:   topic,
		SQL:     outcome.SQL,
		Result:  outcome.Result,
		Records: outcome.Result.Records(),
	})
}

func (d Deps) getResult(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic := topicArg(req)
	result, ok := d.Sessions.CurrentResult(topic)
	if !ok {
		return NewErrorResult("not_found", fmt.Sprintf("topic %q has no result", topic)), nil
	}
	return jsonResult(askResult{Topic: topic, SQL: result.SQL, Result: result, Records: result.Records()})
}

func (d Deps) listTopics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"topics": d.Sessions.Topics()})
}

func (d Deps) forgetTopic(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic, err := req.RequireString("topic")
	if err != nil {
		return NewErrorResult("invalid_parameters", err.Error()), nil
	}
	if !d.Sessions.RemoveTopic(topic) {
		return NewErrorResult("not_found", fmt.Sprintf("topic %q does not exist", topic)), nil
	}
	return jsonResult(map[string]any{"topic": topic, "removed": true})
}

func topicArg(req mcp.CallToolRequest) string {
	topic := strings.TrimSpace(req.GetString("topic", ""))
	if topic == "" {
		return DefaultTopic
	}
	return topic
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

func NewErrorResult(code, message string) *mcp.CallToolResult {
	encoded, _ := json.Marshal(ErrorResponse{Error: true, Code: code, Message: message})
	result := mcp.NewToolResultText(string(encoded))
	result.IsError = true
	return result
}
