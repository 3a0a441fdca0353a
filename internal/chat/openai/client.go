// Package openai completes conversations against any OpenAI-compatible
// chat completions endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/askdb/askdb/internal/chat"
)

const (
	ProviderName   = "openai"
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-3.5-turbo"
)

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

type Client struct {
	client      *goopenai.Client
	model       string
	temperature float32
	maxTokens   int
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	clientConfig := goopenai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	clientConfig.BaseURL = baseURL
	clientConfig.HTTPClient = httpClient

	return &Client{
		client:      goopenai.NewClientWithConfig(clientConfig),
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Complete(ctx context.Context, turns []chat.Turn) (string, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    roleFor(turn.Role),
			Content: turn.Content,
		})
	}

	// Temperature is omitted from the request body when zero.
	temperature := c.temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", chat.NewCompletionError(ProviderName, c.model, statusCode(err), err)
	}
	if len(resp.Choices) == 0 {
		return "", chat.NewCompletionError(ProviderName, c.model, 0, chat.ErrEmptyCompletion)
	}
	return resp.Choices[0].Message.Content, nil
}

func roleFor(role chat.Role) string {
	switch role {
	case chat.RoleSystem:
		return goopenai.ChatMessageRoleSystem
	case chat.RoleAssistant:
		return goopenai.ChatMessageRoleAssistant
	default:
		return goopenai.ChatMessageRoleUser
	}
}

func statusCode(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

var _ chat.Completer = (*Client)(nil)
