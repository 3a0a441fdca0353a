// Package anthropic completes conversations with the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/askdb/askdb/internal/chat"
)

const (
	ProviderName     = "anthropic"
	DefaultModel     = "claude-3-5-haiku-latest"
	DefaultMaxTokens = 1024
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
	client      sdk.Client
	model       string
	temperature float64
	maxTokens   int64
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	options := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.APIKey)),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	return &Client{
		client:      sdk.NewClient(options...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   int64(maxTokens),
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

// Complete sends the system turn as the top-level system block and the
// remaining turns as alternating messages.
func (c *Client) Complete(ctx context.Context, turns []chat.Turn) (string, error) {
	system, rest := chat.SplitSystem(turns)
	messages := make([]sdk.MessageParam, 0, len(rest))
	for _, turn := range rest {
		switch turn.Role {
		case chat.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(turn.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(turn.Content)))
		}
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   c.maxTokens,
		Messages:    messages,
		Temperature: sdk.Float(c.temperature),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", chat.NewCompletionError(ProviderName, c.model, statusCode(err), err)
	}

	var content strings.Builder
	for _, block := range message.Content {
		content.WriteString(block.Text)
	}
	if content.Len() == 0 {
		return "", chat.NewCompletionError(ProviderName, c.model, 0, chat.ErrEmptyCompletion)
	}
	return content.String(), nil
}

func statusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

var _ chat.Completer = (*Client)(nil)
