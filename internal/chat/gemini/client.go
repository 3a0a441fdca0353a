// Package gemini completes conversations with the Google Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/askdb/askdb/internal/chat"
)

const (
	ProviderName = "gemini"
	DefaultModel = "gemini-2.0-flash"
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
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
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

	clientConfig := &genai.ClientConfig{
		APIKey:     strings.TrimSpace(cfg.APIKey),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Client{
		client:      client,
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   int32(cfg.MaxTokens),
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

// Complete passes the system turn as the system instruction. Assistant turns
// are sent with the "model" role.
func (c *Client) Complete(ctx context.Context, turns []chat.Turn) (string, error) {
	system, rest := chat.SplitSystem(turns)
	contents := make([]*genai.Content, 0, len(rest))
	for _, turn := range rest {
		role := "user"
		if turn.Role == chat.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Parts: []*genai.Part{{Text: turn.Content}},
			Role:  role,
		})
	}

	temperature := c.temperature
	config := &genai.GenerateContentConfig{Temperature: &temperature}
	if c.maxTokens > 0 {
		config.MaxOutputTokens = c.maxTokens
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", chat.NewCompletionError(ProviderName, c.model, statusCode(err), err)
	}

	var content strings.Builder
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Thought || part.Text == "" {
				continue
			}
			content.WriteString(part.Text)
		}
		break
	}
	if content.Len() == 0 {
		return "", chat.NewCompletionError(ProviderName, c.model, 0, chat.ErrEmptyCompletion)
	}
	return content.String(), nil
}

func statusCode(err error) int {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

var _ chat.Completer = (*Client)(nil)
