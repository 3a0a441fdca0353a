// Package providers builds the configured chat.Completer.
package providers

import (
	"context"
	"fmt"

	"github.com/askdb/askdb/internal/chat"
	"github.com/askdb/askdb/internal/chat/anthropic"
	"github.com/askdb/askdb/internal/chat/gemini"
	"github.com/askdb/askdb/internal/chat/openai"
	"github.com/askdb/askdb/internal/config"
)

// New returns a completer for cfg.Provider.
func New(ctx context.Context, cfg config.AIConfig) (chat.Completer, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		client, err := openai.New(openai.Config{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.ProviderAnthropic:
		client, err := anthropic.New(anthropic.Config{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.ProviderGemini:
		client, err := gemini.New(ctx, gemini.Config{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}
