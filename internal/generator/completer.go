package generator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kebapi/kebapi/internal/config"
)

// LLMConfig is an alias of config.LLMConfig.
type LLMConfig = config.LLMConfig

// Completer turns a system and a user prompt into raw model text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// CompleterFunc adapts a plain function to Completer.
type CompleterFunc func(ctx context.Context, system, user string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// NewCompleter builds the client for cfg.Provider.
func NewCompleter(cfg LLMConfig, logger *zap.Logger) (Completer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	switch cfg.Provider {
	case "", "openai":
		return &Client{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			MaxRetries:  cfg.MaxRetries,
			HTTPClient:  httpClient,
			Logger:      logger,
		}, nil
	case "gemini":
		return &GeminiClient{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			MaxRetries:  cfg.MaxRetries,
			HTTPClient:  httpClient,
			Logger:      logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
