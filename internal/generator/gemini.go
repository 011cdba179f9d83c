package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/kebapi/kebapi/internal/logging"
)

// GeminiClient calls the Gemini generateContent REST method.
type GeminiClient struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

func (c *GeminiClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent",
		strings.TrimRight(c.BaseURL, "/"), url.PathEscape(c.Model))

	payload := map[string]interface{}{
		"contents": []geminiContent{{Role: "user", Parts: []geminiPart{{Text: userPrompt}}}},
		"generationConfig": map[string]interface{}{
			"temperature":     c.Temperature,
			"maxOutputTokens": c.MaxTokens,
		},
	}
	if systemPrompt != "" {
		payload["systemInstruction"] = geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	logger := logging.OrNop(c.Logger)
	logger.Debug("gemini request", zap.String("model", c.Model), zap.Int("prompt_tokens_est", EstimateTokens(systemPrompt+userPrompt)))

	data, err := postWithRetry(ctx, c.HTTPClient, c.MaxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("x-goog-api-key", c.APIKey)
		}
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Candidates []struct {
			Content geminiContent `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(out.Candidates) == 0 {
		return "", errors.New("gemini response has no candidates")
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	logger.Debug("gemini response", zap.Int("bytes", sb.Len()))
	return sb.String(), nil
}
