package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/doklado/document-pipeline/internal/models"
)

// OllamaProvider structures text through a local Ollama server. It is the
// zero-cost budget tier and the fallback when every hosted model is priced
// out by the ceiling.
type OllamaProvider struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
}

func (p *OllamaProvider) ID() string { return "ollama" }

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error,omitempty"`
}

func (p *OllamaProvider) Structure(ctx context.Context, prompt string, maxTokens int) (*LLMResult, error) {
	start := time.Now()

	body, err := json.Marshal(ollamaRequest{
		Model:  p.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
		Options: map[string]any{
			"temperature": 0,
			"num_predict": maxTokens,
		},
	})
	if err != nil {
		return nil, models.NewError(models.ErrInternal, "failed to encode ollama request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, models.NewError(models.ErrInternal, "failed to build ollama request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, models.NewError(models.ErrTimeout, "ollama call exceeded deadline", err)
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, models.NewError(models.ErrCancelled, "ollama call cancelled", err)
		default:
			return nil, models.NewError(models.ErrTransientNetwork, "ollama unreachable", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, models.NewError(models.ErrTransientNetwork, fmt.Sprintf("ollama server error (%d)", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, models.NewError(models.ErrProviderError, fmt.Sprintf("ollama returned status %d", resp.StatusCode), nil)
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, models.NewError(models.ErrProviderError, "ollama returned malformed JSON", err)
	}
	if parsed.Error != "" {
		return nil, models.NewError(models.ErrProviderError, parsed.Error, nil)
	}

	return &LLMResult{
		Text:           parsed.Response,
		TokensIn:       parsed.PromptEvalCount,
		TokensOut:      parsed.EvalCount,
		CostUSD:        0, // local inference
		Latency:        time.Since(start),
		ConfidenceHint: 0.65,
	}, nil
}
