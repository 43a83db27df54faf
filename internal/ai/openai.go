package ai

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/doklado/document-pipeline/internal/models"
)

// OpenAIProvider structures text through the OpenAI chat API (or any
// compatible endpoint via BaseURL).
type OpenAIProvider struct {
	client *openai.Client
	model  string
	info   ModelInfo
}

func NewOpenAIProvider(apiKey, baseURL, model string, info ModelInfo) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		info:   info,
	}
}

func (p *OpenAIProvider) ID() string { return "openai" }

func (p *OpenAIProvider) Structure(ctx context.Context, prompt string, maxTokens int) (*LLMResult, error) {
	start := time.Now()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		MaxTokens:   maxTokens,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You extract structured data from business documents. Respond with a single JSON object and nothing else."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	latency := time.Since(start)
	if err != nil {
		return nil, classifyOpenAIErr(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, models.NewError(models.ErrProviderError, "openai returned no choices", nil)
	}

	return &LLMResult{
		Text:           resp.Choices[0].Message.Content,
		TokensIn:       resp.Usage.PromptTokens,
		TokensOut:      resp.Usage.CompletionTokens,
		CostUSD:        p.info.CostOf(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		Latency:        latency,
		ConfidenceHint: 0.9,
	}, nil
}

func classifyOpenAIErr(ctx context.Context, err error) *models.PipelineError {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.NewError(models.ErrTimeout, "openai call exceeded deadline", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return models.NewError(models.ErrCancelled, "openai call cancelled", err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return models.NewError(models.ErrProviderAuth, "openai rejected credentials", err)
		case apiErr.HTTPStatusCode == 429:
			return models.NewError(models.ErrRateLimit, "openai rate limited", err)
		case apiErr.HTTPStatusCode >= 500:
			return models.NewError(models.ErrTransientNetwork, "openai server error", err)
		}
	}
	return models.NewError(models.ErrProviderError, "openai call failed", err)
}
