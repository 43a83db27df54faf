package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/doklado/document-pipeline/internal/models"
)

// GeminiProvider structures text through Google's Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
	info   ModelInfo
}

func NewGeminiProvider(ctx context.Context, apiKey, model string, info ModelInfo) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model, info: info}, nil
}

func (p *GeminiProvider) ID() string { return "gemini" }

// Close releases the underlying client.
func (p *GeminiProvider) Close() error { return p.client.Close() }

func (p *GeminiProvider) Structure(ctx context.Context, prompt string, maxTokens int) (*LLMResult, error) {
	start := time.Now()

	model := p.client.GenerativeModel(p.model)
	model.SetTemperature(0)
	model.SetMaxOutputTokens(int32(maxTokens))
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	latency := time.Since(start)
	if err != nil {
		return nil, classifyGeminiErr(ctx, err)
	}

	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	if b.Len() == 0 {
		return nil, models.NewError(models.ErrProviderError, "gemini returned no content", nil)
	}

	var tokensIn, tokensOut int
	if resp.UsageMetadata != nil {
		tokensIn = int(resp.UsageMetadata.PromptTokenCount)
		tokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &LLMResult{
		Text:           b.String(),
		TokensIn:       tokensIn,
		TokensOut:      tokensOut,
		CostUSD:        p.info.CostOf(tokensIn, tokensOut),
		Latency:        latency,
		ConfidenceHint: 0.85,
	}, nil
}

func classifyGeminiErr(ctx context.Context, err error) *models.PipelineError {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return models.NewError(models.ErrTimeout, "gemini call exceeded deadline", err)
	case ctx.Err() == context.Canceled:
		return models.NewError(models.ErrCancelled, "gemini call cancelled", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "permission") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return models.NewError(models.ErrProviderAuth, "gemini rejected credentials", err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "rate"):
		return models.NewError(models.ErrRateLimit, "gemini rate limited", err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "unavailable") || strings.Contains(msg, "reset"):
		return models.NewError(models.ErrTransientNetwork, "gemini network failure", err)
	default:
		return models.NewError(models.ErrProviderError, "gemini call failed", err)
	}
}
