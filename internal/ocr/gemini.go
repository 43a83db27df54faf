package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/doklado/document-pipeline/internal/models"
)

const geminiOCRPrompt = `Transcribe every character visible in this document exactly as printed.
Preserve line breaks and reading order. Do not summarize, translate or interpret.
Return only the transcribed text, no commentary and no markdown.`

// GeminiVisionAdapter reads documents with Gemini's vision models. It is the
// accuracy tier and the only adapter here with documented PDF input support,
// so it receives original PDF bytes rather than rasterized pages.
type GeminiVisionAdapter struct {
	client *genai.Client
	model  string
}

func NewGeminiVisionAdapter(ctx context.Context, apiKey, model string) (*GeminiVisionAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini OCR adapter requires an API key")
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiVisionAdapter{client: client, model: model}, nil
}

func (g *GeminiVisionAdapter) ID() string { return "gemini-vision" }

func (g *GeminiVisionAdapter) SupportsMedia(mediaType string) bool {
	return IsImage(mediaType) || IsPDF(mediaType)
}

// Close releases the underlying client.
func (g *GeminiVisionAdapter) Close() error { return g.client.Close() }

func (g *GeminiVisionAdapter) Extract(ctx context.Context, content []byte, mediaType string, hints []string) models.RawOCRResult {
	start := time.Now()
	res := models.RawOCRResult{Provider: g.ID()}

	if !g.SupportsMedia(mediaType) {
		res.ProcessingTime = time.Since(start)
		res.Error = models.NewError(models.ErrUnsupportedMedia, fmt.Sprintf("gemini-vision cannot read %s", mediaType), nil)
		return res
	}

	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(0)

	resp, err := model.GenerateContent(ctx,
		genai.Blob{MIMEType: mediaType, Data: content},
		genai.Text(geminiOCRPrompt),
	)
	res.ProcessingTime = time.Since(start)
	if err != nil {
		res.Error = classifyProviderErr("gemini-vision", ctx, err)
		return res
	}

	text := collectGeminiText(resp)
	if strings.TrimSpace(text) == "" {
		res.Error = models.NewError(models.ErrProviderError, "gemini returned an empty transcription", nil)
		return res
	}

	res.Text = text
	// Gemini reports no OCR confidence; a length-scaled baseline stands in.
	res.Confidence = baselineConfidence(0.88, text)
	res.Success = true
	return res
}

func collectGeminiText(resp *genai.GenerateContentResponse) string {
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
	return b.String()
}

// baselineConfidence scales a provider baseline down for very short output,
// which usually means the page was unreadable.
func baselineConfidence(baseline float64, text string) float64 {
	n := len(strings.TrimSpace(text))
	switch {
	case n < 20:
		return baseline * 0.4
	case n < 100:
		return baseline * 0.8
	default:
		return baseline
	}
}

// classifyProviderErr maps transport/provider failures onto the stable error
// taxonomy. Unknown failures become provider_error.
func classifyProviderErr(provider string, ctx context.Context, err error) *models.PipelineError {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return models.NewError(models.ErrTimeout, provider+" call exceeded deadline", err)
	case ctx.Err() == context.Canceled:
		return models.NewError(models.ErrCancelled, provider+" call cancelled", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return models.NewError(models.ErrProviderAuth, provider+" rejected credentials", err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate") || strings.Contains(msg, "quota"):
		return models.NewError(models.ErrRateLimit, provider+" rate limited", err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "no such host") || strings.Contains(msg, "reset"):
		return models.NewError(models.ErrTransientNetwork, provider+" network failure", err)
	default:
		return models.NewError(models.ErrProviderError, provider+" call failed", err)
	}
}
