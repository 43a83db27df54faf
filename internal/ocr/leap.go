package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/doklado/document-pipeline/internal/models"
)

// LeapAdapter talks to a hosted OCR REST API. It is the fast tier: the
// provider parallelizes page recognition server-side and returns a real
// per-document confidence.
type LeapAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewLeapAdapter(apiKey, baseURL string) (*LeapAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("leap OCR adapter requires an API key")
	}
	return &LeapAdapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}, nil
}

func (l *LeapAdapter) ID() string { return "leapocr" }

func (l *LeapAdapter) SupportsMedia(mediaType string) bool {
	return IsImage(mediaType) || IsPDF(mediaType)
}

type leapRequest struct {
	Content   string   `json:"content"` // base64
	MediaType string   `json:"media_type"`
	Languages []string `json:"languages,omitempty"`
	Format    string   `json:"format"`
}

type leapResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

func (l *LeapAdapter) Extract(ctx context.Context, content []byte, mediaType string, hints []string) models.RawOCRResult {
	start := time.Now()
	res := models.RawOCRResult{Provider: l.ID()}

	if !l.SupportsMedia(mediaType) {
		res.ProcessingTime = time.Since(start)
		res.Error = models.NewError(models.ErrUnsupportedMedia, fmt.Sprintf("leapocr cannot read %s", mediaType), nil)
		return res
	}

	body, err := json.Marshal(leapRequest{
		Content:   base64.StdEncoding.EncodeToString(content),
		MediaType: mediaType,
		Languages: hints,
		Format:    "text",
	})
	if err != nil {
		res.ProcessingTime = time.Since(start)
		res.Error = models.NewError(models.ErrInternal, "failed to encode OCR request", err)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/ocr", bytes.NewReader(body))
	if err != nil {
		res.ProcessingTime = time.Since(start)
		res.Error = models.NewError(models.ErrInternal, "failed to build OCR request", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.client.Do(req)
	if err != nil {
		res.ProcessingTime = time.Since(start)
		res.Error = classifyProviderErr("leapocr", ctx, err)
		return res
	}
	defer resp.Body.Close()

	res.ProcessingTime = time.Since(start)
	if pe := classifyHTTPStatus("leapocr", resp.StatusCode); pe != nil {
		res.Error = pe
		return res
	}

	var parsed leapResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		res.Error = models.NewError(models.ErrProviderError, "leapocr returned malformed JSON", err)
		return res
	}
	if parsed.Error != "" {
		res.Error = models.NewError(models.ErrProviderError, parsed.Error, nil)
		return res
	}
	if strings.TrimSpace(parsed.Text) == "" {
		res.Error = models.NewError(models.ErrProviderError, "leapocr returned no text", nil)
		return res
	}

	res.Text = parsed.Text
	res.Confidence = clamp01(parsed.Confidence)
	res.Success = true
	return res
}

// classifyHTTPStatus maps a non-2xx status to the error taxonomy, nil for 2xx.
func classifyHTTPStatus(provider string, status int) *models.PipelineError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.NewError(models.ErrProviderAuth, fmt.Sprintf("%s rejected credentials (%d)", provider, status), nil)
	case status == http.StatusTooManyRequests:
		return models.NewError(models.ErrRateLimit, provider+" rate limited", nil)
	case status == http.StatusUnsupportedMediaType:
		return models.NewError(models.ErrUnsupportedMedia, provider+" rejected media type", nil)
	case status >= 500:
		return models.NewError(models.ErrTransientNetwork, fmt.Sprintf("%s server error (%d)", provider, status), nil)
	default:
		return models.NewError(models.ErrProviderError, fmt.Sprintf("%s returned status %d", provider, status), nil)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
