package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/doklado/document-pipeline/internal/models"
)

// TesseractAdapter shells out to the local tesseract binary. It is the only
// cost-free adapter, used as the cheap tier. Image input only; PDFs must be
// rasterized first.
type TesseractAdapter struct {
	language string
	binary   string
}

// NewTesseractAdapter returns the adapter, or an error when the binary is
// not installed (the caller then leaves it out of the registry).
func NewTesseractAdapter(language string) (*TesseractAdapter, error) {
	if language == "" {
		language = "ces+eng"
	}
	bin, err := exec.LookPath("tesseract")
	if err != nil {
		return nil, fmt.Errorf("tesseract binary not found: %w", err)
	}
	return &TesseractAdapter{language: language, binary: bin}, nil
}

func (t *TesseractAdapter) ID() string { return "tesseract" }

func (t *TesseractAdapter) SupportsMedia(mediaType string) bool {
	return IsImage(mediaType)
}

func (t *TesseractAdapter) Extract(ctx context.Context, content []byte, mediaType string, hints []string) models.RawOCRResult {
	start := time.Now()
	res := models.RawOCRResult{Provider: t.ID()}

	if !t.SupportsMedia(mediaType) {
		res.ProcessingTime = time.Since(start)
		res.Error = models.NewError(models.ErrUnsupportedMedia, fmt.Sprintf("tesseract cannot read %s", mediaType), nil)
		return res
	}

	inputFile := filepath.Join(os.TempDir(), fmt.Sprintf("ocr_in_%d_%d.png", os.Getpid(), start.UnixNano()))
	if err := os.WriteFile(inputFile, content, 0o644); err != nil {
		res.ProcessingTime = time.Since(start)
		res.Error = models.NewError(models.ErrProviderError, "failed to stage input image", err)
		return res
	}
	defer os.Remove(inputFile)

	lang := t.language
	if len(hints) > 0 {
		lang = mapHintsToTessLang(hints, t.language)
	}

	// TSV output carries per-word confidences, which we average into the
	// per-call confidence.
	cmd := exec.CommandContext(ctx, t.binary, inputFile, "stdout", "-l", lang, "tsv")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		res.ProcessingTime = time.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Error = models.NewError(models.ErrTimeout, "tesseract exceeded deadline", err)
		} else if ctx.Err() != nil {
			res.Error = models.NewError(models.ErrCancelled, "tesseract call cancelled", err)
		} else {
			res.Error = models.NewError(models.ErrProviderError, strings.TrimSpace(stderr.String()), err)
		}
		return res
	}

	text, confidence := parseTSV(stdout.String())
	res.ProcessingTime = time.Since(start)
	if strings.TrimSpace(text) == "" {
		res.Error = models.NewError(models.ErrProviderError, "tesseract produced no text", nil)
		return res
	}
	res.Text = text
	res.Confidence = confidence
	res.Success = true
	return res
}

// parseTSV reconstructs line text from tesseract TSV output and averages the
// word-level confidences (column 11, -1 means non-word rows).
func parseTSV(tsv string) (string, float64) {
	var b strings.Builder
	var confSum float64
	var confCount int
	lastLine := -1

	for i, row := range strings.Split(tsv, "\n") {
		if i == 0 || strings.TrimSpace(row) == "" {
			continue // header
		}
		cols := strings.Split(row, "\t")
		if len(cols) < 12 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		lineNum, _ := strconv.Atoi(cols[4])
		if lastLine != -1 && lineNum != lastLine {
			b.WriteByte('\n')
		} else if b.Len() > 0 {
			b.WriteByte(' ')
		}
		lastLine = lineNum
		b.WriteString(word)
		confSum += conf
		confCount++
	}

	if confCount == 0 {
		return b.String(), 0
	}
	return b.String(), confSum / float64(confCount) / 100.0
}

// mapHintsToTessLang converts pipeline language hints into tesseract's
// language pack syntax.
func mapHintsToTessLang(hints []string, fallback string) string {
	var packs []string
	for _, h := range hints {
		switch strings.ToLower(h) {
		case "cs", "ces", "local":
			packs = append(packs, "ces")
		case "en", "eng":
			packs = append(packs, "eng")
		case "sk", "slk":
			packs = append(packs, "slk")
		}
	}
	if len(packs) == 0 {
		return fallback
	}
	return strings.Join(packs, "+")
}
