package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Rasterizer converts PDF pages to PNG for image-only adapters. The work is
// CPU-bound, so a small semaphore keeps concurrent rasterizations from
// starving the worker pool.
type Rasterizer struct {
	sem chan struct{}
}

// NewRasterizer allows at most maxConcurrent rasterizations at once
// (defaulting to 2).
func NewRasterizer(maxConcurrent int) *Rasterizer {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Rasterizer{sem: make(chan struct{}, maxConcurrent)}
}

// Pages renders the PDF to PNG pages at 2x zoom (144 dpi). With allPages
// false only the first page is rendered.
func (r *Rasterizer) Pages(ctx context.Context, pdf []byte, allPages bool) ([][]byte, error) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tmpDir, err := os.MkdirTemp("", "raster")
	if err != nil {
		return nil, fmt.Errorf("failed to create raster dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	inputFile := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(inputFile, pdf, 0o644); err != nil {
		return nil, fmt.Errorf("failed to stage pdf: %w", err)
	}

	prefix := filepath.Join(tmpDir, "page")
	args := []string{"-png", "-r", "144", inputFile, prefix}
	if !allPages {
		args = append([]string{"-f", "1", "-l", "1"}, args...)
	}

	bin, err := exec.LookPath("pdftoppm")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm binary not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pdf rasterization failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list rasterized pages: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "page") && strings.HasSuffix(e.Name(), ".png") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // pdftoppm zero-pads page numbers

	pages := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(tmpDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read page %s: %w", name, err)
		}
		pages = append(pages, data)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdf rasterization produced no pages")
	}
	return pages, nil
}
