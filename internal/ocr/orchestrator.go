package ocr

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/doklado/document-pipeline/internal/models"
)

// highConfidence is the early-exit threshold for the accuracy fan-out and
// the "trust the provider" threshold in result combination.
const highConfidence = 0.90

// maxFanOut bounds the accuracy_first parallel dispatch.
const maxFanOut = 3

// Orchestrator produces the best RawOCRResult available for an input.
type Orchestrator struct {
	registry *Registry
	raster   *Rasterizer
	pre      *Preprocessor
	timeout  time.Duration
}

func NewOrchestrator(registry *Registry, raster *Rasterizer, pre *Preprocessor, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Orchestrator{registry: registry, raster: raster, pre: pre, timeout: timeout}
}

// Input is one artifact to be read.
type Input struct {
	Content   []byte
	MediaType string
	Hints     []string
}

// Run dispatches to adapters per the processing mode and returns the best
// result plus every per-provider result for diagnostics. The returned error
// is non-nil only when no adapter succeeded.
func (o *Orchestrator) Run(ctx context.Context, in Input, mode models.ProcessingMode) (models.RawOCRResult, []models.RawOCRResult, error) {
	if o.registry.Len() == 0 {
		err := models.NewError(models.ErrOCRAllFailed, "no OCR adapters configured", nil)
		return models.RawOCRResult{Error: err}, nil, err
	}

	candidates := o.candidates(in.Hints)

	var all []models.RawOCRResult
	switch mode {
	case models.ModeAccuracyFirst:
		all = o.fanOut(ctx, in, rankBy(candidates, func(a, b scored) bool {
			if a.cap.Accuracy != b.cap.Accuracy {
				return a.cap.Accuracy > b.cap.Accuracy
			}
			return a.id < b.id
		}))
	case models.ModeSpeedFirst:
		all = o.sequential(ctx, in, rankBy(candidates, func(a, b scored) bool {
			if a.cap.SpeedScore != b.cap.SpeedScore {
				return a.cap.SpeedScore > b.cap.SpeedScore
			}
			return a.id < b.id
		}))
	default: // cost_effective
		all = o.sequential(ctx, in, rankBy(candidates, func(a, b scored) bool {
			if a.cap.CostPerPageUSD != b.cap.CostPerPageUSD {
				return a.cap.CostPerPageUSD < b.cap.CostPerPageUSD
			}
			return a.id < b.id
		}))
	}

	best, ok := combine(all)
	if !ok {
		if ctx.Err() != nil {
			err := models.NewError(models.ErrCancelled, "OCR cancelled", ctx.Err())
			return models.RawOCRResult{Error: err}, all, err
		}
		err := models.NewError(models.ErrOCRAllFailed, "all OCR adapters failed", nil)
		return models.RawOCRResult{Error: err}, all, err
	}
	return best, all, nil
}

type scored struct {
	id  string
	cap Capability
}

// candidates filters the registry by language hint; when nothing matches the
// hint the full registry is used rather than failing outright.
func (o *Orchestrator) candidates(hints []string) []scored {
	lang := ""
	if len(hints) > 0 {
		lang = hints[0]
	}

	var matched, everyone []scored
	for _, id := range o.registry.IDs() {
		_, cap, _ := o.registry.Get(id)
		s := scored{id: id, cap: cap}
		everyone = append(everyone, s)
		if lang == "" || cap.SupportsLanguage(lang) {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		return everyone
	}
	return matched
}

func rankBy(in []scored, less func(a, b scored) bool) []scored {
	out := make([]scored, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// sequential tries adapters in ranked order and stops at the first success.
// The single best-ranked adapter handles the happy path; the rest are a
// fallback chain so one flaky provider does not fail the document.
func (o *Orchestrator) sequential(ctx context.Context, in Input, ranked []scored) []models.RawOCRResult {
	var results []models.RawOCRResult
	for _, s := range ranked {
		if ctx.Err() != nil {
			break
		}
		res := o.callAdapter(ctx, s.id, in, false)
		results = append(results, res)
		if res.Success {
			break
		}
	}
	return results
}

// fanOut dispatches to up to maxFanOut adapters in parallel with a shared
// cancellation token. Stragglers are cancelled once the first
// high-confidence result arrives; in-flight calls finish and their results
// are kept for diagnostics.
func (o *Orchestrator) fanOut(ctx context.Context, in Input, ranked []scored) []models.RawOCRResult {
	if len(ranked) > maxFanOut {
		ranked = ranked[:maxFanOut]
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]models.RawOCRResult, len(ranked))
	var wg sync.WaitGroup
	for i, s := range ranked {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res := o.callAdapter(fanCtx, id, in, true)
			results[i] = res
			if res.Success && res.Confidence >= highConfidence {
				cancel()
			}
		}(i, s.id)
	}
	wg.Wait()
	return results
}

// callAdapter prepares the per-adapter input (rasterizing PDFs for
// image-only adapters, preprocessing images for the local engine) and runs
// the call under the per-provider deadline.
func (o *Orchestrator) callAdapter(ctx context.Context, id string, in Input, allPages bool) models.RawOCRResult {
	adapter, cap, ok := o.registry.Get(id)
	if !ok {
		return models.RawOCRResult{
			Provider: id,
			Error:    models.NewError(models.ErrInternal, "adapter vanished from registry", nil),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if IsPDF(in.MediaType) && !cap.NativePDF {
		return o.ocrRasterized(callCtx, adapter, in, allPages)
	}

	content := in.Content
	if IsImage(in.MediaType) && cap.CostPerPageUSD == 0 {
		// Only the local engine benefits from grayscale preprocessing;
		// vision models read the original colors better.
		content = o.pre.Enhance(content)
	}
	return adapter.Extract(callCtx, content, in.MediaType, in.Hints)
}

// ocrRasterized renders PDF pages and feeds them to an image-only adapter,
// concatenating page texts and averaging page confidences.
func (o *Orchestrator) ocrRasterized(ctx context.Context, adapter Adapter, in Input, allPages bool) models.RawOCRResult {
	start := time.Now()
	pages, err := o.raster.Pages(ctx, in.Content, allPages)
	if err != nil {
		kind := models.ErrProviderError
		if ctx.Err() != nil {
			kind = models.ErrCancelled
		}
		return models.RawOCRResult{
			Provider:       adapter.ID(),
			ProcessingTime: time.Since(start),
			Error:          models.NewError(kind, "pdf rasterization failed", err),
		}
	}

	var text string
	var confSum float64
	okPages := 0
	for i, page := range pages {
		if ctx.Err() != nil {
			break
		}
		res := adapter.Extract(ctx, o.pre.Enhance(page), "image/png", in.Hints)
		if !res.Success {
			log.WithFields(log.Fields{"adapter": adapter.ID(), "page": i + 1}).Debug("page OCR failed")
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += res.Text
		confSum += res.Confidence
		okPages++
	}

	out := models.RawOCRResult{Provider: adapter.ID(), ProcessingTime: time.Since(start)}
	if okPages == 0 {
		out.Error = models.NewError(models.ErrProviderError, fmt.Sprintf("no readable pages out of %d", len(pages)), nil)
		return out
	}
	out.Text = text
	out.Confidence = confSum / float64(okPages)
	out.Success = true
	return out
}

// combine picks the winner: any high-confidence result wins on raw
// confidence; otherwise the blended score 0.7*confidence + 0.3*len weight
// decides. Ties break by ascending provider id.
func combine(results []models.RawOCRResult) (models.RawOCRResult, bool) {
	var best models.RawOCRResult
	bestScore := -1.0
	bestHigh := false
	found := false

	for _, r := range results {
		if !r.Success {
			continue
		}
		high := r.Confidence >= highConfidence
		var score float64
		if high {
			score = r.Confidence
		} else {
			lenWeight := float64(len(r.Text)) / 1000.0
			if lenWeight > 1 {
				lenWeight = 1
			}
			score = 0.7*r.Confidence + 0.3*lenWeight
		}

		better := false
		switch {
		case !found:
			better = true
		case high && !bestHigh:
			better = true
		case high == bestHigh && score > bestScore:
			better = true
		case high == bestHigh && score == bestScore && r.Provider < best.Provider:
			better = true
		}
		if better {
			best = r
			bestScore = score
			bestHigh = high
			found = true
		}
	}
	return best, found
}
