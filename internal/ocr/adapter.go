// Package ocr contains the provider adapters and the orchestrator that turns
// an uploaded artifact into the best available raw text.
package ocr

import (
	"context"
	"sort"
	"strings"

	"github.com/doklado/document-pipeline/internal/models"
)

// Adapter is the uniform contract over OCR providers. Extract never panics
// for documented failure modes: failures come back inside the result with an
// error kind attached.
type Adapter interface {
	// ID is the stable adapter identifier used for routing and tie-breaks.
	ID() string

	// Extract runs OCR over content. A success=true result carries non-empty
	// text and a confidence in [0,1]; ProcessingTime is always set.
	Extract(ctx context.Context, content []byte, mediaType string, hints []string) models.RawOCRResult

	// SupportsMedia reports whether the adapter accepts the media type
	// directly, without rasterization.
	SupportsMedia(mediaType string) bool
}

// Capability describes an adapter for routing decisions. Confidence values
// from different providers are not comparable; the capability baseline is
// used only for selection, never for combining results.
type Capability struct {
	// Accuracy is the relative quality ranking in [0,1].
	Accuracy float64
	// SpeedScore is the relative speed ranking in [0,1] (higher is faster).
	SpeedScore float64
	// Languages the adapter handles well. "any" matches everything.
	Languages []string
	// CostPerPageUSD for hosted providers; zero for local engines.
	CostPerPageUSD float64
	// BaselineConfidence is the confidence reported when the provider gives
	// no per-call figure.
	BaselineConfidence float64
	// NativePDF is true only for adapters that document PDF input support;
	// everything else receives rasterized pages.
	NativePDF bool
}

// SupportsLanguage reports whether the capability covers lang.
func (c Capability) SupportsLanguage(lang string) bool {
	for _, l := range c.Languages {
		if l == "any" || strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

// Registry is the static set of initialized adapters, built once at startup.
// An adapter whose prerequisites are missing is simply absent.
type Registry struct {
	adapters map[string]Adapter
	caps     map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: map[string]Adapter{},
		caps:     map[string]Capability{},
	}
}

// Register adds an adapter with its capability record.
func (r *Registry) Register(a Adapter, cap Capability) {
	r.adapters[a.ID()] = a
	r.caps[a.ID()] = cap
}

// Get returns the adapter and capability for id.
func (r *Registry) Get(id string) (Adapter, Capability, bool) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, Capability{}, false
	}
	return a, r.caps[id], true
}

// IDs returns all registered adapter ids in ascending order, which is the
// deterministic tie-break order everywhere in the orchestrator.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports the number of registered adapters.
func (r *Registry) Len() int { return len(r.adapters) }

// IsImage reports whether mediaType is a raster image type.
func IsImage(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/")
}

// IsPDF reports whether mediaType is a PDF.
func IsPDF(mediaType string) bool {
	return mediaType == "application/pdf"
}
