// Package ai turns raw OCR text into the canonical structured record. It
// holds the LLM provider adapters, model selection, response parsing, the
// regex baseline extractor and the per-owner cost ledger.
package ai

import (
	"context"
	"sort"
	"time"
)

// LLMResult is the outcome of one structuring call. CostUSD is computed from
// the provider price table applied to reported usage, never estimated after
// the fact.
type LLMResult struct {
	Text           string
	TokensIn       int
	TokensOut      int
	CostUSD        float64
	Latency        time.Duration
	ConfidenceHint float64
}

// Provider is the uniform contract over LLM backends. Errors are always
// *models.PipelineError with a kind from the stable taxonomy.
type Provider interface {
	// ID is the stable provider identifier ("openai", "gemini", "ollama").
	ID() string

	// Structure sends the prompt and returns the raw model text.
	Structure(ctx context.Context, prompt string, maxTokens int) (*LLMResult, error)
}

// Tier groups models by expense class for complexity-based preference.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierBudget   Tier = "budget"
)

// ModelInfo is the capability/price table entry for one model. Scores are
// relative rankings in [0,1] used only by the selector.
type ModelInfo struct {
	ModelID      string
	ProviderID   string
	Tier         Tier
	Accuracy     float64
	Speed        float64
	LanguageCS   float64 // Czech-language quality
	Reasoning    float64
	InputPer1K   float64 // USD per 1K input tokens
	OutputPer1K  float64 // USD per 1K output tokens
}

// CostOf applies the price table to reported usage.
func (m ModelInfo) CostOf(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1000.0*m.InputPer1K + float64(tokensOut)/1000.0*m.OutputPer1K
}

// ExpectedCost estimates the pre-call cost for the ceiling filter from the
// prompt length (4 chars per token heuristic) and the output budget.
func (m ModelInfo) ExpectedCost(promptChars, maxTokens int) float64 {
	return m.CostOf(promptChars/4, maxTokens)
}

// Registry pairs initialized providers with their model table. A provider
// whose key is missing at startup is absent, not an error.
type Registry struct {
	entries map[string]registryEntry
}

type registryEntry struct {
	provider Provider
	info     ModelInfo
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]registryEntry{}}
}

// Register adds a model served by provider.
func (r *Registry) Register(provider Provider, info ModelInfo) {
	r.entries[info.ModelID] = registryEntry{provider: provider, info: info}
}

// Get returns the provider and table entry for a model id.
func (r *Registry) Get(modelID string) (Provider, ModelInfo, bool) {
	e, ok := r.entries[modelID]
	if !ok {
		return nil, ModelInfo{}, false
	}
	return e.provider, e.info, true
}

// Models returns the table entries sorted by model id for deterministic
// selection.
func (r *Registry) Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Len reports the number of registered models.
func (r *Registry) Len() int { return len(r.entries) }

// DefaultModelTable is the static capability/price table for the supported
// backends. Prices are USD per 1K tokens.
func DefaultModelTable() map[string]ModelInfo {
	return map[string]ModelInfo{
		"gpt-4o": {
			ModelID: "gpt-4o", ProviderID: "openai", Tier: TierPremium,
			Accuracy: 0.95, Speed: 0.6, LanguageCS: 0.9, Reasoning: 0.95,
			InputPer1K: 0.0025, OutputPer1K: 0.01,
		},
		"gpt-4o-mini": {
			ModelID: "gpt-4o-mini", ProviderID: "openai", Tier: TierStandard,
			Accuracy: 0.85, Speed: 0.85, LanguageCS: 0.8, Reasoning: 0.8,
			InputPer1K: 0.00015, OutputPer1K: 0.0006,
		},
		"gemini-1.5-pro": {
			ModelID: "gemini-1.5-pro", ProviderID: "gemini", Tier: TierPremium,
			Accuracy: 0.93, Speed: 0.55, LanguageCS: 0.85, Reasoning: 0.9,
			InputPer1K: 0.00125, OutputPer1K: 0.005,
		},
		"gemini-1.5-flash": {
			ModelID: "gemini-1.5-flash", ProviderID: "gemini", Tier: TierStandard,
			Accuracy: 0.82, Speed: 0.9, LanguageCS: 0.8, Reasoning: 0.7,
			InputPer1K: 0.000075, OutputPer1K: 0.0003,
		},
		"mistral": {
			ModelID: "mistral", ProviderID: "ollama", Tier: TierBudget,
			Accuracy: 0.65, Speed: 0.7, LanguageCS: 0.5, Reasoning: 0.55,
			InputPer1K: 0, OutputPer1K: 0,
		},
	}
}
