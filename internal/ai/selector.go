package ai

import (
	"fmt"
	"sort"

	"github.com/doklado/document-pipeline/internal/classify"
	"github.com/doklado/document-pipeline/internal/models"
)

// Selection records which model was chosen and why; it is attached to the
// run diagnostics so billing questions can be answered after the fact.
type Selection struct {
	ModelID string             `json:"model_id"`
	Reason  string             `json:"reason"`
	Scores  map[string]float64 `json:"scores"`
}

// Scoring weights. Complexity multiplies preferred (premium) tiers by 1.2.
const (
	weightAccuracy  = 0.40
	weightCost      = 0.25
	weightSpeed     = 0.15
	weightLanguage  = 0.10
	weightReasoning = 0.10

	complexTierBoost = 1.2
)

// SelectModel scores the registry's models against the classifier output and
// the caller's cost ceiling. Models whose expected cost exceeds the ceiling
// are removed; if that removes everything, the cheapest model is used.
func SelectModel(reg *Registry, cls classify.Result, mode models.ProcessingMode, ceilingUSD float64, promptChars, maxTokens int) (Selection, error) {
	candidates := reg.Models()
	if len(candidates) == 0 {
		return Selection{}, models.NewError(models.ErrInternal, "no LLM models configured", nil)
	}

	maxPrice := 0.0
	for _, m := range candidates {
		if p := m.InputPer1K + m.OutputPer1K; p > maxPrice {
			maxPrice = p
		}
	}

	scores := map[string]float64{}
	for _, m := range candidates {
		costEfficiency := 1.0
		if maxPrice > 0 {
			costEfficiency = 1.0 - (m.InputPer1K+m.OutputPer1K)/maxPrice
		}

		langScore := m.LanguageCS
		if cls.Language == classify.LangEnglish {
			langScore = 1.0 // every model handles English
		}

		score := weightAccuracy*m.Accuracy +
			weightCost*costEfficiency +
			weightSpeed*m.Speed +
			weightLanguage*langScore +
			weightReasoning*m.Reasoning

		// Mode nudges mirror the OCR orchestrator: modes reweight, they do
		// not hard-pin a tier.
		switch mode {
		case models.ModeSpeedFirst:
			score += 0.15 * m.Speed
		case models.ModeCostEffective:
			score += 0.15 * costEfficiency
		case models.ModeAccuracyFirst:
			score += 0.15 * m.Accuracy
		}

		if cls.Complexity == classify.Complex && m.Tier == TierPremium {
			score *= complexTierBoost
		}
		scores[m.ModelID] = score
	}

	// Ceiling filter.
	var affordable []ModelInfo
	for _, m := range candidates {
		if ceilingUSD <= 0 || m.ExpectedCost(promptChars, maxTokens) <= ceilingUSD {
			affordable = append(affordable, m)
		}
	}

	if len(affordable) == 0 {
		cheapest := cheapestOf(candidates)
		return Selection{
			ModelID: cheapest.ModelID,
			Reason:  fmt.Sprintf("all models over cost ceiling %.4f USD, using cheapest", ceilingUSD),
			Scores:  scores,
		}, nil
	}

	sort.Slice(affordable, func(i, j int) bool {
		si, sj := scores[affordable[i].ModelID], scores[affordable[j].ModelID]
		if si != sj {
			return si > sj
		}
		return affordable[i].ModelID < affordable[j].ModelID
	})

	best := affordable[0]
	return Selection{
		ModelID: best.ModelID,
		Reason: fmt.Sprintf("best weighted score %.3f for %s/%s document in %s mode",
			scores[best.ModelID], cls.DocType, cls.Complexity, mode),
		Scores: scores,
	}, nil
}

func cheapestOf(ms []ModelInfo) ModelInfo {
	best := ms[0]
	for _, m := range ms[1:] {
		pm, pb := m.InputPer1K+m.OutputPer1K, best.InputPer1K+best.OutputPer1K
		if pm < pb || (pm == pb && m.ModelID < best.ModelID) {
			best = m
		}
	}
	return best
}
