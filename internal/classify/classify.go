// Package classify pre-classifies raw document text before the expensive
// stages run, so the orchestrators can route on type, complexity and
// language without a model call.
package classify

import (
	"path/filepath"
	"strings"

	"github.com/doklado/document-pipeline/internal/models"
)

// Complexity buckets drive LLM tier selection.
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

// Language is the coarse local-vs-English signal for adapter routing.
type Language string

const (
	LangLocal   Language = "local"
	LangEnglish Language = "en"
)

// Result is the classifier output.
type Result struct {
	DocType    models.DocumentType
	Complexity Complexity
	Language   Language
	Confidence float64
}

// Bilingual keyword dictionaries. Votes are counted per document type; the
// filename participates with the same weight as the body.
var typeKeywords = map[models.DocumentType][]string{
	models.TypeInvoice: {
		"faktura", "invoice", "daňový doklad", "danovy doklad", "variabilní symbol",
		"variabilni symbol", "invoice number", "číslo faktury", "cislo faktury",
		"splatnost", "due date", "ičo", "ico", "dič", "dic", "vat id",
	},
	models.TypeReceipt: {
		"účtenka", "uctenka", "paragon", "receipt", "pokladní doklad",
		"pokladni doklad", "cash register", "tržba", "trzba", "eet",
	},
	models.TypeContract: {
		"smlouva", "contract", "agreement", "smluvní strany", "smluvni strany",
		"článek", "clanek", "hereby agree", "terms and conditions", "dodatek",
	},
}

var taxKeywords = []string{
	"dph", "vat", "daň", "dan ", "tax", "sazba", "základ daně", "zaklad dane",
}

var lineItemKeywords = []string{
	"položka", "polozka", "množství", "mnozstvi", "quantity", "unit price",
	"cena za mj", "ks ", "item", "description", "celkem bez dph",
}

// Classify is a pure function over (raw text, filename).
func Classify(rawText, filename string) Result {
	lower := strings.ToLower(rawText)
	name := strings.ToLower(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))

	docType, typeConf := voteType(lower, name)

	return Result{
		DocType:    docType,
		Complexity: scoreComplexity(lower),
		Language:   detectLanguage(rawText),
		Confidence: typeConf,
	}
}

func voteType(lowerText, lowerName string) (models.DocumentType, float64) {
	votes := map[models.DocumentType]int{}
	total := 0
	for t, words := range typeKeywords {
		for _, w := range words {
			if strings.Contains(lowerText, w) || strings.Contains(lowerName, w) {
				votes[t]++
				total++
			}
		}
	}
	if total == 0 {
		return models.TypeOther, 0.25
	}

	best := models.TypeOther
	bestVotes := 0
	// Deterministic iteration: fixed order, not map order.
	for _, t := range []models.DocumentType{models.TypeInvoice, models.TypeReceipt, models.TypeContract} {
		if votes[t] > bestVotes {
			best = t
			bestVotes = votes[t]
		}
	}
	conf := float64(bestVotes) / float64(total)
	if conf < 0.34 {
		return models.TypeOther, conf
	}
	return best, conf
}

// scoreComplexity counts four binary signals; >0.6 is complex, >0.3 medium.
func scoreComplexity(lowerText string) Complexity {
	signals := 0
	if len(lowerText) > 2000 {
		signals++
	}
	if strings.Count(lowerText, "\n") > 50 {
		signals++
	}
	if containsAny(lowerText, taxKeywords) {
		signals++
	}
	if containsAny(lowerText, lineItemKeywords) {
		signals++
	}
	score := float64(signals) / 4.0
	switch {
	case score > 0.6:
		return Complex
	case score > 0.3:
		return Medium
	default:
		return Simple
	}
}

// detectLanguage uses the ratio of Czech diacritic characters to total runes.
func detectLanguage(text string) Language {
	if text == "" {
		return LangEnglish
	}
	const diacritics = "áčďéěíňóřšťúůýžÁČĎÉĚÍŇÓŘŠŤÚŮÝŽ"
	diacritic := 0
	total := 0
	for _, r := range text {
		total++
		if strings.ContainsRune(diacritics, r) {
			diacritic++
		}
	}
	if total > 0 && float64(diacritic)/float64(total) > 0.01 {
		return LangLocal
	}
	return LangEnglish
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
