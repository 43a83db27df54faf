package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/doklado/document-pipeline/internal/models"
)

func TestClassifyCzechInvoice(t *testing.T) {
	text := "FAKTURA č. 2024-001\nDaňový doklad\nIČO: 12345678\nDIČ: CZ12345678\n" +
		"Splatnost: 04.08.2024\nCelkem k úhradě: 24 200,00 Kč"

	res := Classify(text, "faktura_abc.pdf")
	assert.Equal(t, models.TypeInvoice, res.DocType)
	assert.Equal(t, LangLocal, res.Language)
	assert.Greater(t, res.Confidence, 0.34)
}

func TestClassifyEnglishReceipt(t *testing.T) {
	text := "RECEIPT\nCash register #4\nThank you for your purchase"

	res := Classify(text, "scan001.jpg")
	assert.Equal(t, models.TypeReceipt, res.DocType)
	assert.Equal(t, LangEnglish, res.Language)
}

func TestClassifyContractByFilename(t *testing.T) {
	res := Classify("strany se dohodly takto", "smlouva_o_dilo.pdf")
	assert.Equal(t, models.TypeContract, res.DocType)
}

func TestClassifyUnknownText(t *testing.T) {
	res := Classify("nothing recognizable here", "scan.png")
	assert.Equal(t, models.TypeOther, res.DocType)
	assert.Equal(t, 0.25, res.Confidence)
}

func TestComplexityBuckets(t *testing.T) {
	assert.Equal(t, Simple, scoreComplexity("short note"))

	medium := "faktura with dph and vat breakdown"
	assert.Equal(t, Medium, scoreComplexity(medium))

	long := strings.Repeat("polozka quantity unit price dph 21%\n", 80)
	assert.Equal(t, Complex, scoreComplexity(long))
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, LangLocal, detectLanguage("Dodavatel: Žlutý kůň s.r.o., Příkopy 12"))
	assert.Equal(t, LangEnglish, detectLanguage("Invoice from Acme Corp, 100 Main St"))
	assert.Equal(t, LangEnglish, detectLanguage(""))
}
