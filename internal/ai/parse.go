package ai

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/doklado/document-pipeline/internal/models"
)

// rawRecord is the permissive decoding target for model output. Numbers may
// arrive as JSON numbers or as strings with thousands separators, so every
// numeric field is any.
type rawRecord struct {
	DocumentType  string `json:"document_type"`
	InvoiceNumber string `json:"invoice_number"`
	DateIssued    string `json:"date_issued"`
	DueDate       string `json:"due_date"`
	TotalAmount   *struct {
		Value    any    `json:"value"`
		Currency string `json:"currency"`
	} `json:"total_amount"`
	Vendor   *rawParty `json:"vendor"`
	Customer *rawParty `json:"customer"`
	LineItems []struct {
		Description string `json:"description"`
		Quantity    any    `json:"quantity"`
		UnitPrice   any    `json:"unit_price"`
		TotalPrice  any    `json:"total_price"`
	} `json:"line_items"`
	TaxInfo *struct {
		Rate   any `json:"rate"`
		Amount any `json:"amount"`
		Base   any `json:"base"`
	} `json:"tax_info"`
}

type rawParty struct {
	Name               string `json:"name"`
	RegistrationNumber string `json:"registration_number"`
	TaxNumber          string `json:"tax_number"`
	Address            string `json:"address"`
}

// ParseResponse converts raw model output into a normalized
// StructuredRecord. A nil error means the JSON was syntactically valid;
// semantic invariant violations are recorded by Validate, not here.
func ParseResponse(response string) (*models.StructuredRecord, error) {
	cleaned := stripMarkdown(response)

	var raw rawRecord
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, models.NewError(models.ErrLLMParseFailed, "model response is not valid JSON", err)
	}

	rec := &models.StructuredRecord{
		DocumentType:  normalizeDocType(raw.DocumentType),
		InvoiceNumber: strings.TrimSpace(raw.InvoiceNumber),
		DateIssued:    NormalizeDate(raw.DateIssued),
		DueDate:       NormalizeDate(raw.DueDate),
	}

	if raw.TotalAmount != nil {
		if v, ok := ParseDecimal(raw.TotalAmount.Value); ok {
			rec.TotalAmount = &models.Money{
				Value:    v.Round(2),
				Currency: NormalizeCurrency(raw.TotalAmount.Currency),
			}
		}
	}
	rec.Vendor = normalizeParty(raw.Vendor)
	rec.Customer = normalizeParty(raw.Customer)

	for _, li := range raw.LineItems {
		item := models.LineItem{Description: strings.TrimSpace(li.Description)}
		if q, ok := ParseDecimal(li.Quantity); ok {
			item.Quantity = q
		}
		if u, ok := ParseDecimal(li.UnitPrice); ok {
			item.UnitPrice = u.Round(2)
		}
		if t, ok := ParseDecimal(li.TotalPrice); ok {
			item.TotalPrice = t.Round(2)
		}
		if item.Description == "" && item.Quantity.IsZero() && item.TotalPrice.IsZero() {
			continue
		}
		rec.LineItems = append(rec.LineItems, item)
	}

	if raw.TaxInfo != nil {
		ti := &models.TaxInfo{}
		populated := false
		if r, ok := ParseDecimal(raw.TaxInfo.Rate); ok {
			ti.Rate = r
			populated = true
		}
		if a, ok := ParseDecimal(raw.TaxInfo.Amount); ok {
			ti.Amount = a.Round(2)
			populated = true
		}
		if b, ok := ParseDecimal(raw.TaxInfo.Base); ok {
			ti.Base = b.Round(2)
			populated = true
		}
		if populated {
			rec.TaxInfo = ti
		}
	}

	return rec, nil
}

// stripMarkdown removes code fences the models wrap JSON in despite being
// told not to.
func stripMarkdown(s string) string {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	return strings.TrimSpace(cleaned)
}

func normalizeDocType(s string) models.DocumentType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "invoice":
		return models.TypeInvoice
	case "receipt":
		return models.TypeReceipt
	case "contract":
		return models.TypeContract
	case "":
		return ""
	default:
		return models.TypeOther
	}
}

func normalizeParty(p *rawParty) *models.Party {
	if p == nil {
		return nil
	}
	out := &models.Party{
		Name:               strings.TrimSpace(p.Name),
		RegistrationNumber: digitsOnly(p.RegistrationNumber),
		TaxNumber:          strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(p.TaxNumber), " ", "")),
		Address:            strings.TrimSpace(p.Address),
	}
	if out.Name == "" && out.RegistrationNumber == "" && out.TaxNumber == "" && out.Address == "" {
		return nil
	}
	return out
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var dateFormats = []string{
	"2006-01-02",
	"02.01.2006",
	"2.1.2006",
	"02/01/2006",
	"02-01-2006",
	"2006/01/02",
	"2006-01-02T15:04:05Z07:00",
}

// NormalizeDate converts common European date spellings to ISO-8601;
// unparseable input normalizes to empty.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return ""
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

var currencyAliases = map[string]string{
	"KČ": "CZK", "KC": "CZK", "CZK": "CZK", "KORUN": "CZK",
	"€": "EUR", "EUR": "EUR", "EURO": "EUR",
	"$": "USD", "USD": "USD",
	"£": "GBP", "GBP": "GBP",
	"ZŁ": "PLN", "ZL": "PLN", "PLN": "PLN",
}

// NormalizeCurrency maps symbols and local spellings onto ISO-4217 codes.
func NormalizeCurrency(s string) string {
	key := strings.ToUpper(strings.TrimSpace(s))
	if code, ok := currencyAliases[key]; ok {
		return code
	}
	if len(key) == 3 {
		return key
	}
	return ""
}

// ParseDecimal accepts JSON numbers and strings with Czech or English
// separators ("24 200,00", "24,200.00", "24200.00").
func ParseDecimal(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, false
	case float64:
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case json.Number:
		d, err := decimal.NewFromString(string(val))
		return d, err == nil
	case string:
		cleaned := strings.TrimSpace(val)
		if cleaned == "" || strings.EqualFold(cleaned, "null") {
			return decimal.Zero, false
		}
		cleaned = strings.ReplaceAll(cleaned, " ", "")
		cleaned = strings.ReplaceAll(cleaned, " ", "")
		// "1.234,56" and "1,234.56" both appear in the wild.
		if strings.Contains(cleaned, ",") && strings.Contains(cleaned, ".") {
			if strings.LastIndex(cleaned, ",") > strings.LastIndex(cleaned, ".") {
				cleaned = strings.ReplaceAll(cleaned, ".", "")
				cleaned = strings.ReplaceAll(cleaned, ",", ".")
			} else {
				cleaned = strings.ReplaceAll(cleaned, ",", "")
			}
		} else if strings.Contains(cleaned, ",") {
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		}
		d, err := decimal.NewFromString(cleaned)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// FieldCoverage is the fraction of top-level schema fields populated; it is
// half of the extraction confidence formula.
func FieldCoverage(r *models.StructuredRecord) float64 {
	const totalFields = 9
	populated := 0
	if r.DocumentType != "" {
		populated++
	}
	if r.InvoiceNumber != "" {
		populated++
	}
	if r.DateIssued != "" {
		populated++
	}
	if r.DueDate != "" {
		populated++
	}
	if r.TotalAmount != nil {
		populated++
	}
	if r.Vendor != nil {
		populated++
	}
	if r.Customer != nil {
		populated++
	}
	if len(r.LineItems) > 0 {
		populated++
	}
	if r.TaxInfo != nil {
		populated++
	}
	return float64(populated) / float64(totalFields)
}
