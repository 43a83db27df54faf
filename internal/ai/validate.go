package ai

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/doklado/document-pipeline/internal/models"
)

// amountTolerance absorbs rounding differences in extracted arithmetic.
var amountTolerance = decimal.NewFromFloat(0.02)

// Validate checks the schema invariants and records every violation as a
// note on the record. Fields are left exactly as extracted: a wrong sum is
// evidence about the document or the extraction, never something to patch.
func Validate(r *models.StructuredRecord) {
	if r.TaxInfo != nil && r.TotalAmount != nil {
		expected := r.TaxInfo.Base.Add(r.TaxInfo.Amount)
		diff := r.TotalAmount.Value.Sub(expected).Abs()
		if diff.GreaterThan(amountTolerance) {
			r.AddNote(fmt.Sprintf("tax base %s + amount %s does not match total %s (off by %s)",
				r.TaxInfo.Base.StringFixed(2), r.TaxInfo.Amount.StringFixed(2),
				r.TotalAmount.Value.StringFixed(2), diff.StringFixed(2)))
		}
	}

	if r.DateIssued != "" && r.DueDate != "" && r.DateIssued > r.DueDate {
		// ISO-8601 dates compare correctly as strings.
		r.AddNote(fmt.Sprintf("date_issued %s is after due_date %s", r.DateIssued, r.DueDate))
	}

	for i, li := range r.LineItems {
		if li.Quantity.IsZero() || li.UnitPrice.IsZero() {
			continue
		}
		expected := li.Quantity.Mul(li.UnitPrice)
		diff := li.TotalPrice.Sub(expected).Abs()
		if diff.GreaterThan(amountTolerance) {
			r.AddNote(fmt.Sprintf("line_items[%d]: %s x %s does not match total_price %s",
				i, li.Quantity.String(), li.UnitPrice.StringFixed(2), li.TotalPrice.StringFixed(2)))
		}
	}
}

// ExtractionConfidence blends the adapter's self-assessment with how much of
// the schema was actually filled, clamped to [0,1].
func ExtractionConfidence(adapterConfidence float64, r *models.StructuredRecord) float64 {
	c := 0.5*adapterConfidence + 0.5*FieldCoverage(r)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
