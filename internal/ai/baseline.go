package ai

import (
	"regexp"
	"strings"

	"github.com/doklado/document-pipeline/internal/models"
)

// The regex baseline is the deterministic safety net: it runs first in
// cost_effective mode (its output becomes priors for the model pass) and it
// is the fallback when the model output cannot be parsed or the cost ceiling
// denies the call.

var (
	invoiceNumberRe = regexp.MustCompile(`(?i)(?:faktura|invoice|daňový doklad|č\.|c\.|no\.?|number)[:\s]*(?:č\.\s*)?([A-Z0-9][A-Z0-9\-/]{2,19})`)
	dateRe          = regexp.MustCompile(`(\d{1,2})\.\s?(\d{1,2})\.\s?(\d{4})|(\d{4})-(\d{2})-(\d{2})`)
	totalRe         = regexp.MustCompile(`(?i)(?:celkem k úhradě|celkem|k úhradě|total(?:\s+due)?|amount due)[:\s]*([0-9][0-9 \x{00a0}.,]*[0-9]|[0-9])\s*(Kč|CZK|EUR|€|USD|\$)?`)
	regNumberRe     = regexp.MustCompile(`(?i)(?:IČO?|IC|reg\.?\s*(?:no|number))[.:\s]*(\d[\d ]{5,11}\d)`)
	taxNumberRe     = regexp.MustCompile(`(?i)(?:DIČ|VAT\s*(?:ID|no))[.:\s]*([A-Z]{2}\s?\d{8,10})`)
)

// BaselineExtract fills what fixed patterns can find: invoice number, issue
// date, total with currency, registration and tax numbers. Everything it
// cannot match stays empty.
func BaselineExtract(rawText string) *models.StructuredRecord {
	rec := &models.StructuredRecord{}

	if m := invoiceNumberRe.FindStringSubmatch(rawText); m != nil {
		rec.InvoiceNumber = strings.TrimSpace(m[1])
	}

	if m := dateRe.FindStringSubmatch(rawText); m != nil {
		if m[1] != "" {
			rec.DateIssued = NormalizeDate(m[1] + "." + m[2] + "." + m[3])
		} else {
			rec.DateIssued = NormalizeDate(m[4] + "-" + m[5] + "-" + m[6])
		}
	}

	if m := totalRe.FindStringSubmatch(rawText); m != nil {
		if v, ok := ParseDecimal(m[1]); ok {
			currency := NormalizeCurrency(m[2])
			if currency == "" {
				currency = "CZK"
			}
			rec.TotalAmount = &models.Money{Value: v.Round(2), Currency: currency}
		}
	}

	vendor := &models.Party{}
	if m := regNumberRe.FindStringSubmatch(rawText); m != nil {
		vendor.RegistrationNumber = strings.ReplaceAll(m[1], " ", "")
	}
	if m := taxNumberRe.FindStringSubmatch(rawText); m != nil {
		vendor.TaxNumber = strings.ReplaceAll(strings.ToUpper(m[1]), " ", "")
	}
	if vendor.RegistrationNumber != "" || vendor.TaxNumber != "" {
		rec.Vendor = vendor
	}

	if rec.InvoiceNumber != "" || rec.TotalAmount != nil {
		rec.DocumentType = models.TypeInvoice
	}
	return rec
}

// MergePriors copies baseline findings into the model record where the model
// left a hole. The model output wins whenever both are present.
func MergePriors(modelRec, baseline *models.StructuredRecord) {
	if modelRec.InvoiceNumber == "" {
		modelRec.InvoiceNumber = baseline.InvoiceNumber
	}
	if modelRec.DateIssued == "" {
		modelRec.DateIssued = baseline.DateIssued
	}
	if modelRec.TotalAmount == nil {
		modelRec.TotalAmount = baseline.TotalAmount
	}
	if baseline.Vendor != nil {
		if modelRec.Vendor == nil {
			modelRec.Vendor = baseline.Vendor
		} else {
			if modelRec.Vendor.RegistrationNumber == "" {
				modelRec.Vendor.RegistrationNumber = baseline.Vendor.RegistrationNumber
			}
			if modelRec.Vendor.TaxNumber == "" {
				modelRec.Vendor.TaxNumber = baseline.Vendor.TaxNumber
			}
		}
	}
}
