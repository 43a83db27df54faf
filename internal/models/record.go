package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentType is the coarse classification of an uploaded artifact.
type DocumentType string

const (
	TypeInvoice  DocumentType = "invoice"
	TypeReceipt  DocumentType = "receipt"
	TypeContract DocumentType = "contract"
	TypeOther    DocumentType = "other"
)

// Money pairs an amount (two fractional digits) with an ISO-4217 currency.
type Money struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// Party describes the vendor or customer side of a document. The underscore
// fields are stamped by the enrichment stage and never come from extraction.
type Party struct {
	Name               string `json:"name,omitempty"`
	RegistrationNumber string `json:"registration_number,omitempty"`
	TaxNumber          string `json:"tax_number,omitempty"`
	Address            string `json:"address,omitempty"`
	Enriched           bool   `json:"_enriched,omitempty"`
	Active             bool   `json:"_active,omitempty"`
	TaxRegistered      bool   `json:"_tax_registered,omitempty"`
}

// LineItem is one row of an invoice.
type LineItem struct {
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
}

// TaxInfo holds the VAT breakdown: base + amount should equal the total.
type TaxInfo struct {
	Rate   decimal.Decimal `json:"rate"`
	Amount decimal.Decimal `json:"amount"`
	Base   decimal.Decimal `json:"base"`
}

// EnrichmentMeta records the outcome of the registry enrichment stage.
type EnrichmentMeta struct {
	EnrichedAt time.Time `json:"enriched_at"`
	Success    bool      `json:"success"`
	Notes      []string  `json:"notes,omitempty"`
}

// StructuredRecord is the canonical extraction schema. It exists only in
// memory during a run; at completion it is flattened into ExtractedField
// rows, which are the persisted source of truth.
type StructuredRecord struct {
	DocumentType  DocumentType `json:"document_type,omitempty"`
	InvoiceNumber string       `json:"invoice_number,omitempty"`
	DateIssued    string       `json:"date_issued,omitempty"` // ISO-8601 date
	DueDate       string       `json:"due_date,omitempty"`    // ISO-8601 date
	TotalAmount   *Money       `json:"total_amount,omitempty"`
	Vendor        *Party       `json:"vendor,omitempty"`
	Customer      *Party       `json:"customer,omitempty"`
	LineItems     []LineItem   `json:"line_items,omitempty"`
	TaxInfo       *TaxInfo     `json:"tax_info,omitempty"`

	ExtractionConfidence float64         `json:"extraction_confidence"`
	EnrichmentMeta       *EnrichmentMeta `json:"_enrichment_meta,omitempty"`

	// Notes collects invariant violations and processing remarks. Affected
	// fields are left as extracted, never silently corrected.
	Notes []string `json:"_notes,omitempty"`
}

// AddNote appends a processing remark to the record.
func (r *StructuredRecord) AddNote(note string) {
	r.Notes = append(r.Notes, note)
}

// ExtractedField is the flat projection of a StructuredRecord field used for
// querying. DataType is one of "string", "decimal", "date", "bool".
type ExtractedField struct {
	DocumentID string  `json:"document_id"`
	FieldName  string  `json:"field_name"`
	FieldValue string  `json:"field_value"`
	Confidence float64 `json:"confidence"`
	DataType   string  `json:"data_type"`
}
