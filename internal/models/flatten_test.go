package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *StructuredRecord {
	return &StructuredRecord{
		DocumentType:  TypeInvoice,
		InvoiceNumber: "2024-001",
		DateIssued:    "2024-07-21",
		DueDate:       "2024-08-04",
		TotalAmount:   &Money{Value: decimal.RequireFromString("24200.00"), Currency: "CZK"},
		Vendor: &Party{
			Name:               "ABC s.r.o.",
			RegistrationNumber: "12345678",
			TaxNumber:          "CZ12345678",
			Address:            "Dlouhá 1, Praha",
			Enriched:           true,
			Active:             true,
		},
		Customer: &Party{Name: "XYZ a.s."},
		LineItems: []LineItem{
			{
				Description: "Consulting",
				Quantity:    decimal.NewFromInt(10),
				UnitPrice:   decimal.RequireFromString("2000.00"),
				TotalPrice:  decimal.RequireFromString("20000.00"),
			},
		},
		TaxInfo: &TaxInfo{
			Rate:   decimal.NewFromInt(21),
			Amount: decimal.RequireFromString("4200.00"),
			Base:   decimal.RequireFromString("20000.00"),
		},
		ExtractionConfidence: 0.87,
	}
}

func TestFlattenRoundTrip(t *testing.T) {
	rec := sampleRecord()
	fields := Flatten("doc-1", rec)

	got := Reassemble(fields)
	assert.Equal(t, rec.DocumentType, got.DocumentType)
	assert.Equal(t, rec.InvoiceNumber, got.InvoiceNumber)
	assert.Equal(t, rec.DateIssued, got.DateIssued)
	assert.Equal(t, rec.DueDate, got.DueDate)
	require.NotNil(t, got.TotalAmount)
	assert.True(t, got.TotalAmount.Value.Equal(rec.TotalAmount.Value))
	assert.Equal(t, "CZK", got.TotalAmount.Currency)
	require.NotNil(t, got.Vendor)
	assert.Equal(t, rec.Vendor.Name, got.Vendor.Name)
	assert.True(t, got.Vendor.Enriched)
	assert.True(t, got.Vendor.Active)
	assert.False(t, got.Vendor.TaxRegistered)
	require.Len(t, got.LineItems, 1)
	assert.True(t, got.LineItems[0].UnitPrice.Equal(rec.LineItems[0].UnitPrice))
	require.NotNil(t, got.TaxInfo)
	assert.True(t, got.TaxInfo.Amount.Equal(rec.TaxInfo.Amount))
	assert.InDelta(t, 0.87, got.ExtractionConfidence, 1e-9)
}

func TestFlattenSkipsEmptyFields(t *testing.T) {
	rec := &StructuredRecord{InvoiceNumber: "A-1", ExtractionConfidence: 0.5}
	fields := Flatten("doc-2", rec)

	names := map[string]string{}
	for _, f := range fields {
		names[f.FieldName] = f.FieldValue
	}
	assert.Equal(t, "A-1", names["invoice_number"])
	assert.NotContains(t, names, "due_date")
	assert.NotContains(t, names, "vendor.name")
	assert.NotContains(t, names, "total_amount.value")
	assert.Contains(t, names, "extraction_confidence")
}

func TestFlattenBoolFlagsOnlyWhenTrue(t *testing.T) {
	rec := &StructuredRecord{
		Vendor: &Party{Name: "ABC s.r.o.", Enriched: false},
	}
	for _, f := range Flatten("doc-3", rec) {
		assert.NotEqual(t, "vendor._enriched", f.FieldName)
	}
}

func TestFlattenAmountsUseTwoDecimals(t *testing.T) {
	rec := &StructuredRecord{
		TotalAmount: &Money{Value: decimal.RequireFromString("24200"), Currency: "CZK"},
	}
	for _, f := range Flatten("doc-4", rec) {
		if f.FieldName == "total_amount.value" {
			assert.Equal(t, "24200.00", f.FieldValue)
			assert.Equal(t, DataDecimal, f.DataType)
			return
		}
	}
	t.Fatal("total_amount.value row missing")
}

func TestFlattenNotesAndEnrichmentMeta(t *testing.T) {
	rec := &StructuredRecord{
		InvoiceNumber: "A-7",
		Notes:         []string{"first remark", "second remark"},
		EnrichmentMeta: &EnrichmentMeta{
			Success: false,
			Notes:   []string{"registry_unavailable: enrichment skipped"},
		},
	}
	got := Reassemble(Flatten("doc-6", rec))

	assert.Equal(t, []string{"first remark", "second remark"}, got.Notes)
	require.NotNil(t, got.EnrichmentMeta)
	assert.False(t, got.EnrichmentMeta.Success)
	require.Len(t, got.EnrichmentMeta.Notes, 1)
	assert.Contains(t, got.EnrichmentMeta.Notes[0], "registry_unavailable")
}

func TestReassembleOrderIndependent(t *testing.T) {
	fields := Flatten("doc-5", sampleRecord())
	for i, j := 0, len(fields)-1; i < j; i, j = i+1, j-1 {
		fields[i], fields[j] = fields[j], fields[i]
	}
	got := Reassemble(fields)
	assert.Equal(t, "2024-001", got.InvoiceNumber)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, "Consulting", got.LineItems[0].Description)
}
