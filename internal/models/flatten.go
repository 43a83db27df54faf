package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Field data types used in the extracted_fields projection.
const (
	DataString  = "string"
	DataDecimal = "decimal"
	DataDate    = "date"
	DataBool    = "bool"
)

// Flatten projects a StructuredRecord into flat ExtractedField rows. Names
// are dotted paths ("vendor.name", "line_items.0.unit_price"). Empty fields
// produce no row. Reassemble inverts the projection.
func Flatten(documentID string, r *StructuredRecord) []ExtractedField {
	var out []ExtractedField
	conf := r.ExtractionConfidence

	add := func(name, value, dataType string) {
		if value == "" {
			return
		}
		out = append(out, ExtractedField{
			DocumentID: documentID,
			FieldName:  name,
			FieldValue: value,
			Confidence: conf,
			DataType:   dataType,
		})
	}

	add("document_type", string(r.DocumentType), DataString)
	add("invoice_number", r.InvoiceNumber, DataString)
	add("date_issued", r.DateIssued, DataDate)
	add("due_date", r.DueDate, DataDate)

	if r.TotalAmount != nil {
		add("total_amount.value", r.TotalAmount.Value.StringFixed(2), DataDecimal)
		add("total_amount.currency", r.TotalAmount.Currency, DataString)
	}
	flattenParty(add, "vendor", r.Vendor)
	flattenParty(add, "customer", r.Customer)

	for i, li := range r.LineItems {
		p := fmt.Sprintf("line_items.%d.", i)
		add(p+"description", li.Description, DataString)
		add(p+"quantity", li.Quantity.String(), DataDecimal)
		add(p+"unit_price", li.UnitPrice.StringFixed(2), DataDecimal)
		add(p+"total_price", li.TotalPrice.StringFixed(2), DataDecimal)
	}

	if r.TaxInfo != nil {
		add("tax_info.rate", r.TaxInfo.Rate.String(), DataDecimal)
		add("tax_info.amount", r.TaxInfo.Amount.StringFixed(2), DataDecimal)
		add("tax_info.base", r.TaxInfo.Base.StringFixed(2), DataDecimal)
	}

	for i, n := range r.Notes {
		add(fmt.Sprintf("_notes.%d", i), n, DataString)
	}
	if r.EnrichmentMeta != nil {
		add("_enrichment_meta.success", strconv.FormatBool(r.EnrichmentMeta.Success), DataBool)
		for i, n := range r.EnrichmentMeta.Notes {
			add(fmt.Sprintf("_enrichment_meta.notes.%d", i), n, DataString)
		}
	}

	add("extraction_confidence", strconv.FormatFloat(conf, 'f', -1, 64), DataDecimal)
	return out
}

func flattenParty(add func(name, value, dataType string), prefix string, p *Party) {
	if p == nil {
		return
	}
	add(prefix+".name", p.Name, DataString)
	add(prefix+".registration_number", p.RegistrationNumber, DataString)
	add(prefix+".tax_number", p.TaxNumber, DataString)
	add(prefix+".address", p.Address, DataString)
	if p.Enriched {
		add(prefix+"._enriched", "true", DataBool)
	}
	if p.Active {
		add(prefix+"._active", "true", DataBool)
	}
	if p.TaxRegistered {
		add(prefix+"._tax_registered", "true", DataBool)
	}
}

// Reassemble rebuilds a StructuredRecord from its flat projection. Rows may
// arrive in any order.
func Reassemble(fields []ExtractedField) *StructuredRecord {
	r := &StructuredRecord{}
	lineItems := map[int]*LineItem{}
	notes := map[int]string{}
	enrichNotes := map[int]string{}

	for _, f := range fields {
		switch {
		case f.FieldName == "document_type":
			r.DocumentType = DocumentType(f.FieldValue)
		case f.FieldName == "invoice_number":
			r.InvoiceNumber = f.FieldValue
		case f.FieldName == "date_issued":
			r.DateIssued = f.FieldValue
		case f.FieldName == "due_date":
			r.DueDate = f.FieldValue
		case f.FieldName == "extraction_confidence":
			r.ExtractionConfidence, _ = strconv.ParseFloat(f.FieldValue, 64)
		case strings.HasPrefix(f.FieldName, "total_amount."):
			if r.TotalAmount == nil {
				r.TotalAmount = &Money{}
			}
			switch strings.TrimPrefix(f.FieldName, "total_amount.") {
			case "value":
				r.TotalAmount.Value, _ = decimal.NewFromString(f.FieldValue)
			case "currency":
				r.TotalAmount.Currency = f.FieldValue
			}
		case strings.HasPrefix(f.FieldName, "vendor."):
			if r.Vendor == nil {
				r.Vendor = &Party{}
			}
			setPartyField(r.Vendor, strings.TrimPrefix(f.FieldName, "vendor."), f.FieldValue)
		case strings.HasPrefix(f.FieldName, "customer."):
			if r.Customer == nil {
				r.Customer = &Party{}
			}
			setPartyField(r.Customer, strings.TrimPrefix(f.FieldName, "customer."), f.FieldValue)
		case strings.HasPrefix(f.FieldName, "tax_info."):
			if r.TaxInfo == nil {
				r.TaxInfo = &TaxInfo{}
			}
			d, _ := decimal.NewFromString(f.FieldValue)
			switch strings.TrimPrefix(f.FieldName, "tax_info.") {
			case "rate":
				r.TaxInfo.Rate = d
			case "amount":
				r.TaxInfo.Amount = d
			case "base":
				r.TaxInfo.Base = d
			}
		case strings.HasPrefix(f.FieldName, "_notes."):
			if idx, err := strconv.Atoi(strings.TrimPrefix(f.FieldName, "_notes.")); err == nil {
				notes[idx] = f.FieldValue
			}
		case f.FieldName == "_enrichment_meta.success":
			if r.EnrichmentMeta == nil {
				r.EnrichmentMeta = &EnrichmentMeta{}
			}
			r.EnrichmentMeta.Success = f.FieldValue == "true"
		case strings.HasPrefix(f.FieldName, "_enrichment_meta.notes."):
			if idx, err := strconv.Atoi(strings.TrimPrefix(f.FieldName, "_enrichment_meta.notes.")); err == nil {
				enrichNotes[idx] = f.FieldValue
			}
		case strings.HasPrefix(f.FieldName, "line_items."):
			rest := strings.TrimPrefix(f.FieldName, "line_items.")
			parts := strings.SplitN(rest, ".", 2)
			if len(parts) != 2 {
				continue
			}
			idx, err := strconv.Atoi(parts[0])
			if err != nil {
				continue
			}
			li := lineItems[idx]
			if li == nil {
				li = &LineItem{}
				lineItems[idx] = li
			}
			switch parts[1] {
			case "description":
				li.Description = f.FieldValue
			case "quantity":
				li.Quantity, _ = decimal.NewFromString(f.FieldValue)
			case "unit_price":
				li.UnitPrice, _ = decimal.NewFromString(f.FieldValue)
			case "total_price":
				li.TotalPrice, _ = decimal.NewFromString(f.FieldValue)
			}
		}
	}

	if len(lineItems) > 0 {
		idxs := make([]int, 0, len(lineItems))
		for i := range lineItems {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			r.LineItems = append(r.LineItems, *lineItems[i])
		}
	}
	r.Notes = orderedValues(notes)
	if len(enrichNotes) > 0 {
		if r.EnrichmentMeta == nil {
			r.EnrichmentMeta = &EnrichmentMeta{}
		}
		r.EnrichmentMeta.Notes = orderedValues(enrichNotes)
	}
	return r
}

func orderedValues(m map[int]string) []string {
	if len(m) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(m))
	for i := range m {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	out := make([]string, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, m[i])
	}
	return out
}

func setPartyField(p *Party, name, value string) {
	switch name {
	case "name":
		p.Name = value
	case "registration_number":
		p.RegistrationNumber = value
	case "tax_number":
		p.TaxNumber = value
	case "address":
		p.Address = value
	case "_enriched":
		p.Enriched = value == "true"
	case "_active":
		p.Active = value == "true"
	case "_tax_registered":
		p.TaxRegistered = value == "true"
	}
}
