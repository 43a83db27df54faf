// Package dedup detects resubmitted documents by a content fingerprint over
// the extracted fields. The fingerprint is stable under OCR noise that the
// normalization removes (whitespace, letter case, currency spelling) but
// distinguishes genuinely different invoices.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/doklado/document-pipeline/internal/models"
)

// MatchKind distinguishes an identical resubmission from a likely duplicate
// that differs in some extracted detail.
type MatchKind string

const (
	MatchExact        MatchKind = "exact"
	MatchNumberVendor MatchKind = "number_vendor"
)

// Match points at an earlier document of the same owner.
type Match struct {
	DocumentID uuid.UUID `json:"document_id"`
	Kind       MatchKind `json:"kind"`
}

// Candidate is the minimal projection of an earlier document needed for
// duplicate checks.
type Candidate struct {
	DocumentID    uuid.UUID
	Fingerprint   string
	InvoiceNumber string
	VendorName    string
}

// Fingerprint hashes the normalized identifying tuple of a record. Absent
// fields are omitted entirely rather than hashed as empty, so adding a field
// later changes the fingerprint the same way extracting it would have.
func Fingerprint(rec *models.StructuredRecord) string {
	if rec == nil {
		return ""
	}
	var parts []string
	if n := strings.TrimSpace(rec.InvoiceNumber); n != "" {
		parts = append(parts, "invoice_number="+strings.ToLower(n))
	}
	if rec.Vendor != nil {
		if v := strings.ToLower(strings.TrimSpace(rec.Vendor.Name)); v != "" {
			parts = append(parts, "vendor="+v)
		}
	}
	if rec.TotalAmount != nil {
		parts = append(parts, "total="+rec.TotalAmount.Value.StringFixed(2))
		if c := strings.ToUpper(strings.TrimSpace(rec.TotalAmount.Currency)); c != "" {
			parts = append(parts, "currency="+c)
		}
	}
	if rec.DateIssued != "" {
		parts = append(parts, "date_issued="+rec.DateIssued)
	}
	if len(parts) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// FindMatches compares a record against the owner's earlier documents.
// Fingerprint equality is an exact match; the same invoice number from the
// same vendor with a different fingerprint is a near match worth flagging.
func FindMatches(rec *models.StructuredRecord, fingerprint string, candidates []Candidate) []Match {
	var matches []Match
	number := strings.ToLower(strings.TrimSpace(rec.InvoiceNumber))
	vendor := ""
	if rec.Vendor != nil {
		vendor = strings.ToLower(strings.TrimSpace(rec.Vendor.Name))
	}

	for _, c := range candidates {
		if fingerprint != "" && c.Fingerprint == fingerprint {
			matches = append(matches, Match{DocumentID: c.DocumentID, Kind: MatchExact})
			continue
		}
		if number == "" || vendor == "" {
			continue
		}
		if strings.ToLower(strings.TrimSpace(c.InvoiceNumber)) == number &&
			strings.ToLower(strings.TrimSpace(c.VendorName)) == vendor {
			matches = append(matches, Match{DocumentID: c.DocumentID, Kind: MatchNumberVendor})
		}
	}
	return matches
}

// Stats summarizes duplicate pressure for one owner.
type Stats struct {
	TotalDocuments int     `json:"total_documents"`
	Duplicates     int     `json:"duplicates"`
	DuplicateRate  float64 `json:"duplicate_rate"`
}

// ComputeStats counts fingerprints that occur more than once; every document
// beyond the first occurrence of a fingerprint counts as a duplicate.
func ComputeStats(candidates []Candidate) Stats {
	s := Stats{TotalDocuments: len(candidates)}
	seen := map[string]int{}
	for _, c := range candidates {
		if c.Fingerprint == "" {
			continue
		}
		seen[c.Fingerprint]++
	}
	for _, n := range seen {
		if n > 1 {
			s.Duplicates += n - 1
		}
	}
	if s.TotalDocuments > 0 {
		s.DuplicateRate = float64(s.Duplicates) / float64(s.TotalDocuments)
	}
	return s
}
