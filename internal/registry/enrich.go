package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/doklado/document-pipeline/internal/models"
)

// Enricher fills party gaps from the register. It never overwrites a value
// the extraction already produced; the document is the primary source and the
// register only supplements it.
type Enricher struct {
	client *Client
}

func NewEnricher(client *Client) *Enricher {
	return &Enricher{client: client}
}

// Enrich looks up both parties of the record and fills missing name, tax
// number and address. It always returns metadata and never an error: a dead
// or unreachable register degrades to notes, not to a failed document.
func (e *Enricher) Enrich(ctx context.Context, rec *models.StructuredRecord) *models.EnrichmentMeta {
	meta := &models.EnrichmentMeta{EnrichedAt: time.Now().UTC()}
	if e == nil || e.client == nil {
		return meta
	}

	for _, party := range []*models.Party{rec.Vendor, rec.Customer} {
		if party == nil || party.RegistrationNumber == "" {
			continue
		}
		if e.enrichParty(ctx, meta, party) {
			meta.Success = true
		}
	}
	return meta
}

func (e *Enricher) enrichParty(ctx context.Context, meta *models.EnrichmentMeta, party *models.Party) bool {
	subject, err := e.client.Lookup(ctx, party.RegistrationNumber)
	if err != nil {
		switch models.KindOf(err) {
		case models.ErrRegistryNotFound:
			meta.Notes = append(meta.Notes,
				fmt.Sprintf("registry record for %s not found", party.RegistrationNumber))
		default:
			meta.Notes = append(meta.Notes, "registry_unavailable: enrichment skipped")
			log.WithError(err).WithField("id", party.RegistrationNumber).Warn("registry lookup failed")
		}
		return false
	}

	var filled []string
	if party.Name == "" && subject.Name != "" {
		party.Name = subject.Name
		filled = append(filled, "name")
	}
	if party.TaxNumber == "" && subject.TaxNumber != "" {
		party.TaxNumber = subject.TaxNumber
		filled = append(filled, "tax_number")
	}
	if party.Address == "" && subject.Address != "" {
		party.Address = subject.Address
		filled = append(filled, "address")
	}
	party.Enriched = true
	party.Active = subject.Active
	party.TaxRegistered = subject.TaxRegistered

	if len(filled) > 0 {
		meta.Notes = append(meta.Notes,
			fmt.Sprintf("registry enrichment for %s filled %s", subject.ID, strings.Join(filled, ", ")))
	}
	if !subject.Active {
		meta.Notes = append(meta.Notes,
			fmt.Sprintf("company %s is no longer active in the register", subject.ID))
	}
	return true
}
