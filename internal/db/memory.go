package db

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/doklado/document-pipeline/internal/dedup"
	"github.com/doklado/document-pipeline/internal/models"
)

// Memory is the in-process store used when no database is configured and in
// tests. It implements the same surface as Gateway.
type Memory struct {
	mu     sync.RWMutex
	docs   map[uuid.UUID]*models.Document
	fields map[uuid.UUID][]models.ExtractedField
}

func NewMemory() *Memory {
	return &Memory{
		docs:   map[uuid.UUID]*models.Document{},
		fields: map[uuid.UUID][]models.ExtractedField{},
	}
}

func (m *Memory) CreateDocument(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *doc
	m.docs[doc.ID] = &copied
	return nil
}

func (m *Memory) UpdateDocument(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.docs[doc.ID]
	if !ok || existing.OwnerID != doc.OwnerID {
		return ErrNotFound
	}
	copied := *doc
	m.docs[doc.ID] = &copied
	return nil
}

func (m *Memory) GetDocument(_ context.Context, ownerID string, id uuid.UUID) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok || doc.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (m *Memory) ListDocuments(_ context.Context, ownerID string, limit, offset int) ([]*models.Document, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []*models.Document
	for _, doc := range m.docs {
		if doc.OwnerID == ownerID {
			copied := *doc
			docs = append(docs, &copied)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
	if offset >= len(docs) {
		return nil, nil
	}
	docs = docs[offset:]
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *Memory) DeleteDocument(_ context.Context, ownerID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok || doc.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.docs, id)
	delete(m.fields, id)
	return nil
}

func (m *Memory) FindByHash(_ context.Context, ownerID, fileHash string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *models.Document
	for _, doc := range m.docs {
		if doc.OwnerID != ownerID || doc.FileHash != fileHash {
			continue
		}
		if newest == nil || doc.CreatedAt.After(newest.CreatedAt) {
			newest = doc
		}
	}
	if newest == nil {
		return nil, nil
	}
	copied := *newest
	return &copied, nil
}

func (m *Memory) SaveFields(_ context.Context, documentID uuid.UUID, fields []models.ExtractedField) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[documentID] = append([]models.ExtractedField(nil), fields...)
	return nil
}

func (m *Memory) GetFields(_ context.Context, documentID uuid.UUID) ([]models.ExtractedField, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields := append([]models.ExtractedField(nil), m.fields[documentID]...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].FieldName < fields[j].FieldName })
	return fields, nil
}

func (m *Memory) DedupCandidates(_ context.Context, ownerID string) ([]dedup.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []dedup.Candidate
	for id, doc := range m.docs {
		if doc.OwnerID != ownerID || doc.Status != models.StatusCompleted {
			continue
		}
		c := dedup.Candidate{DocumentID: id, Fingerprint: doc.Fingerprint}
		for _, f := range m.fields[id] {
			switch f.FieldName {
			case "invoice_number":
				c.InvoiceNumber = f.FieldValue
			case "vendor.name":
				c.VendorName = f.FieldValue
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].DocumentID.String(), out[j].DocumentID.String()) < 0
	})
	return out, nil
}

