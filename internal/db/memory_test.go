package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doklado/document-pipeline/internal/models"
)

func memDoc(owner string, created time.Time) *models.Document {
	return &models.Document{
		ID:        uuid.New(),
		OwnerID:   owner,
		Filename:  "scan.pdf",
		FileHash:  "hash",
		Status:    models.StatusQueued,
		CreatedAt: created,
	}
}

func TestMemoryOwnerScoping(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	doc := memDoc("alice", time.Now())
	require.NoError(t, m.CreateDocument(ctx, doc))

	_, err := m.GetDocument(ctx, "mallory", doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	stolen := *doc
	stolen.OwnerID = "mallory"
	assert.ErrorIs(t, m.UpdateDocument(ctx, &stolen), ErrNotFound)
	assert.ErrorIs(t, m.DeleteDocument(ctx, "mallory", doc.ID), ErrNotFound)

	got, err := m.GetDocument(ctx, "alice", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
}

func TestMemoryGetReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	doc := memDoc("alice", time.Now())
	require.NoError(t, m.CreateDocument(ctx, doc))

	got, err := m.GetDocument(ctx, "alice", doc.ID)
	require.NoError(t, err)
	got.Status = models.StatusFailed

	again, err := m.GetDocument(ctx, "alice", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, again.Status)
}

func TestMemoryListNewestFirstWithPaging(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		doc := memDoc("alice", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, m.CreateDocument(ctx, doc))
		ids = append(ids, doc.ID)
	}
	require.NoError(t, m.CreateDocument(ctx, memDoc("bob", base)))

	page, err := m.ListDocuments(ctx, "alice", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	page, err = m.ListDocuments(ctx, "alice", 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)

	page, err = m.ListDocuments(ctx, "alice", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemoryFindByHashNewestWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	older := memDoc("alice", base)
	newer := memDoc("alice", base.Add(time.Hour))
	require.NoError(t, m.CreateDocument(ctx, older))
	require.NoError(t, m.CreateDocument(ctx, newer))

	got, err := m.FindByHash(ctx, "alice", "hash")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)

	got, err = m.FindByHash(ctx, "alice", "other-hash")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemorySaveFieldsReplaces(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, m.SaveFields(ctx, id, []models.ExtractedField{
		{FieldName: "invoice_number", FieldValue: "A-1"},
		{FieldName: "vendor.name", FieldValue: "ABC s.r.o."},
	}))
	require.NoError(t, m.SaveFields(ctx, id, []models.ExtractedField{
		{FieldName: "invoice_number", FieldValue: "A-2"},
	}))

	fields, err := m.GetFields(ctx, id)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "A-2", fields[0].FieldValue)
}

func TestMemoryDedupCandidatesCompletedOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	done := memDoc("alice", time.Now())
	done.Status = models.StatusCompleted
	done.Fingerprint = "fp-1"
	require.NoError(t, m.CreateDocument(ctx, done))
	require.NoError(t, m.SaveFields(ctx, done.ID, []models.ExtractedField{
		{FieldName: "invoice_number", FieldValue: "2024-001"},
		{FieldName: "vendor.name", FieldValue: "ABC s.r.o."},
	}))

	pending := memDoc("alice", time.Now())
	require.NoError(t, m.CreateDocument(ctx, pending))

	out, err := m.DedupCandidates(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, done.ID, out[0].DocumentID)
	assert.Equal(t, "fp-1", out[0].Fingerprint)
	assert.Equal(t, "2024-001", out[0].InvoiceNumber)
	assert.Equal(t, "ABC s.r.o.", out[0].VendorName)
}

