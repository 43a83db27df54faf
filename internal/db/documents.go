package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doklado/document-pipeline/internal/dedup"
	"github.com/doklado/document-pipeline/internal/models"
)

// ErrNotFound is returned when a document does not exist or belongs to a
// different owner. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("document not found")

// Gateway is the PostgreSQL-backed document store.
type Gateway struct {
	pool *pgxpool.Pool
}

func NewGateway(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

// Migrate creates the schema when it does not exist yet.
func (g *Gateway) Migrate(ctx context.Context) error {
	_, err := g.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			owner_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			media_type TEXT NOT NULL,
			byte_size BIGINT NOT NULL,
			file_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			mode TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			dedup_fingerprint TEXT NOT NULL DEFAULT '',
			ocr_text TEXT NOT NULL DEFAULT '',
			storage_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents (owner_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents (owner_id, file_hash);

		CREATE TABLE IF NOT EXISTS extracted_fields (
			document_id UUID NOT NULL REFERENCES documents (id) ON DELETE CASCADE,
			field_name TEXT NOT NULL,
			field_value TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			data_type TEXT NOT NULL,
			PRIMARY KEY (document_id, field_name)
		);
	`)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// CreateDocument inserts a new document row.
func (g *Gateway) CreateDocument(ctx context.Context, doc *models.Document) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO documents (id, owner_id, filename, media_type, byte_size, file_hash,
			status, mode, dedup_fingerprint, ocr_text, storage_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		doc.ID, doc.OwnerID, doc.Filename, doc.MediaType, doc.ByteSize, doc.FileHash,
		doc.Status, doc.Mode, doc.Fingerprint, doc.OCRText, doc.StorageKey, doc.CreatedAt)
	if err != nil {
		return models.NewError(models.ErrPersistence, "inserting document", err)
	}
	return nil
}

// UpdateDocument writes the mutable fields of a document and bumps
// updated_at.
func (g *Gateway) UpdateDocument(ctx context.Context, doc *models.Document) error {
	tag, err := g.pool.Exec(ctx, `
		UPDATE documents
		SET status = $1, error_kind = $2, error_message = $3, dedup_fingerprint = $4,
			ocr_text = $5, storage_key = $6, started_at = $7, completed_at = $8,
			updated_at = NOW()
		WHERE id = $9 AND owner_id = $10`,
		doc.Status, doc.ErrorKind, doc.ErrorMsg, doc.Fingerprint,
		doc.OCRText, doc.StorageKey, doc.StartedAt, doc.CompletedAt,
		doc.ID, doc.OwnerID)
	if err != nil {
		return models.NewError(models.ErrPersistence, "updating document", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDocument fetches one document scoped to its owner.
func (g *Gateway) GetDocument(ctx context.Context, ownerID string, id uuid.UUID) (*models.Document, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT id, owner_id, filename, media_type, byte_size, file_hash, status, mode,
			error_kind, error_message, dedup_fingerprint, ocr_text, storage_key,
			created_at, started_at, completed_at
		FROM documents WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanDocument(row)
}

// ListDocuments returns the owner's documents, newest first.
func (g *Gateway) ListDocuments(ctx context.Context, ownerID string, limit, offset int) ([]*models.Document, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := g.pool.Query(ctx, `
		SELECT id, owner_id, filename, media_type, byte_size, file_hash, status, mode,
			error_kind, error_message, dedup_fingerprint, ocr_text, storage_key,
			created_at, started_at, completed_at
		FROM documents WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, models.NewError(models.ErrPersistence, "listing documents", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if rows.Err() != nil {
		return nil, models.NewError(models.ErrPersistence, "listing documents", rows.Err())
	}
	return docs, nil
}

// DeleteDocument removes a document and, via cascade, its fields.
func (g *Gateway) DeleteDocument(ctx context.Context, ownerID string, id uuid.UUID) error {
	tag, err := g.pool.Exec(ctx,
		`DELETE FROM documents WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return models.NewError(models.ErrPersistence, "deleting document", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByHash returns the owner's most recent document with the given file
// hash, or nil.
func (g *Gateway) FindByHash(ctx context.Context, ownerID, fileHash string) (*models.Document, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT id, owner_id, filename, media_type, byte_size, file_hash, status, mode,
			error_kind, error_message, dedup_fingerprint, ocr_text, storage_key,
			created_at, started_at, completed_at
		FROM documents WHERE owner_id = $1 AND file_hash = $2
		ORDER BY created_at DESC LIMIT 1`, ownerID, fileHash)
	doc, err := scanDocument(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return doc, err
}

// SaveFields replaces the extracted fields of a document in one transaction,
// so a reader never observes a half-written extraction.
func (g *Gateway) SaveFields(ctx context.Context, documentID uuid.UUID, fields []models.ExtractedField) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return models.NewError(models.ErrPersistence, "starting transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM extracted_fields WHERE document_id = $1`, documentID); err != nil {
		return models.NewError(models.ErrPersistence, "clearing fields", err)
	}
	for _, f := range fields {
		if _, err := tx.Exec(ctx, `
			INSERT INTO extracted_fields (document_id, field_name, field_value, confidence, data_type)
			VALUES ($1, $2, $3, $4, $5)`,
			documentID, f.FieldName, f.FieldValue, f.Confidence, f.DataType); err != nil {
			return models.NewError(models.ErrPersistence, "inserting field "+f.FieldName, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.NewError(models.ErrPersistence, "committing fields", err)
	}
	return nil
}

// GetFields returns the extracted fields of a document.
func (g *Gateway) GetFields(ctx context.Context, documentID uuid.UUID) ([]models.ExtractedField, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT document_id, field_name, field_value, confidence, data_type
		FROM extracted_fields WHERE document_id = $1
		ORDER BY field_name`, documentID)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, models.NewError(models.ErrPersistence, "loading fields", err)
	}
	defer rows.Close()

	var fields []models.ExtractedField
	for rows.Next() {
		var f models.ExtractedField
		if err := rows.Scan(&f.DocumentID, &f.FieldName, &f.FieldValue, &f.Confidence, &f.DataType); err != nil {
			return nil, models.NewError(models.ErrPersistence, "scanning field", err)
		}
		fields = append(fields, f)
	}
	if rows.Err() != nil {
		return nil, models.NewError(models.ErrPersistence, "loading fields", rows.Err())
	}
	return fields, nil
}

// DedupCandidates projects the owner's completed documents into the shape
// the duplicate checker needs.
func (g *Gateway) DedupCandidates(ctx context.Context, ownerID string) ([]dedup.Candidate, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT d.id, d.dedup_fingerprint,
			COALESCE(num.field_value, ''), COALESCE(ven.field_value, '')
		FROM documents d
		LEFT JOIN extracted_fields num
			ON num.document_id = d.id AND num.field_name = 'invoice_number'
		LEFT JOIN extracted_fields ven
			ON ven.document_id = d.id AND ven.field_name = 'vendor.name'
		WHERE d.owner_id = $1 AND d.status = $2`, ownerID, models.StatusCompleted)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, models.NewError(models.ErrPersistence, "loading dedup candidates", err)
	}
	defer rows.Close()

	var out []dedup.Candidate
	for rows.Next() {
		var c dedup.Candidate
		if err := rows.Scan(&c.DocumentID, &c.Fingerprint, &c.InvoiceNumber, &c.VendorName); err != nil {
			return nil, models.NewError(models.ErrPersistence, "scanning dedup candidate", err)
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, models.NewError(models.ErrPersistence, "loading dedup candidates", rows.Err())
	}
	return out, nil
}

func scanDocument(row pgx.Row) (*models.Document, error) {
	var doc models.Document
	err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Filename, &doc.MediaType, &doc.ByteSize,
		&doc.FileHash, &doc.Status, &doc.Mode, &doc.ErrorKind, &doc.ErrorMsg,
		&doc.Fingerprint, &doc.OCRText, &doc.StorageKey,
		&doc.CreatedAt, &doc.StartedAt, &doc.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isMissingTable(err) {
			return nil, ErrNotFound
		}
		return nil, models.NewError(models.ErrPersistence, "scanning document", err)
	}
	return &doc, nil
}

// isMissingTable detects undefined_table (42P01) so a fresh database reads
// as empty instead of erroring before migrations ran.
func isMissingTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
