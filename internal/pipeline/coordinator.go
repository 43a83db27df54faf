// Package pipeline drives a document through OCR, classification, LLM
// structuring, registry enrichment and persistence, reporting progress at
// each stage boundary.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/doklado/document-pipeline/internal/ai"
	"github.com/doklado/document-pipeline/internal/classify"
	"github.com/doklado/document-pipeline/internal/dedup"
	"github.com/doklado/document-pipeline/internal/metrics"
	"github.com/doklado/document-pipeline/internal/models"
	"github.com/doklado/document-pipeline/internal/ocr"
	"github.com/doklado/document-pipeline/internal/registry"
	"github.com/doklado/document-pipeline/internal/storage"
)

// Progress milestones. Values only ever increase within one run.
const (
	progressStarted   = 10
	progressArchived  = 20
	progressOCRDone   = 50
	progressExtracted = 80
	progressEnriched  = 95
	progressDone      = 100
)

// Store is the persistence surface the coordinator needs. Both the
// PostgreSQL gateway and the in-memory store satisfy it.
type Store interface {
	UpdateDocument(ctx context.Context, doc *models.Document) error
	SaveFields(ctx context.Context, documentID uuid.UUID, fields []models.ExtractedField) error
	DedupCandidates(ctx context.Context, ownerID string) ([]dedup.Candidate, error)
}

// Coordinator owns one end-to-end run. It is safe for concurrent use; all
// per-document state lives in the arguments.
type Coordinator struct {
	store     Store
	ocr       *ocr.Orchestrator
	ai        *ai.Orchestrator
	enricher  *registry.Enricher
	artifacts *storage.Store
}

func NewCoordinator(store Store, ocrOrch *ocr.Orchestrator, aiOrch *ai.Orchestrator, enricher *registry.Enricher, artifacts *storage.Store) *Coordinator {
	return &Coordinator{
		store:     store,
		ocr:       ocrOrch,
		ai:        aiOrch,
		enricher:  enricher,
		artifacts: artifacts,
	}
}

// Process runs the full pipeline for one document. On return the document is
// in a terminal state and persisted; the error mirrors what was stored.
// Cancellation is honored at stage boundaries, never mid-write.
func (c *Coordinator) Process(ctx context.Context, doc *models.Document, job *models.Job, content []byte, progress func(int)) error {
	report := func(p int) {
		if progress != nil {
			progress(p)
		}
	}

	now := time.Now().UTC()
	doc.Status = models.StatusProcessing
	doc.StartedAt = &now
	if err := c.store.UpdateDocument(ctx, doc); err != nil {
		return c.fail(ctx, doc, err)
	}
	report(progressStarted)

	if err := c.checkpoint(ctx, doc); err != nil {
		return err
	}

	// Archiving the original is best effort; losing the artifact copy must
	// not lose the document.
	if c.artifacts != nil && doc.StorageKey == "" {
		key, err := c.artifacts.Put(ctx, doc.OwnerID, doc.ID, content, doc.MediaType)
		if err != nil {
			log.WithError(err).WithField("document_id", doc.ID).Warn("archiving original failed")
		} else {
			doc.StorageKey = key
		}
	}
	report(progressArchived)

	rawText := doc.OCRText
	if rawText == "" {
		start := time.Now()
		best, all, err := c.ocr.Run(ctx, ocr.Input{
			Content:   content,
			MediaType: doc.MediaType,
			Hints:     job.Options.LanguageHints,
		}, doc.Mode)
		metrics.StageDuration.WithLabelValues("ocr").Observe(time.Since(start).Seconds())
		job.OCRResults = all
		for _, r := range all {
			outcome := "success"
			if !r.Success {
				outcome = "failure"
			}
			metrics.OCRCalls.WithLabelValues(r.Provider, outcome).Inc()
		}
		if err != nil {
			return c.fail(ctx, doc, err)
		}
		rawText = best.Text

		// Persist the OCR text before the LLM stage so a crash or requeue
		// resumes from here instead of paying for OCR again.
		doc.OCRText = rawText
		if err := c.store.UpdateDocument(ctx, doc); err != nil {
			return c.fail(ctx, doc, err)
		}
	} else {
		log.WithField("document_id", doc.ID).Info("resuming from persisted OCR text")
	}
	report(progressOCRDone)

	if err := c.checkpoint(ctx, doc); err != nil {
		return err
	}

	cls := classify.Classify(rawText, doc.Filename)

	start := time.Now()
	outcome, err := c.ai.Structure(ctx, doc.OwnerID, rawText, cls, doc.Mode, job.Options.CostCeilingUSD)
	metrics.StageDuration.WithLabelValues("structuring").Observe(time.Since(start).Seconds())
	if err != nil {
		return c.fail(ctx, doc, err)
	}
	metrics.LLMCostUSD.Add(outcome.CostUSD)
	rec := outcome.Record
	if rec.DocumentType == "" {
		rec.DocumentType = cls.DocType
	}
	report(progressExtracted)

	if err := c.checkpoint(ctx, doc); err != nil {
		return err
	}

	// Enrichment and duplicate detection are advisory. Neither can fail the
	// document.
	if c.enricher != nil {
		start = time.Now()
		rec.EnrichmentMeta = c.enricher.Enrich(ctx, rec)
		metrics.StageDuration.WithLabelValues("enrichment").Observe(time.Since(start).Seconds())
	}

	doc.Fingerprint = dedup.Fingerprint(rec)
	if candidates, derr := c.store.DedupCandidates(ctx, doc.OwnerID); derr == nil {
		for _, m := range dedup.FindMatches(rec, doc.Fingerprint, candidates) {
			if m.DocumentID == doc.ID {
				continue
			}
			metrics.DuplicatesFound.Inc()
			rec.AddNote(fmt.Sprintf("possible duplicate of document %s (%s match)", m.DocumentID, m.Kind))
		}
	} else {
		log.WithError(derr).WithField("document_id", doc.ID).Warn("duplicate check skipped")
	}
	report(progressEnriched)

	// Completion is the one atomic step: fields first, then the terminal
	// status. A reader who sees completed always sees the fields.
	if err := c.store.SaveFields(ctx, doc.ID, models.Flatten(doc.ID.String(), rec)); err != nil {
		return c.fail(ctx, doc, err)
	}
	done := time.Now().UTC()
	doc.Status = models.StatusCompleted
	doc.CompletedAt = &done
	if err := c.store.UpdateDocument(ctx, doc); err != nil {
		return c.fail(ctx, doc, err)
	}
	metrics.DocumentsCompleted.WithLabelValues(string(models.StatusCompleted)).Inc()
	report(progressDone)

	log.WithFields(log.Fields{
		"document_id": doc.ID,
		"type":        rec.DocumentType,
		"confidence":  rec.ExtractionConfidence,
		"cost_usd":    outcome.CostUSD,
		"baseline":    outcome.UsedBaseline,
	}).Info("document processed")
	return nil
}

// checkpoint turns a cancelled context into a persisted cancelled state at a
// stage boundary.
func (c *Coordinator) checkpoint(ctx context.Context, doc *models.Document) error {
	if ctx.Err() == nil {
		return nil
	}
	now := time.Now().UTC()
	doc.Status = models.StatusCancelled
	doc.ErrorKind = string(models.ErrCancelled)
	doc.ErrorMsg = "processing cancelled"
	doc.CompletedAt = &now
	// A cancelled document keeps nothing: partial OCR output is discarded
	// along with any chance of resuming.
	doc.OCRText = ""
	// The terminal write must survive the cancelled request context.
	if err := c.store.UpdateDocument(context.WithoutCancel(ctx), doc); err != nil {
		log.WithError(err).WithField("document_id", doc.ID).Error("persisting cancelled state")
	}
	metrics.DocumentsCompleted.WithLabelValues(string(models.StatusCancelled)).Inc()
	return models.NewError(models.ErrCancelled, "processing cancelled", ctx.Err())
}

func (c *Coordinator) fail(ctx context.Context, doc *models.Document, cause error) error {
	kind := models.KindOf(cause)
	if kind == models.ErrCancelled {
		return c.checkpoint(ctx, doc)
	}
	now := time.Now().UTC()
	doc.Status = models.StatusFailed
	doc.ErrorKind = string(kind)
	doc.ErrorMsg = cause.Error()
	doc.CompletedAt = &now
	if err := c.store.UpdateDocument(context.WithoutCancel(ctx), doc); err != nil {
		log.WithError(err).WithField("document_id", doc.ID).Error("persisting failed state")
	}
	metrics.DocumentsCompleted.WithLabelValues(string(models.StatusFailed)).Inc()
	log.WithError(cause).WithFields(log.Fields{"document_id": doc.ID, "kind": kind}).
		Warn("document processing failed")
	return cause
}
