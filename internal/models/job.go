package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// JobOptions carries per-submission knobs into the pipeline.
type JobOptions struct {
	Mode          ProcessingMode `json:"mode"`
	LanguageHints []string       `json:"language_hints,omitempty"`
	// CostCeilingUSD caps the LLM spend for this single job. Zero means
	// "derive from the owner's remaining daily budget".
	CostCeilingUSD float64 `json:"cost_ceiling_usd,omitempty"`
}

// Job mirrors the lifecycle of its Document and adds queue bookkeeping.
type Job struct {
	ID          string         `json:"id"`
	DocumentID  uuid.UUID      `json:"document_id"`
	OwnerID     string         `json:"owner_id"`
	Options     JobOptions     `json:"options"`
	Status      DocumentStatus `json:"status"`
	Progress    int            `json:"progress"` // 0-100, monotonic
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Retries     int            `json:"retries"`
	LastError   *PipelineError `json:"last_error,omitempty"`

	// OCRResults holds the per-provider diagnostics attached by the OCR
	// orchestrator.
	OCRResults []RawOCRResult `json:"ocr_results,omitempty"`
}

// JobID derives a deterministic job id from the submission time and the
// content hash. The timestamp is truncated to the hour, so an identical
// upload retried within that window maps to the same id and the submission
// is idempotent.
func JobID(owner string, at time.Time, fileHash string) string {
	h := sha256.Sum256([]byte(owner + "|" + at.UTC().Truncate(time.Hour).Format(time.RFC3339) + "|" + fileHash))
	return hex.EncodeToString(h[:16])
}
