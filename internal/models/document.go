package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus tracks a document through the processing state machine.
type DocumentStatus string

const (
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
	StatusCancelled  DocumentStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ProcessingMode selects the cost/accuracy/speed trade-off for a run.
type ProcessingMode string

const (
	ModeAccuracyFirst ProcessingMode = "accuracy_first"
	ModeCostEffective ProcessingMode = "cost_effective"
	ModeSpeedFirst    ProcessingMode = "speed_first"
)

// ValidMode reports whether m is one of the three supported modes.
func ValidMode(m ProcessingMode) bool {
	switch m {
	case ModeAccuracyFirst, ModeCostEffective, ModeSpeedFirst:
		return true
	}
	return false
}

// Document is the persisted record of one uploaded artifact.
type Document struct {
	ID          uuid.UUID      `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Filename    string         `json:"filename"`
	MediaType   string         `json:"media_type"`
	ByteSize    int64          `json:"byte_size"`
	FileHash    string         `json:"file_hash"` // sha256 hex of the original bytes
	Status      DocumentStatus `json:"status"`
	Mode        ProcessingMode `json:"mode"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ErrorKind   string         `json:"error_kind,omitempty"`
	ErrorMsg    string         `json:"error_message,omitempty"`
	Fingerprint string         `json:"dedup_fingerprint,omitempty"`

	// OCRText is persisted as soon as OCR produces it so a re-enqueued
	// document can resume from the LLM stage.
	OCRText string `json:"-"`

	StorageKey string `json:"storage_key,omitempty"`
}

// RawOCRResult is the immutable outcome of one adapter call.
type RawOCRResult struct {
	Provider       string        `json:"provider"`
	Text           string        `json:"text"`
	Confidence     float64       `json:"confidence"`
	ProcessingTime time.Duration `json:"processing_time"`
	Success        bool          `json:"success"`
	Error          *PipelineError `json:"error,omitempty"`
}
