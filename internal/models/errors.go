package models

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable identifier surfaced to callers. Internal stack
// details never leave the process; only the kind and a short message do.
type ErrorKind string

const (
	ErrInvalidInput        ErrorKind = "invalid_input"
	ErrUnsupportedMedia    ErrorKind = "unsupported_media"
	ErrOCRAllFailed        ErrorKind = "ocr_all_failed"
	ErrLLMParseFailed      ErrorKind = "llm_parse_failed"
	ErrLLMCostCeiling      ErrorKind = "llm_cost_ceiling"
	ErrRegistryUnavailable ErrorKind = "registry_unavailable"
	ErrRegistryNotFound    ErrorKind = "registry_not_found"
	ErrTimeout             ErrorKind = "timeout"
	ErrCancelled           ErrorKind = "cancelled"
	ErrTransientNetwork    ErrorKind = "transient_network"
	ErrProviderAuth        ErrorKind = "provider_auth"
	ErrRateLimit           ErrorKind = "rate_limit"
	ErrProviderError       ErrorKind = "provider_error"
	ErrPersistence         ErrorKind = "persistence_error"
	ErrInternal            ErrorKind = "internal"
)

// Transient reports whether the kind is retryable by an adapter.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrTransientNetwork, ErrTimeout, ErrRateLimit:
		return true
	}
	return false
}

// PipelineError carries an error kind across stage boundaries.
type PipelineError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewError builds a PipelineError wrapping cause (which may be nil).
func NewError(kind ErrorKind, message string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the error kind from err, defaulting to internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrInternal
}
