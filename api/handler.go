// Package api exposes the document pipeline over HTTP: submission, job
// status, cancellation, document retrieval and owner statistics.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/doklado/document-pipeline/internal/ai"
	"github.com/doklado/document-pipeline/internal/auth"
	"github.com/doklado/document-pipeline/internal/config"
	"github.com/doklado/document-pipeline/internal/dedup"
	"github.com/doklado/document-pipeline/internal/jobs"
	"github.com/doklado/document-pipeline/internal/models"
	"github.com/doklado/document-pipeline/internal/storage"
)

const (
	MaxUploadSize = 10 * 1024 * 1024 // 10MB
	Version       = "1.0.0"
)

var supportedMediaTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/tiff":      true,
	"application/pdf": true,
}

// Store is the persistence surface the handlers need.
type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	UpdateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, ownerID string, id uuid.UUID) (*models.Document, error)
	ListDocuments(ctx context.Context, ownerID string, limit, offset int) ([]*models.Document, error)
	DeleteDocument(ctx context.Context, ownerID string, id uuid.UUID) error
	FindByHash(ctx context.Context, ownerID, fileHash string) (*models.Document, error)
	GetFields(ctx context.Context, documentID uuid.UUID) ([]models.ExtractedField, error)
	DedupCandidates(ctx context.Context, ownerID string) ([]dedup.Candidate, error)
}

// Handler wires HTTP routes to the pipeline.
type Handler struct {
	cfg       *config.Config
	store     Store
	manager   *jobs.Manager
	ledger    *ai.CostLedger
	artifacts *storage.Store
	notFound  error // the store's not-found sentinel
}

func NewHandler(cfg *config.Config, store Store, manager *jobs.Manager, ledger *ai.CostLedger, artifacts *storage.Store, notFound error) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     store,
		manager:   manager,
		ledger:    ledger,
		artifacts: artifacts,
		notFound:  notFound,
	}
}

// SetupRoutes configures the HTTP routes.
func (h *Handler) SetupRoutes(authMW *auth.Middleware) *mux.Router {
	router := mux.NewRouter()

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(authMW.Wrap)

	apiRouter.HandleFunc("/documents", h.SubmitDocument).Methods("POST")
	apiRouter.HandleFunc("/documents", h.ListDocuments).Methods("GET")
	apiRouter.HandleFunc("/documents/{id}", h.GetDocument).Methods("GET")
	apiRouter.HandleFunc("/documents/{id}", h.DeleteDocument).Methods("DELETE")
	apiRouter.HandleFunc("/documents/{id}/download", h.DownloadOriginal).Methods("GET")

	apiRouter.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	apiRouter.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")

	apiRouter.HandleFunc("/stats", h.GetStats).Methods("GET")

	router.HandleFunc("/health", h.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// SubmitDocument accepts a multipart upload and queues it for processing.
// Validation failures are rejected here, synchronously; nothing invalid ever
// reaches the queue.
func (h *Handler) SubmitDocument(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		h.sendError(w, http.StatusBadRequest, models.ErrInvalidInput, "file too large or invalid form data")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.sendError(w, http.StatusBadRequest, models.ErrInvalidInput, "no file provided (use the 'file' field)")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, models.ErrInternal, "failed to read file")
		return
	}
	if len(content) == 0 {
		h.sendError(w, http.StatusBadRequest, models.ErrInvalidInput, "uploaded file is empty")
		return
	}

	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = http.DetectContentType(content)
	}
	mediaType = strings.ToLower(strings.TrimSpace(strings.Split(mediaType, ";")[0]))
	if !supportedMediaTypes[mediaType] {
		h.sendError(w, http.StatusUnsupportedMediaType, models.ErrUnsupportedMedia,
			fmt.Sprintf("media type %q is not supported", mediaType))
		return
	}

	mode := models.ProcessingMode(r.FormValue("mode"))
	if mode == "" {
		mode = h.cfg.DefaultMode
	}
	if !models.ValidMode(mode) {
		h.sendError(w, http.StatusBadRequest, models.ErrInvalidInput,
			fmt.Sprintf("unknown processing mode %q", mode))
		return
	}

	opts := models.JobOptions{Mode: mode}
	if hints := r.FormValue("language_hints"); hints != "" {
		for _, hint := range strings.Split(hints, ",") {
			if hint = strings.TrimSpace(hint); hint != "" {
				opts.LanguageHints = append(opts.LanguageHints, hint)
			}
		}
	}
	if ceiling := r.FormValue("cost_ceiling_usd"); ceiling != "" {
		v, err := strconv.ParseFloat(ceiling, 64)
		if err != nil || v < 0 {
			h.sendError(w, http.StatusBadRequest, models.ErrInvalidInput, "cost_ceiling_usd must be a non-negative number")
			return
		}
		opts.CostCeilingUSD = v
	}

	hash := sha256.Sum256(content)
	fileHash := hex.EncodeToString(hash[:])

	// Byte-identical resubmissions are resolved against the store, so the
	// answer survives a restart. An upload whose bytes are already being
	// processed returns the live job; a failed document is re-enqueued on
	// its existing row and resumes from whatever stage output was persisted.
	if prior, err := h.store.FindByHash(r.Context(), owner, fileHash); err == nil && prior != nil {
		if job, jerr := h.manager.GetByDocument(owner, prior.ID); jerr == nil && !job.Status.Terminal() {
			h.respondSubmitted(w, job, false)
			return
		}
		if prior.Status == models.StatusFailed {
			prior.Status = models.StatusQueued
			prior.Mode = mode
			prior.ErrorKind, prior.ErrorMsg = "", ""
			prior.StartedAt, prior.CompletedAt = nil, nil
			if err := h.store.UpdateDocument(r.Context(), prior); err != nil {
				h.sendError(w, http.StatusInternalServerError, models.ErrPersistence, "failed to persist document")
				return
			}
			job, created, err := h.manager.Submit(prior, content, opts)
			if err != nil {
				if errors.Is(err, jobs.ErrQueueFull) {
					h.sendError(w, http.StatusServiceUnavailable, models.ErrRateLimit, "processing queue is full, retry later")
					return
				}
				h.sendError(w, http.StatusInternalServerError, models.ErrInternal, "failed to enqueue document")
				return
			}
			h.respondSubmitted(w, job, created)
			return
		}
	}

	doc := &models.Document{
		ID:        uuid.New(),
		OwnerID:   owner,
		Filename:  header.Filename,
		MediaType: mediaType,
		ByteSize:  int64(len(content)),
		FileHash:  fileHash,
		Status:    models.StatusQueued,
		Mode:      mode,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateDocument(r.Context(), doc); err != nil {
		h.sendError(w, http.StatusInternalServerError, models.ErrPersistence, "failed to persist document")
		return
	}

	job, created, err := h.manager.Submit(doc, content, opts)
	if err != nil {
		_ = h.store.DeleteDocument(r.Context(), owner, doc.ID)
		if errors.Is(err, jobs.ErrQueueFull) {
			h.sendError(w, http.StatusServiceUnavailable, models.ErrRateLimit, "processing queue is full, retry later")
			return
		}
		h.sendError(w, http.StatusInternalServerError, models.ErrInternal, "failed to enqueue document")
		return
	}
	if !created {
		// Identical upload inside the idempotency window: the earlier job
		// handles it, this document row is redundant.
		_ = h.store.DeleteDocument(r.Context(), owner, doc.ID)
	}
	h.respondSubmitted(w, job, created)
}

func (h *Handler) respondSubmitted(w http.ResponseWriter, job *models.Job, created bool) {
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	h.sendJSON(w, status, map[string]any{
		"job_id":      job.ID,
		"document_id": job.DocumentID,
		"status":      job.Status,
		"retries":     job.Retries,
		"duplicate":   !created,
	})
}

// GetJob returns the live status of a job, including per-provider OCR
// diagnostics once the OCR stage ran.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	job, err := h.manager.Get(owner, mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, http.StatusNotFound, models.ErrInvalidInput, "job not found")
		return
	}
	h.sendJSON(w, http.StatusOK, job)
}

// CancelJob requests cancellation. Finished jobs cannot be cancelled;
// repeating a cancel is harmless.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	err := h.manager.Cancel(r.Context(), owner, mux.Vars(r)["id"])
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		h.sendError(w, http.StatusNotFound, models.ErrInvalidInput, "job not found")
	case errors.Is(err, jobs.ErrJobFinished):
		h.sendError(w, http.StatusConflict, models.ErrInvalidInput, "job already finished")
	case err != nil:
		h.sendError(w, http.StatusInternalServerError, models.ErrInternal, "failed to cancel job")
	default:
		h.sendJSON(w, http.StatusOK, map[string]any{"cancelled": true})
	}
}

// GetDocument returns a document and, when completed, its extracted fields
// reassembled into the structured record.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, models.ErrInvalidInput, "invalid document id")
		return
	}

	doc, err := h.store.GetDocument(r.Context(), owner, id)
	if err != nil {
		h.documentError(w, err)
		return
	}

	response := map[string]any{"document": doc}
	if doc.Status == models.StatusCompleted {
		fields, err := h.store.GetFields(r.Context(), id)
		if err != nil {
			h.sendError(w, http.StatusInternalServerError, models.ErrPersistence, "failed to load extracted fields")
			return
		}
		response["fields"] = fields
		response["record"] = models.Reassemble(fields)
	}
	h.sendJSON(w, http.StatusOK, response)
}

// ListDocuments returns the owner's documents, newest first.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	docs, err := h.store.ListDocuments(r.Context(), owner, limit, offset)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, models.ErrPersistence, "failed to list documents")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"count":     len(docs),
	})
}

// DeleteDocument removes a document, its fields and its archived original.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, models.ErrInvalidInput, "invalid document id")
		return
	}

	if doc, err := h.store.GetDocument(r.Context(), owner, id); err == nil && doc.StorageKey != "" {
		if err := h.artifacts.Delete(r.Context(), doc.StorageKey); err != nil {
			log.WithError(err).WithField("key", doc.StorageKey).Warn("deleting archived original failed")
		}
	}
	if err := h.store.DeleteDocument(r.Context(), owner, id); err != nil {
		h.documentError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// DownloadOriginal redirects to a presigned URL for the archived upload.
func (h *Handler) DownloadOriginal(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, models.ErrInvalidInput, "invalid document id")
		return
	}

	doc, err := h.store.GetDocument(r.Context(), owner, id)
	if err != nil {
		h.documentError(w, err)
		return
	}
	if doc.StorageKey == "" {
		h.sendError(w, http.StatusNotFound, models.ErrInvalidInput, "original not archived for this document")
		return
	}
	url, err := h.artifacts.PresignedURL(r.Context(), doc.StorageKey)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, models.ErrInternal, "failed to create download link")
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// GetStats summarizes the owner's processing history and spend.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFromContext(r.Context())

	docs, err := h.store.ListDocuments(r.Context(), owner, 200, 0)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, models.ErrPersistence, "failed to load documents")
		return
	}
	byStatus := map[models.DocumentStatus]int{}
	for _, doc := range docs {
		byStatus[doc.Status]++
	}

	var dupStats dedup.Stats
	if candidates, err := h.store.DedupCandidates(r.Context(), owner); err == nil {
		dupStats = dedup.ComputeStats(candidates)
	}

	h.sendJSON(w, http.StatusOK, map[string]any{
		"documents_by_status": byStatus,
		"duplicates":          dupStats,
		"spend_today_usd":     h.ledger.SpentToday(owner),
		"budget_remaining":    h.ledger.Remaining(owner),
	})
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Timestamp string                   `json:"timestamp"`
	Uptime    string                   `json:"uptime"`
	Memory    MemoryStats              `json:"memory"`
	Services  map[string]ServiceStatus `json:"services"`
}

type MemoryStats struct {
	Allocated string `json:"allocated"`
	Total     string `json:"total"`
	System    string `json:"system"`
}

type ServiceStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

var startTime = time.Now()

// Health reports process and dependency status. Local tool availability is
// informational: hosted OCR adapters keep the service useful without them.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	h.sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Memory: MemoryStats{
			Allocated: fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			Total:     fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/1024/1024),
			System:    fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		},
		Services: map[string]ServiceStatus{
			"tesseract":   checkBinary("tesseract", "--version"),
			"imagemagick": checkBinary("magick", "-version"),
			"pdftoppm":    checkBinary("pdftoppm", "-v"),
			"storage":     h.checkStorage(),
		},
	})
}

func checkBinary(name string, arg string) ServiceStatus {
	output, err := exec.Command(name, arg).CombinedOutput()
	if err != nil {
		return ServiceStatus{Available: false, Error: name + " not found or not executable"}
	}
	version := "unknown"
	if lines := strings.Split(string(output), "\n"); len(lines) > 0 {
		version = strings.TrimSpace(lines[0])
	}
	return ServiceStatus{Available: true, Version: version}
}

func (h *Handler) checkStorage() ServiceStatus {
	if h.artifacts == nil {
		return ServiceStatus{Available: false, Error: "object storage not configured"}
	}
	return ServiceStatus{Available: true, Version: "MinIO S3"}
}

func (h *Handler) documentError(w http.ResponseWriter, err error) {
	if h.notFound != nil && errors.Is(err, h.notFound) {
		h.sendError(w, http.StatusNotFound, models.ErrInvalidInput, "document not found")
		return
	}
	h.sendError(w, http.StatusInternalServerError, models.ErrPersistence, "storage error")
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("encoding response")
	}
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, kind models.ErrorKind, message string) {
	h.sendJSON(w, statusCode, map[string]any{
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	})
}
