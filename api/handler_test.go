package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doklado/document-pipeline/internal/ai"
	"github.com/doklado/document-pipeline/internal/auth"
	"github.com/doklado/document-pipeline/internal/config"
	"github.com/doklado/document-pipeline/internal/db"
	"github.com/doklado/document-pipeline/internal/jobs"
	"github.com/doklado/document-pipeline/internal/models"
)

// countingStore wraps the in-memory store so tests can assert how many
// document rows a submission actually created.
type countingStore struct {
	*db.Memory
	mu      sync.Mutex
	creates int
}

func (s *countingStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	return s.Memory.CreateDocument(ctx, doc)
}

func (s *countingStore) created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// failingRunner fails every run the way the pipeline does on a provider
// timeout, persisting the terminal status.
type failingRunner struct {
	store Store
}

func (r *failingRunner) Process(ctx context.Context, doc *models.Document, job *models.Job, content []byte, progress func(int)) error {
	doc.Status = models.StatusFailed
	doc.ErrorKind = string(models.ErrTimeout)
	doc.ErrorMsg = "OCR provider timed out"
	_ = r.store.UpdateDocument(ctx, doc)
	return models.NewError(models.ErrTimeout, "OCR provider timed out", nil)
}

func newTestHandler(store Store, manager *jobs.Manager) *Handler {
	cfg := &config.Config{DefaultMode: models.ModeCostEffective}
	return NewHandler(cfg, store, manager, ai.NewCostLedger(10, 100), nil, db.ErrNotFound)
}

// pngUpload builds a multipart submission carrying a minimal PNG.
func pngUpload(t *testing.T, owner string, payload byte) *http.Request {
	t.Helper()
	content := append([]byte("\x89PNG\r\n\x1a\n"), payload)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="invoice.png"`)
	hdr.Set("Content-Type", "image/png")
	fw, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req.WithContext(auth.WithOwner(req.Context(), owner))
}

type submitResponse struct {
	JobID      string `json:"job_id"`
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Retries    int    `json:"retries"`
	Duplicate  bool   `json:"duplicate"`
}

func doSubmit(t *testing.T, h *Handler, req *http.Request) (int, submitResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.SubmitDocument(rec, req)
	var body submitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return rec.Code, body
}

func TestSubmitDuplicateReturnsActiveJob(t *testing.T) {
	store := &countingStore{Memory: db.NewMemory()}
	// No workers started: the first job stays queued, i.e. active.
	manager := jobs.NewManager(&failingRunner{store: store}, store, 1, 0, time.Hour)
	h := newTestHandler(store, manager)

	code, first := doSubmit(t, h, pngUpload(t, "alice", 'a'))
	assert.Equal(t, http.StatusAccepted, code)
	assert.False(t, first.Duplicate)

	code, second := doSubmit(t, h, pngUpload(t, "alice", 'a'))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, first.DocumentID, second.DocumentID)

	// The duplicate was answered from the stored row, no second row created.
	assert.Equal(t, 1, store.created())
}

func TestSubmitDuplicateIsOwnerScoped(t *testing.T) {
	store := &countingStore{Memory: db.NewMemory()}
	manager := jobs.NewManager(&failingRunner{store: store}, store, 1, 0, time.Hour)
	h := newTestHandler(store, manager)

	code, _ := doSubmit(t, h, pngUpload(t, "alice", 'a'))
	assert.Equal(t, http.StatusAccepted, code)

	// Same bytes from another owner are a fresh document, not a duplicate.
	code, other := doSubmit(t, h, pngUpload(t, "bob", 'a'))
	assert.Equal(t, http.StatusAccepted, code)
	assert.False(t, other.Duplicate)
	assert.Equal(t, 2, store.created())
}

func TestSubmitAfterFailureReenqueuesSameDocument(t *testing.T) {
	store := &countingStore{Memory: db.NewMemory()}
	manager := jobs.NewManager(&failingRunner{store: store}, store, 1, 0, time.Hour)
	manager.Start(context.Background())
	t.Cleanup(manager.Stop)
	h := newTestHandler(store, manager)

	code, first := doSubmit(t, h, pngUpload(t, "alice", 'a'))
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		j, err := manager.Get("alice", first.JobID)
		return err == nil && j.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	// The resubmission reuses the failed row and bumps the retry counter, so
	// persisted stage output can be resumed instead of recomputed.
	code, second := doSubmit(t, h, pngUpload(t, "alice", 'a'))
	assert.Equal(t, http.StatusAccepted, code)
	assert.False(t, second.Duplicate)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Equal(t, 1, second.Retries)
	assert.Equal(t, 1, store.created())
}
