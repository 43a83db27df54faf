// Package jobs runs the asynchronous processing queue: a fixed worker pool
// draining a FIFO queue, per-job cancellation, and retention of finished
// work.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/doklado/document-pipeline/internal/metrics"
	"github.com/doklado/document-pipeline/internal/models"
)

const defaultQueueCapacity = 100

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrQueueFull    = errors.New("processing queue is full")
	ErrJobFinished  = errors.New("job already finished")
	ErrShuttingDown = errors.New("manager is shutting down")
)

// Runner processes one document end to end. Satisfied by the pipeline
// coordinator.
type Runner interface {
	Process(ctx context.Context, doc *models.Document, job *models.Job, content []byte, progress func(int)) error
}

// DocumentWriter persists status changes the manager makes outside a run,
// i.e. cancelling a job that never reached a worker.
type DocumentWriter interface {
	UpdateDocument(ctx context.Context, doc *models.Document) error
}

type jobState struct {
	mu      sync.Mutex
	job     models.Job
	doc     *models.Document
	content []byte
	cancel  context.CancelFunc
}

// snapshot returns a copy safe to hand to callers.
func (s *jobState) snapshot() *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job
	j.OCRResults = append([]models.RawOCRResult(nil), s.job.OCRResults...)
	return &j
}

// Manager owns the queue, the workers and the retention sweeper.
type Manager struct {
	runner    Runner
	writer    DocumentWriter
	workers   int
	retention time.Duration

	mu    sync.RWMutex
	jobs  map[string]*jobState
	byDoc map[uuid.UUID]string

	queue    chan *jobState
	wg       sync.WaitGroup
	baseCtx  context.Context
	shutdown context.CancelFunc

	// OnProgress, when set, is invoked for every progress change. A panic in
	// the callback is logged and swallowed; observers never break a run.
	OnProgress func(jobID string, progress int)

	now func() time.Time
}

func NewManager(runner Runner, writer DocumentWriter, workers, queueSize int, retention time.Duration) *Manager {
	if workers <= 0 {
		workers = 5
	}
	if queueSize <= 0 {
		queueSize = defaultQueueCapacity
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Manager{
		runner:    runner,
		writer:    writer,
		workers:   workers,
		retention: retention,
		jobs:      map[string]*jobState{},
		byDoc:     map[uuid.UUID]string{},
		queue:     make(chan *jobState, queueSize),
		now:       time.Now,
	}
}

// Start launches the worker pool and the retention sweeper.
func (m *Manager) Start(ctx context.Context) {
	m.baseCtx, m.shutdown = context.WithCancel(ctx)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.wg.Add(1)
	go m.sweeper()
	log.WithField("workers", m.workers).Info("job manager started")
}

// Stop drains nothing: in-flight jobs are cancelled and workers exit once
// their current job returns.
func (m *Manager) Stop() {
	if m.shutdown != nil {
		m.shutdown()
	}
	m.wg.Wait()
}

// Submit enqueues a document for processing. Submission is idempotent: the
// job id derives from owner, content hash and the submission hour, so a
// duplicate upload inside that window returns the existing job instead of
// queueing a second run. Re-submitting after a terminal run starts a fresh
// run under the same id; when the previous run failed the new job carries an
// incremented retry counter.
func (m *Manager) Submit(doc *models.Document, content []byte, opts models.JobOptions) (*models.Job, bool, error) {
	id := models.JobID(doc.OwnerID, m.now(), doc.FileHash)

	m.mu.Lock()
	retries := 0
	var prev *jobState
	if existing, ok := m.jobs[id]; ok {
		existing.mu.Lock()
		terminal := existing.job.Status.Terminal()
		if existing.job.Status == models.StatusFailed {
			retries = existing.job.Retries + 1
		} else {
			retries = existing.job.Retries
		}
		prevDoc := existing.job.DocumentID
		existing.mu.Unlock()
		if !terminal {
			m.mu.Unlock()
			return existing.snapshot(), false, nil
		}
		prev = existing
		delete(m.byDoc, prevDoc)
	}

	state := &jobState{
		job: models.Job{
			ID:         id,
			DocumentID: doc.ID,
			OwnerID:    doc.OwnerID,
			Options:    opts,
			Status:     models.StatusQueued,
			Retries:    retries,
			CreatedAt:  m.now().UTC(),
		},
		doc:     doc,
		content: content,
	}
	m.jobs[id] = state
	m.byDoc[doc.ID] = id
	m.mu.Unlock()

	select {
	case m.queue <- state:
		metrics.QueueDepth.Set(float64(len(m.queue)))
		metrics.DocumentsSubmitted.Inc()
		return state.snapshot(), true, nil
	default:
		m.mu.Lock()
		delete(m.jobs, id)
		delete(m.byDoc, doc.ID)
		if prev != nil {
			m.jobs[id] = prev
			m.byDoc[prev.job.DocumentID] = id
		}
		m.mu.Unlock()
		return nil, false, ErrQueueFull
	}
}

// Get returns a snapshot of a job, owner scoped.
func (m *Manager) Get(ownerID, jobID string) (*models.Job, error) {
	m.mu.RLock()
	state, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok || state.job.OwnerID != ownerID {
		return nil, ErrJobNotFound
	}
	return state.snapshot(), nil
}

// GetByDocument resolves the job handling a document.
func (m *Manager) GetByDocument(ownerID string, documentID uuid.UUID) (*models.Job, error) {
	m.mu.RLock()
	id, ok := m.byDoc[documentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return m.Get(ownerID, id)
}

// Cancel stops a job. A queued job is finalized immediately; a running job
// gets its context cancelled and finalizes at the next stage boundary.
// Cancelling a finished job is an error, cancelling twice is not.
func (m *Manager) Cancel(ctx context.Context, ownerID, jobID string) error {
	m.mu.RLock()
	state, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok || state.job.OwnerID != ownerID {
		return ErrJobNotFound
	}

	state.mu.Lock()
	switch {
	case state.job.Status == models.StatusCancelled:
		state.mu.Unlock()
		return nil
	case state.job.Status.Terminal():
		state.mu.Unlock()
		return ErrJobFinished
	case state.job.Status == models.StatusProcessing:
		cancel := state.cancel
		state.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}

	// Still queued. The worker will skip it when it surfaces.
	now := m.now().UTC()
	state.job.Status = models.StatusCancelled
	state.job.CompletedAt = &now
	doc := state.doc
	state.mu.Unlock()

	doc.Status = models.StatusCancelled
	doc.ErrorKind = string(models.ErrCancelled)
	doc.ErrorMsg = "cancelled before processing started"
	doc.CompletedAt = &now
	if err := m.writer.UpdateDocument(ctx, doc); err != nil {
		log.WithError(err).WithField("job_id", jobID).Error("persisting queued-job cancellation")
	}
	return nil
}

func (m *Manager) worker(n int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case state := <-m.queue:
			metrics.QueueDepth.Set(float64(len(m.queue)))
			m.run(state)
		}
	}
}

func (m *Manager) run(state *jobState) {
	state.mu.Lock()
	if state.job.Status.Terminal() {
		state.content = nil
		state.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(m.baseCtx)
	state.cancel = cancel
	state.job.Status = models.StatusProcessing
	now := m.now().UTC()
	state.job.StartedAt = &now
	// The runner mutates the job (OCR results, stage notes) without holding
	// state.mu, so it works on a private copy that is merged back when the
	// run returns. Concurrent Get calls only ever see the locked original.
	jobCopy := state.job
	jobCopy.OCRResults = append([]models.RawOCRResult(nil), state.job.OCRResults...)
	doc, content := state.doc, state.content
	state.mu.Unlock()
	defer cancel()

	err := m.runner.Process(runCtx, doc, &jobCopy, content, func(p int) {
		m.reportProgress(state, p)
	})

	state.mu.Lock()
	state.job.OCRResults = jobCopy.OCRResults
	state.job.Status = doc.Status
	if err != nil {
		var pe *models.PipelineError
		if errors.As(err, &pe) {
			state.job.LastError = pe
		} else {
			state.job.LastError = models.NewError(models.ErrInternal, err.Error(), nil)
		}
	}
	done := m.now().UTC()
	state.job.CompletedAt = &done
	state.content = nil
	state.mu.Unlock()
}

// reportProgress advances the job's progress monotonically and notifies the
// observer, surviving observer panics.
func (m *Manager) reportProgress(state *jobState, p int) {
	state.mu.Lock()
	if p <= state.job.Progress {
		state.mu.Unlock()
		return
	}
	state.job.Progress = p
	id := state.job.ID
	state.mu.Unlock()

	if m.OnProgress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"job_id": id, "panic": r}).Error("progress observer panicked")
		}
	}()
	m.OnProgress(id, p)
}

// sweeper drops finished jobs from memory once they age past the retention
// window. Database rows are not touched; history and duplicate detection
// outlive the in-memory job record.
func (m *Manager) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.retention)

	m.mu.Lock()
	for id, state := range m.jobs {
		state.mu.Lock()
		expired := state.job.Status.Terminal() &&
			state.job.CompletedAt != nil && state.job.CompletedAt.Before(cutoff)
		docID := state.job.DocumentID
		state.mu.Unlock()
		if expired {
			delete(m.jobs, id)
			delete(m.byDoc, docID)
		}
	}
	m.mu.Unlock()
}
