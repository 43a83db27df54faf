package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doklado/document-pipeline/internal/db"
	"github.com/doklado/document-pipeline/internal/models"
)

// fakeRunner scripts the outcome of one processing run.
type fakeRunner struct {
	status    models.DocumentStatus
	err       error
	milestone []int
	blockCtx  bool

	mu      sync.Mutex
	started chan struct{}
}

func (f *fakeRunner) Process(ctx context.Context, doc *models.Document, job *models.Job, content []byte, progress func(int)) error {
	f.mu.Lock()
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	f.mu.Unlock()

	for _, p := range f.milestone {
		progress(p)
	}
	if f.blockCtx {
		<-ctx.Done()
		doc.Status = models.StatusCancelled
		return models.NewError(models.ErrCancelled, "processing cancelled", ctx.Err())
	}
	doc.Status = f.status
	return f.err
}

type fakeWriter struct {
	mu   sync.Mutex
	docs []*models.Document
}

func (w *fakeWriter) UpdateDocument(_ context.Context, doc *models.Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.docs = append(w.docs, doc)
	return nil
}

func newDoc(owner, hash string) *models.Document {
	return &models.Document{
		ID:       uuid.New(),
		OwnerID:  owner,
		FileHash: hash,
		Status:   models.StatusQueued,
	}
}

func startedManager(t *testing.T, runner Runner) (*Manager, *fakeWriter) {
	t.Helper()
	writer := &fakeWriter{}
	m := NewManager(runner, writer, 2, 0, time.Hour)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, writer
}

func waitTerminal(t *testing.T, m *Manager, owner, jobID string) *models.Job {
	t.Helper()
	var got *models.Job
	require.Eventually(t, func() bool {
		j, err := m.Get(owner, jobID)
		if err != nil || !j.Status.Terminal() {
			return false
		}
		got = j
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestSubmitIsIdempotentWithinHour(t *testing.T) {
	m := NewManager(&fakeRunner{}, &fakeWriter{}, 2, 0, time.Hour)
	m.now = func() time.Time { return time.Date(2024, 7, 21, 10, 15, 0, 0, time.UTC) }

	doc := newDoc("owner", "hash-1")
	first, created, err := m.Submit(doc, []byte("x"), models.JobOptions{})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := m.Submit(doc, []byte("x"), models.JobOptions{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestSubmitQueueFullRollsBack(t *testing.T) {
	// No workers running: a queue sized at 3 fills up and stays full.
	m := NewManager(&fakeRunner{}, &fakeWriter{}, 2, 3, time.Hour)

	for i := 0; i < 3; i++ {
		_, _, err := m.Submit(newDoc("owner", fmt.Sprintf("hash-%d", i)), nil, models.JobOptions{})
		require.NoError(t, err)
	}

	overflow := newDoc("owner", "hash-overflow")
	job, _, err := m.Submit(overflow, nil, models.JobOptions{})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Nil(t, job)

	// The rejected submission leaves no trace, so a later retry can succeed.
	_, err = m.GetByDocument("owner", overflow.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetIsOwnerScoped(t *testing.T) {
	m, _ := startedManager(t, &fakeRunner{status: models.StatusCompleted})

	job, _, err := m.Submit(newDoc("alice", "hash-1"), nil, models.JobOptions{})
	require.NoError(t, err)

	_, err = m.Get("mallory", job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Get("alice", job.ID)
	assert.NoError(t, err)
}

func TestCancelQueuedJobFinalizesImmediately(t *testing.T) {
	// No workers: the job never leaves the queue.
	writer := &fakeWriter{}
	m := NewManager(&fakeRunner{}, writer, 2, 0, time.Hour)

	doc := newDoc("owner", "hash-1")
	job, _, err := m.Submit(doc, nil, models.JobOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), "owner", job.ID))

	got, err := m.Get("owner", job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	// The document row was finalized without a worker touching it.
	writer.mu.Lock()
	defer writer.mu.Unlock()
	require.Len(t, writer.docs, 1)
	assert.Equal(t, models.StatusCancelled, writer.docs[0].Status)
	assert.Equal(t, string(models.ErrCancelled), writer.docs[0].ErrorKind)

	// Cancelling twice is a no-op, not an error.
	assert.NoError(t, m.Cancel(context.Background(), "owner", job.ID))
}

func TestCancelProcessingJobStopsTheRun(t *testing.T) {
	runner := &fakeRunner{blockCtx: true, started: make(chan struct{})}
	started := runner.started
	m, _ := startedManager(t, runner)

	job, _, err := m.Submit(newDoc("owner", "hash-1"), nil, models.JobOptions{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
	}
	require.NoError(t, m.Cancel(context.Background(), "owner", job.ID))

	got := waitTerminal(t, m, "owner", job.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, models.ErrCancelled, got.LastError.Kind)
}

func TestCancelFinishedJob(t *testing.T) {
	m, _ := startedManager(t, &fakeRunner{status: models.StatusCompleted})

	job, _, err := m.Submit(newDoc("owner", "hash-1"), nil, models.JobOptions{})
	require.NoError(t, err)
	waitTerminal(t, m, "owner", job.ID)

	assert.ErrorIs(t, m.Cancel(context.Background(), "owner", job.ID), ErrJobFinished)
}

func TestProgressIsMonotonic(t *testing.T) {
	runner := &fakeRunner{status: models.StatusCompleted, milestone: []int{10, 50, 20, 100}}
	m, _ := startedManager(t, runner)

	var seen []int
	var mu sync.Mutex
	m.OnProgress = func(jobID string, p int) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}

	job, _, err := m.Submit(newDoc("owner", "hash-1"), nil, models.JobOptions{})
	require.NoError(t, err)
	got := waitTerminal(t, m, "owner", job.ID)

	assert.Equal(t, 100, got.Progress)
	mu.Lock()
	defer mu.Unlock()
	// The regression to 20 was dropped.
	assert.Equal(t, []int{10, 50, 100}, seen)
}

func TestProgressObserverPanicIsSwallowed(t *testing.T) {
	runner := &fakeRunner{status: models.StatusCompleted, milestone: []int{10, 100}}
	m, _ := startedManager(t, runner)
	m.OnProgress = func(string, int) { panic("observer bug") }

	job, _, err := m.Submit(newDoc("owner", "hash-1"), nil, models.JobOptions{})
	require.NoError(t, err)

	got := waitTerminal(t, m, "owner", job.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
}

func TestFailedRunRecordsLastError(t *testing.T) {
	runner := &fakeRunner{
		status: models.StatusFailed,
		err:    models.NewError(models.ErrOCRAllFailed, "all OCR adapters failed", nil),
	}
	m, _ := startedManager(t, runner)

	job, _, err := m.Submit(newDoc("owner", "hash-1"), nil, models.JobOptions{})
	require.NoError(t, err)

	got := waitTerminal(t, m, "owner", job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, models.ErrOCRAllFailed, got.LastError.Kind)
}

func TestSweepEvictsExpiredJobsFromMemoryOnly(t *testing.T) {
	store := db.NewMemory()
	m := NewManager(&fakeRunner{status: models.StatusCompleted}, store, 1, 0, time.Hour)
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	doc := newDoc("owner", "hash-1")
	require.NoError(t, store.CreateDocument(context.Background(), doc))

	job, _, err := m.Submit(doc, nil, models.JobOptions{})
	require.NoError(t, err)
	waitTerminal(t, m, "owner", job.ID)

	// Nothing expires inside the retention window.
	m.sweep()
	_, err = m.Get("owner", job.ID)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	m.sweep()

	_, err = m.Get("owner", job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	// Eviction is in-memory housekeeping; the document row keeps serving
	// history queries and duplicate detection.
	kept, err := store.GetDocument(context.Background(), "owner", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, kept.ID)
}

func TestSweepKeepsRunningJobs(t *testing.T) {
	runner := &fakeRunner{blockCtx: true, started: make(chan struct{})}
	started := runner.started
	m, _ := startedManager(t, runner)

	job, _, err := m.Submit(newDoc("owner", "hash-1"), nil, models.JobOptions{})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
	}

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	m.sweep()

	// A job without a completion time is never swept, no matter how old.
	_, err = m.Get("owner", job.ID)
	assert.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), "owner", job.ID))
}

// chattyRunner appends an OCR result per step, the pattern the pipeline
// follows while a poller reads job snapshots.
type chattyRunner struct {
	steps int
}

func (r *chattyRunner) Process(_ context.Context, doc *models.Document, job *models.Job, _ []byte, progress func(int)) error {
	for i := 0; i < r.steps; i++ {
		job.OCRResults = append(job.OCRResults, models.RawOCRResult{
			Provider: fmt.Sprintf("adapter-%d", i),
			Success:  true,
		})
		progress(i + 1)
	}
	doc.Status = models.StatusCompleted
	return nil
}

func TestGetIsSafeWhileRunnerAppendsResults(t *testing.T) {
	runner := &chattyRunner{steps: 200}
	m, _ := startedManager(t, runner)

	job, _, err := m.Submit(newDoc("owner", "hash-1"), nil, models.JobOptions{})
	require.NoError(t, err)

	// Hammer Get while the runner mutates its working copy of the job. Under
	// the race detector this fails if the runner and snapshot share memory.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			j, err := m.Get("owner", job.ID)
			if err != nil {
				continue
			}
			for _, r := range j.OCRResults {
				_ = r.Provider
			}
			if j.Status.Terminal() {
				return
			}
		}
	}()

	got := waitTerminal(t, m, "owner", job.ID)
	<-done
	assert.Len(t, got.OCRResults, 200)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestResubmitAfterFailureIncrementsRetries(t *testing.T) {
	runner := &fakeRunner{
		status: models.StatusFailed,
		err:    models.NewError(models.ErrTimeout, "OCR provider timed out", nil),
	}
	writer := &fakeWriter{}
	m := NewManager(runner, writer, 1, 0, time.Hour)
	m.now = func() time.Time { return time.Date(2024, 7, 21, 10, 15, 0, 0, time.UTC) }
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	doc := newDoc("owner", "hash-1")
	first, created, err := m.Submit(doc, []byte("x"), models.JobOptions{})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 0, first.Retries)
	waitTerminal(t, m, "owner", first.ID)

	// Re-enqueueing a failed document starts a fresh run under the same id
	// and bumps the retry counter.
	second, created, err := m.Submit(doc, []byte("x"), models.JobOptions{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Retries)

	got := waitTerminal(t, m, "owner", second.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Retries)

	third, _, err := m.Submit(doc, []byte("x"), models.JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, third.Retries)
}

func TestResubmitAfterCompletionKeepsRetryCount(t *testing.T) {
	m := NewManager(&fakeRunner{status: models.StatusCompleted}, &fakeWriter{}, 1, 0, time.Hour)
	m.now = func() time.Time { return time.Date(2024, 7, 21, 10, 15, 0, 0, time.UTC) }
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	doc := newDoc("owner", "hash-1")
	first, _, err := m.Submit(doc, []byte("x"), models.JobOptions{})
	require.NoError(t, err)
	waitTerminal(t, m, "owner", first.ID)

	second, created, err := m.Submit(doc, []byte("x"), models.JobOptions{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 0, second.Retries)
	waitTerminal(t, m, "owner", second.ID)
}

func TestStopCancelsInFlightWork(t *testing.T) {
	runner := &fakeRunner{blockCtx: true, started: make(chan struct{})}
	started := runner.started
	writer := &fakeWriter{}
	m := NewManager(runner, writer, 1, 0, time.Hour)
	m.Start(context.Background())

	doc := newDoc("owner", "hash-1")
	_, _, err := m.Submit(doc, nil, models.JobOptions{})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after cancelling the worker")
	}
	assert.Equal(t, models.StatusCancelled, doc.Status)
}
