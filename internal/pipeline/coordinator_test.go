package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doklado/document-pipeline/internal/ai"
	"github.com/doklado/document-pipeline/internal/db"
	"github.com/doklado/document-pipeline/internal/models"
	"github.com/doklado/document-pipeline/internal/ocr"
	"github.com/doklado/document-pipeline/internal/registry"
)

const scanText = `FAKTURA č. 2024-001
Dodavatel: ABC s.r.o.
IČO: 12345678
Datum vystavení: 21.07.2024
Celkem k úhradě: 24 200,00 Kč`

const richResponse = `{
	"document_type": "invoice",
	"invoice_number": "2024-001",
	"date_issued": "2024-07-21",
	"due_date": "2024-08-04",
	"total_amount": {"value": "24200.00", "currency": "CZK"},
	"vendor": {"name": "ABC s.r.o.", "registration_number": "12345678"},
	"customer": {"name": "XYZ a.s."},
	"line_items": [{"description": "Consulting", "quantity": 10, "unit_price": "2000.00", "total_price": "20000.00"}],
	"tax_info": {"rate": 21, "amount": "4200.00", "base": "20000.00"}
}`

// stubOCR is a scriptable OCR adapter.
type stubOCR struct {
	id   string
	text string
	conf float64
	fail bool
}

func (s *stubOCR) ID() string { return s.id }

func (s *stubOCR) Extract(ctx context.Context, content []byte, mediaType string, hints []string) models.RawOCRResult {
	if s.fail {
		return models.RawOCRResult{
			Provider: s.id,
			Error:    models.NewError(models.ErrProviderError, "scripted failure", nil),
		}
	}
	return models.RawOCRResult{Provider: s.id, Text: s.text, Confidence: s.conf, Success: true}
}

func (s *stubOCR) SupportsMedia(string) bool { return true }

// stubLLM returns one scripted response.
type stubLLM struct {
	response string
	calls    int
}

func (s *stubLLM) ID() string { return "openai" }

func (s *stubLLM) Structure(ctx context.Context, prompt string, maxTokens int) (*ai.LLMResult, error) {
	s.calls++
	return &ai.LLMResult{Text: s.response, CostUSD: 0.002, ConfidenceHint: 0.85}, nil
}

type env struct {
	store *db.Memory
	coord *Coordinator
	llm   *stubLLM
}

func newEnv(t *testing.T, ocrAdapters []*stubOCR, llmResponse string, dailyBudget float64, registryHandler http.HandlerFunc) *env {
	t.Helper()

	ocrReg := ocr.NewRegistry()
	for _, a := range ocrAdapters {
		ocrReg.Register(a, ocr.Capability{
			Accuracy:  a.conf,
			Languages: []string{"any"},
			NativePDF: true,
		})
	}
	ocrOrch := ocr.NewOrchestrator(ocrReg, ocr.NewRasterizer(1), ocr.NewPreprocessor(), time.Second)

	llm := &stubLLM{response: llmResponse}
	aiReg := ai.NewRegistry()
	aiReg.Register(llm, ai.ModelInfo{
		ModelID: "test-model", ProviderID: "openai", Tier: ai.TierStandard,
		Accuracy: 0.85, Speed: 0.8, LanguageCS: 0.8, Reasoning: 0.8,
		InputPer1K: 0.0001, OutputPer1K: 0.0004,
	})
	ledger := ai.NewCostLedger(dailyBudget, 1000)
	aiOrch := ai.NewOrchestrator(aiReg, ledger, time.Second)

	var enricher *registry.Enricher
	if registryHandler != nil {
		srv := httptest.NewServer(registryHandler)
		t.Cleanup(srv.Close)
		enricher = registry.NewEnricher(registry.NewClient(srv.URL))
	}

	store := db.NewMemory()
	return &env{
		store: store,
		coord: NewCoordinator(store, ocrOrch, aiOrch, enricher, nil),
		llm:   llm,
	}
}

func (e *env) newDoc(t *testing.T, owner string) (*models.Document, *models.Job) {
	t.Helper()
	doc := &models.Document{
		ID:        uuid.New(),
		OwnerID:   owner,
		Filename:  "faktura.pdf",
		MediaType: "application/pdf",
		ByteSize:  4,
		FileHash:  uuid.NewString(),
		Status:    models.StatusQueued,
		Mode:      models.ModeCostEffective,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateDocument(context.Background(), doc))
	job := &models.Job{ID: "job", DocumentID: doc.ID, OwnerID: owner}
	return doc, job
}

func aresOK(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{
		"ico": "12345678",
		"obchodniJmeno": "ABC s.r.o.",
		"dic": "CZ12345678",
		"sidlo": {"textovaAdresa": "Dlouhá 1, Praha"},
		"seznamRegistraci": {"stavZdrojeDph": "AKTIVNI"}
	}`))
}

func TestProcessHappyPath(t *testing.T) {
	e := newEnv(t, []*stubOCR{{id: "alpha", text: scanText, conf: 0.92}}, richResponse, 10, aresOK)
	doc, job := e.newDoc(t, "owner")

	var milestones []int
	err := e.coord.Process(context.Background(), doc, job, []byte("%PDF"), func(p int) {
		milestones = append(milestones, p)
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, []int{10, 20, 50, 80, 95, 100}, milestones)
	assert.NotEmpty(t, doc.Fingerprint)
	require.NotNil(t, doc.CompletedAt)

	fields, err := e.store.GetFields(context.Background(), doc.ID)
	require.NoError(t, err)
	rec := models.Reassemble(fields)
	assert.Equal(t, "2024-001", rec.InvoiceNumber)
	assert.Equal(t, "2024-07-21", rec.DateIssued)
	require.NotNil(t, rec.TotalAmount)
	assert.Equal(t, "24200.00", rec.TotalAmount.Value.StringFixed(2))
	assert.Equal(t, "CZK", rec.TotalAmount.Currency)
	require.NotNil(t, rec.Vendor)
	assert.Equal(t, "12345678", rec.Vendor.RegistrationNumber)
	assert.True(t, rec.Vendor.Enriched)
	assert.GreaterOrEqual(t, rec.ExtractionConfidence, 0.8)
}

func TestProcessDuplicateDetection(t *testing.T) {
	e := newEnv(t, []*stubOCR{{id: "alpha", text: scanText, conf: 0.92}}, richResponse, 10, aresOK)

	first, job1 := e.newDoc(t, "owner")
	require.NoError(t, e.coord.Process(context.Background(), first, job1, []byte("%PDF"), nil))

	second, job2 := e.newDoc(t, "owner")
	require.NoError(t, e.coord.Process(context.Background(), second, job2, []byte("%PDF"), nil))

	assert.Equal(t, models.StatusCompleted, second.Status)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	// The duplicate note references the first document.
	fields, _ := e.store.GetFields(context.Background(), second.ID)
	rec := models.Reassemble(fields)
	require.NotEmpty(t, rec.Notes)
	assert.Contains(t, rec.Notes[0], "possible duplicate of document "+first.ID.String())
	assert.Contains(t, rec.Notes[0], "exact match")

	candidates, err := e.store.DedupCandidates(context.Background(), "owner")
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}

func TestProcessCostCeilingBreach(t *testing.T) {
	e := newEnv(t, []*stubOCR{{id: "alpha", text: scanText, conf: 0.92}}, richResponse, 0, nil)
	doc, job := e.newDoc(t, "owner")

	require.NoError(t, e.coord.Process(context.Background(), doc, job, []byte("%PDF"), nil))
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 0, e.llm.calls)

	fields, _ := e.store.GetFields(context.Background(), doc.ID)
	rec := models.Reassemble(fields)
	// Regex baseline only, capped confidence.
	assert.Equal(t, "2024-001", rec.InvoiceNumber)
	assert.LessOrEqual(t, rec.ExtractionConfidence, 0.6)
	assert.Contains(t, rec.Notes, "cost_limit_hit")
}

func TestProcessOCRFailureCascade(t *testing.T) {
	adapters := []*stubOCR{
		{id: "alpha", fail: true},
		{id: "beta", fail: true},
	}
	e := newEnv(t, adapters, richResponse, 10, nil)
	doc, job := e.newDoc(t, "owner")

	err := e.coord.Process(context.Background(), doc, job, []byte("%PDF"), nil)
	require.Error(t, err)

	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, string(models.ErrOCRAllFailed), doc.ErrorKind)
	assert.Len(t, job.OCRResults, 2)
	assert.Equal(t, 0, e.llm.calls)

	fields, _ := e.store.GetFields(context.Background(), doc.ID)
	assert.Empty(t, fields)

	stored, _ := e.store.GetDocument(context.Background(), "owner", doc.ID)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestProcessRegistryUnavailableIsNonFatal(t *testing.T) {
	e := newEnv(t, []*stubOCR{{id: "alpha", text: scanText, conf: 0.92}}, richResponse, 10,
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGatewayTimeout)
		})
	doc, job := e.newDoc(t, "owner")

	require.NoError(t, e.coord.Process(context.Background(), doc, job, []byte("%PDF"), nil))
	assert.Equal(t, models.StatusCompleted, doc.Status)

	fields, _ := e.store.GetFields(context.Background(), doc.ID)
	rec := models.Reassemble(fields)
	// The extracted vendor survives unchanged, without enrichment flags, and
	// the outage is visible in the persisted enrichment metadata.
	require.NotNil(t, rec.Vendor)
	assert.Equal(t, "ABC s.r.o.", rec.Vendor.Name)
	assert.False(t, rec.Vendor.Enriched)
	require.NotNil(t, rec.EnrichmentMeta)
	assert.False(t, rec.EnrichmentMeta.Success)
	require.NotEmpty(t, rec.EnrichmentMeta.Notes)
	assert.Contains(t, rec.EnrichmentMeta.Notes[0], "registry_unavailable")
}

func TestProcessCancellationMidRun(t *testing.T) {
	e := newEnv(t, []*stubOCR{{id: "alpha", text: scanText, conf: 0.92}}, richResponse, 10, aresOK)
	doc, job := e.newDoc(t, "owner")

	ctx, cancel := context.WithCancel(context.Background())
	err := e.coord.Process(ctx, doc, job, []byte("%PDF"), func(p int) {
		if p >= 20 {
			cancel()
		}
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrCancelled, models.KindOf(err))

	assert.Equal(t, models.StatusCancelled, doc.Status)
	assert.Empty(t, doc.OCRText)

	fields, _ := e.store.GetFields(context.Background(), doc.ID)
	assert.Empty(t, fields)

	stored, _ := e.store.GetDocument(context.Background(), "owner", doc.ID)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, string(models.ErrCancelled), stored.ErrorKind)
}

func TestProcessResumesFromPersistedOCRText(t *testing.T) {
	// An adapter that would fail is never consulted when OCR text is already
	// persisted on the document.
	e := newEnv(t, []*stubOCR{{id: "alpha", fail: true}}, richResponse, 10, nil)
	doc, job := e.newDoc(t, "owner")
	doc.OCRText = scanText
	require.NoError(t, e.store.UpdateDocument(context.Background(), doc))

	require.NoError(t, e.coord.Process(context.Background(), doc, job, []byte("%PDF"), nil))
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 1, e.llm.calls)
}
