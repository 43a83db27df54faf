package ai

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/doklado/document-pipeline/internal/classify"
	"github.com/doklado/document-pipeline/internal/models"
)

// Orchestrator runs the structuring stage: model selection under the cost
// ceiling, the call itself, parsing with one strict retry, and the regex
// baseline as both prior and safety net.
type Orchestrator struct {
	registry  *Registry
	ledger    *CostLedger
	timeout   time.Duration
	maxTokens int
	attempts  int
}

func NewOrchestrator(registry *Registry, ledger *CostLedger, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{
		registry:  registry,
		ledger:    ledger,
		timeout:   timeout,
		maxTokens: 2000,
		attempts:  3,
	}
}

// Outcome is the full result of a structuring run, selection diagnostics
// included.
type Outcome struct {
	Record       *models.StructuredRecord
	Selection    *Selection
	CostUSD      float64
	UsedBaseline bool
}

// Structure produces a StructuredRecord for rawText. It returns an error
// only on cancellation: every provider-side failure degrades to the regex
// baseline, because a document with a weak extraction is still worth more
// than a failed one.
func (o *Orchestrator) Structure(ctx context.Context, owner, rawText string, cls classify.Result, mode models.ProcessingMode, ceilingUSD float64) (*Outcome, error) {
	baseline := BaselineExtract(rawText)

	if o.registry.Len() == 0 {
		return o.baselineOutcome(baseline, "no LLM providers configured"), nil
	}

	prompt := BuildPrompt(rawText, cls)

	if ceilingUSD <= 0 {
		// Derive the per-request ceiling from the owner's remaining daily
		// budget; -1 means uncapped.
		ceilingUSD = o.ledger.Remaining(owner)
	}

	sel, err := SelectModel(o.registry, cls, mode, ceilingUSD, len(prompt), o.maxTokens)
	if err != nil {
		return o.baselineOutcome(baseline, "model selection failed"), nil
	}
	provider, info, _ := o.registry.Get(sel.ModelID)

	// The expected cost is reserved up front so concurrent documents cannot
	// jointly overrun the budget; the reservation settles to the actual cost
	// once the call returns.
	expected := info.ExpectedCost(len(prompt), o.maxTokens)
	if !o.ledger.Reserve(owner, expected) {
		log.WithFields(log.Fields{"owner": owner, "model": sel.ModelID, "expected_usd": expected}).
			Info("cost ceiling denied LLM call, downgrading to baseline")
		out := o.baselineOutcome(baseline, "cost_limit_hit")
		out.Selection = &sel
		return out, nil
	}

	res, callErr := o.callWithRetries(ctx, provider, prompt)
	if callErr != nil {
		o.ledger.Settle(owner, expected, 0)
		if models.KindOf(callErr) == models.ErrCancelled {
			return nil, callErr
		}
		out := o.baselineOutcome(baseline, "llm call failed: "+string(models.KindOf(callErr)))
		out.Selection = &sel
		return out, nil
	}
	o.ledger.Settle(owner, expected, res.CostUSD)
	totalCost := res.CostUSD

	rec, parseErr := ParseResponse(res.Text)
	if parseErr != nil && o.ledger.Reserve(owner, expected) {
		// One reformulation with a stricter reminder, then give up on the
		// model and keep the baseline.
		retryRes, retryErr := o.callWithRetries(ctx, provider, BuildRetryPrompt(rawText, cls))
		if retryErr == nil {
			o.ledger.Settle(owner, expected, retryRes.CostUSD)
			totalCost += retryRes.CostUSD
			res = retryRes
			rec, parseErr = ParseResponse(retryRes.Text)
		} else {
			o.ledger.Settle(owner, expected, 0)
			if models.KindOf(retryErr) == models.ErrCancelled {
				return nil, retryErr
			}
		}
	}
	if parseErr != nil {
		log.WithFields(log.Fields{"owner": owner, "model": sel.ModelID}).
			Warn("model output unparseable twice, falling back to regex baseline")
		out := o.baselineOutcome(baseline, "llm_parse_failed: model output was not valid JSON")
		out.Selection = &sel
		out.CostUSD = totalCost
		return out, nil
	}

	MergePriors(rec, baseline)
	Validate(rec)
	rec.ExtractionConfidence = ExtractionConfidence(res.ConfidenceHint, rec)

	return &Outcome{
		Record:    rec,
		Selection: &sel,
		CostUSD:   totalCost,
	}, nil
}

// callWithRetries retries transient failures with a short linear backoff;
// terminal kinds surface immediately.
func (o *Orchestrator) callWithRetries(ctx context.Context, provider Provider, prompt string) (*LLMResult, error) {
	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		res, err := provider.Structure(callCtx, prompt, o.maxTokens)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err

		kind := models.KindOf(err)
		if kind == models.ErrCancelled || !kind.Transient() {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(attempt) * time.Second):
		case <-ctx.Done():
			return nil, models.NewError(models.ErrCancelled, "structuring cancelled", ctx.Err())
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) baselineOutcome(baseline *models.StructuredRecord, note string) *Outcome {
	rec := baseline
	rec.AddNote(note)
	Validate(rec)
	rec.ExtractionConfidence = ExtractionConfidence(baselineHint(rec), rec)
	return &Outcome{Record: rec, UsedBaseline: true}
}

// baselineHint scores the regex extraction the way a model would self-assess:
// a small fixed credit per critical field found, capped well below what a
// model extraction earns.
func baselineHint(r *models.StructuredRecord) float64 {
	score := 0.0
	if r.InvoiceNumber != "" {
		score += 0.15
	}
	if r.TotalAmount != nil {
		score += 0.15
	}
	if r.DateIssued != "" {
		score += 0.15
	}
	if r.Vendor != nil && r.Vendor.RegistrationNumber != "" {
		score += 0.15
	}
	return score
}
