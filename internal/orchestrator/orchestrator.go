// Package orchestrator implements C8, the state machine sequencing file
// processing, data extraction, and CRA categorization for one receipt. See
// spec.md §4.8.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/craexpense/receipt-processor/internal/accounting"
	"github.com/craexpense/receipt-processor/internal/audit"
	"github.com/craexpense/receipt-processor/internal/fileproc"
	"github.com/craexpense/receipt-processor/internal/llm"
	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/rules"
)

// State is a step in the receipt processing state machine. See spec.md §4.8.
type State string

const (
	StateReady        State = "READY"
	StateExtracting    State = "EXTRACTING"
	StateCategorizing  State = "CATEGORIZING"
	StateAggregating   State = "AGGREGATING"
	StateDone          State = "DONE"
	StateAborted       State = "ABORTED"
)

// stageTimeout bounds each individual stage invocation; the orchestrator
// itself performs no retries (spec.md §4.8) — a stage that times out or
// errors aborts the run.
const stageTimeout = 60 * time.Second

// extractor is satisfied by *llm.Extractor; narrowed to an interface so
// the state machine can be exercised in tests without a live vision
// model call.
type extractor interface {
	Extract(ctx context.Context, img fileproc.CanonicalImage) (*llm.ExtractionResult, error)
}

// categorizer is satisfied by *llm.Categorizer.
type categorizer interface {
	Categorize(ctx context.Context, receipt model.Receipt, ruleCtx rules.Context, correlationID string) (*model.CategorizedReceipt, error)
}

// accountingPoster is satisfied by *accounting.Client. May be nil, in
// which case the DONE transition never attempts an accounting write
// regardless of dryRun (useful for rule-only or offline deployments).
type accountingPoster interface {
	PostExpense(ctx context.Context, cr model.CategorizedReceipt) (*accounting.Purchase, error)
}

// Orchestrator drives one receipt through READY -> EXTRACTING ->
// CATEGORIZING -> AGGREGATING -> DONE/ABORTED.
type Orchestrator struct {
	fileProcessor *fileproc.Processor
	extractor     extractor
	categorizer   categorizer
	ruleCategorizer categorizer
	accounting    accountingPoster
	auditLogger   *audit.Logger
	fallbackToRuleEngine bool
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithRuleEngineFallback enables routing a receipt through the rule-engine
// pathway (C5) when the LLM pathway (C7) fails, instead of aborting the
// run. This is a policy knob, not a default: spec.md §9 treats it as an
// opt-in, since a rule-engine result is deterministic but typically less
// complete than a successful LLM categorization. Has no effect if no
// ruleCategorizer was supplied to New.
func WithRuleEngineFallback() Option {
	return func(o *Orchestrator) { o.fallbackToRuleEngine = true }
}

// New constructs an Orchestrator from its collaborators. In production,
// extractor is an *llm.Extractor, categorizer is an *llm.Categorizer,
// ruleCategorizer is a *rules.Categorizer, and accountingClient is an
// *accounting.Client; all are accepted as the narrower interfaces above so
// tests can supply fakes that never make a network call. accountingClient
// may be nil to disable the accounting write entirely. ruleCategorizer may
// be nil, in which case the caller-selected rule-engine pathway (C5) and
// the WithRuleEngineFallback knob are both unavailable.
func New(fileProcessor *fileproc.Processor, extractor extractor, categorizer categorizer, ruleCategorizer categorizer, accountingClient accountingPoster, auditLogger *audit.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fileProcessor:   fileProcessor,
		extractor:       extractor,
		categorizer:     categorizer,
		ruleCategorizer: ruleCategorizer,
		accounting:      accountingClient,
		auditLogger:     auditLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Outcome is the terminal result of one Process call.
type Outcome struct {
	State             State
	CorrelationID     string
	Result            *model.CategorizedReceipt
	ExtractionConfidence float64
	Err               error
}

// Process runs one receipt artifact through the full state machine. ctx
// cancellation propagates into every stage's external call. If
// correlationID is empty, one is generated; the batch driver (C11)
// supplies a deterministic one instead so a resumed run's audit trail can
// be checked for prior completion. dryRun, when true, suppresses the
// final accounting write while every other stage still runs. useRuleEngine
// selects the deterministic rule-engine pathway (C5) for categorization
// instead of the default LLM+RAG CRA-Rules stage (C7); this is the
// caller-selected alternative path spec.md §2 describes, never an
// automatic per-item fallback. See spec.md §5, §9 (dry-run), and §4.8.
func (o *Orchestrator) Process(ctx context.Context, content []byte, ruleCtx rules.Context, correlationID string, dryRun bool, useRuleEngine bool) Outcome {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	state := StateReady
	o.emit(correlationID, state, "processing started")

	state = StateExtracting
	canonical, err := o.fileProcessor.Process(ctx, content)
	if err != nil {
		return o.abort(correlationID, state, fmt.Errorf("file processing: %w", err))
	}

	extractCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	extraction, err := o.extractor.Extract(extractCtx, *canonical)
	cancel()
	if err != nil {
		return o.abort(correlationID, state, fmt.Errorf("data extraction: %w", err))
	}
	o.emit(correlationID, state, fmt.Sprintf("extraction confidence %.2f", extraction.Confidence))

	state = StateCategorizing
	if useRuleEngine && o.ruleCategorizer == nil {
		return o.abort(correlationID, state, model.New(model.KindInvalidInput, "rule-engine pathway requested but no rule categorizer is configured", nil))
	}
	activeCategorizer := o.categorizer
	if useRuleEngine {
		activeCategorizer = o.ruleCategorizer
	}

	catCtx, cancel := context.WithTimeout(ctx, stageTimeout)
	categorized, err := activeCategorizer.Categorize(catCtx, extraction.Receipt, ruleCtx, correlationID)
	cancel()
	if err != nil && !useRuleEngine && o.fallbackToRuleEngine && o.ruleCategorizer != nil {
		o.emit(correlationID, state, fmt.Sprintf("LLM categorization failed (%v); falling back to rule engine", err))
		fallbackCtx, fallbackCancel := context.WithTimeout(ctx, stageTimeout)
		categorized, err = o.ruleCategorizer.Categorize(fallbackCtx, extraction.Receipt, ruleCtx, correlationID)
		fallbackCancel()
	}
	if err != nil {
		return o.abort(correlationID, state, fmt.Errorf("categorization: %w", err))
	}

	state = StateAggregating
	categorized.StageConfidence["extraction"] = extraction.Confidence
	categorized.OverallConfidence = (extraction.Confidence + categorized.OverallConfidence) / 2
	o.emit(correlationID, state, fmt.Sprintf("aggregated %d items, overall confidence %.2f", len(categorized.Items), categorized.OverallConfidence))

	if !dryRun && o.accounting != nil {
		if _, err := o.accounting.PostExpense(ctx, *categorized); err != nil {
			return o.abort(correlationID, state, fmt.Errorf("accounting write: %w", err))
		}
		o.emit(correlationID, state, "posted to accounting system")
	}

	state = StateDone
	o.emit(correlationID, state, "processing complete")

	return Outcome{
		State:                state,
		CorrelationID:        correlationID,
		Result:               categorized,
		ExtractionConfidence: extraction.Confidence,
	}
}

func (o *Orchestrator) abort(correlationID string, state State, err error) Outcome {
	o.emit(correlationID, StateAborted, err.Error())
	return Outcome{State: StateAborted, CorrelationID: correlationID, Err: err}
}

func (o *Orchestrator) emit(correlationID string, state State, message string) {
	if o.auditLogger == nil {
		return
	}
	o.auditLogger.Record(audit.Event{
		CorrelationID: correlationID,
		State:         string(state),
		Message:       message,
	})
}
