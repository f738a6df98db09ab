package orchestrator_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craexpense/receipt-processor/internal/accounting"
	"github.com/craexpense/receipt-processor/internal/audit"
	"github.com/craexpense/receipt-processor/internal/fileproc"
	"github.com/craexpense/receipt-processor/internal/llm"
	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/orchestrator"
	"github.com/craexpense/receipt-processor/internal/rules"
)

type fakeExtractor struct {
	result *llm.ExtractionResult
	err    error
}

func (f *fakeExtractor) Extract(ctx context.Context, img fileproc.CanonicalImage) (*llm.ExtractionResult, error) {
	return f.result, f.err
}

type fakeCategorizer struct {
	result *model.CategorizedReceipt
	err    error
	called bool
}

func (f *fakeCategorizer) Categorize(ctx context.Context, receipt model.Receipt, ruleCtx rules.Context, correlationID string) (*model.CategorizedReceipt, error) {
	f.called = true
	if f.err != nil {
		return nil, f.err
	}
	out := *f.result
	out.Receipt = receipt
	out.CorrelationID = correlationID
	return &out, nil
}

type fakeAccounting struct {
	called bool
	err    error
}

func (f *fakeAccounting) PostExpense(ctx context.Context, cr model.CategorizedReceipt) (*accounting.Purchase, error) {
	f.called = true
	if f.err != nil {
		return nil, f.err
	}
	return &accounting.Purchase{ID: "purchase-1", CorrelationID: cr.CorrelationID}, nil
}

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func sampleReceipt() model.Receipt {
	return model.Receipt{
		Vendor:          model.Party{Name: "Marriott"},
		TransactionDate: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		Currency:        "CAD",
		Subtotal:        decimal.NewFromFloat(100.00),
		TaxAmount:       decimal.NewFromFloat(13.00),
		Total:           decimal.NewFromFloat(113.00),
		Items: []model.LineItem{
			{Number: 1, Description: "Room charge", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromFloat(100.00), TotalPrice: decimal.NewFromFloat(100.00)},
		},
	}
}

func samplePNGContent(t *testing.T) []byte {
	content := encodeTestPNG(t, 64, 48)
	return append(content, bytes.Repeat([]byte{0x00}, 64)...)
}

func TestOrchestrator_Process_HappyPathReachesDone(t *testing.T) {
	dir := t.TempDir()
	auditLogger, err := audit.NewLogger(dir)
	require.NoError(t, err)
	defer auditLogger.Close()

	receipt := sampleReceipt()
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: receipt, Confidence: 0.9}}
	cat := &fakeCategorizer{result: &model.CategorizedReceipt{
		Items:             []model.ProcessedItem{{LineNumber: 1, Category: model.CategoryTravelLodging, DeductibilityPercent: 100}},
		StageConfidence:   map[string]float64{},
		OverallConfidence: 0.8,
	}}
	acct := &fakeAccounting{}

	o := orchestrator.New(fileproc.NewProcessor(), ext, cat, nil, acct, auditLogger)

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{Vendor: "Marriott", Province: "ON"}, "", false, false)

	require.NoError(t, outcome.Err)
	assert.Equal(t, orchestrator.StateDone, outcome.State)
	require.NotEmpty(t, outcome.CorrelationID)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, receipt.Vendor.Name, outcome.Result.Receipt.Vendor.Name)
	assert.Contains(t, outcome.Result.StageConfidence, "extraction")
	assert.True(t, acct.called, "non-dry-run must post to accounting")
}

func TestOrchestrator_Process_DryRunSkipsAccountingWrite(t *testing.T) {
	receipt := sampleReceipt()
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: receipt, Confidence: 0.9}}
	cat := &fakeCategorizer{result: &model.CategorizedReceipt{StageConfidence: map[string]float64{}}}
	acct := &fakeAccounting{}

	o := orchestrator.New(fileproc.NewProcessor(), ext, cat, nil, acct, nil)

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "", true, false)

	require.NoError(t, outcome.Err)
	assert.Equal(t, orchestrator.StateDone, outcome.State)
	assert.False(t, acct.called, "dry-run must never reach the accounting client")
}

func TestOrchestrator_Process_AccountingFailureAborts(t *testing.T) {
	receipt := sampleReceipt()
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: receipt, Confidence: 0.9}}
	cat := &fakeCategorizer{result: &model.CategorizedReceipt{StageConfidence: map[string]float64{}}}
	acct := &fakeAccounting{err: model.New(model.KindUpstreamUnavailable, "accounting API down", nil)}

	o := orchestrator.New(fileproc.NewProcessor(), ext, cat, nil, acct, nil)

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "", false, false)

	require.Error(t, outcome.Err)
	assert.Equal(t, orchestrator.StateAborted, outcome.State)
}

func TestOrchestrator_Process_NilAccountingClientNeverCalled(t *testing.T) {
	receipt := sampleReceipt()
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: receipt, Confidence: 0.9}}
	cat := &fakeCategorizer{result: &model.CategorizedReceipt{StageConfidence: map[string]float64{}}}

	o := orchestrator.New(fileproc.NewProcessor(), ext, cat, nil, nil, nil)

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "", false, false)

	require.NoError(t, outcome.Err)
	assert.Equal(t, orchestrator.StateDone, outcome.State)
}

func TestOrchestrator_Process_FileProcessingFailureAborts(t *testing.T) {
	dir := t.TempDir()
	auditLogger, err := audit.NewLogger(dir)
	require.NoError(t, err)
	defer auditLogger.Close()

	ext := &fakeExtractor{err: errors.New("extractor should never be called")}
	cat := &fakeCategorizer{err: errors.New("categorizer should never be called")}
	o := orchestrator.New(fileproc.NewProcessor(), ext, cat, nil, nil, auditLogger)

	outcome := o.Process(context.Background(), []byte("too small"), rules.Context{}, "", false, false)

	require.Error(t, outcome.Err)
	assert.Equal(t, orchestrator.StateAborted, outcome.State)
	assert.Nil(t, outcome.Result)
}

func TestOrchestrator_Process_ExtractionFailureAborts(t *testing.T) {
	dir := t.TempDir()
	auditLogger, err := audit.NewLogger(dir)
	require.NoError(t, err)
	defer auditLogger.Close()

	ext := &fakeExtractor{err: model.New(model.KindExtractionFailed, "vision extraction failed after retry", nil)}
	cat := &fakeCategorizer{err: errors.New("categorizer should never be called")}
	o := orchestrator.New(fileproc.NewProcessor(), ext, cat, nil, nil, auditLogger)

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "", false, false)

	require.Error(t, outcome.Err)
	assert.Equal(t, orchestrator.StateAborted, outcome.State)
}

func TestOrchestrator_Process_CategorizationFailureAborts(t *testing.T) {
	dir := t.TempDir()
	auditLogger, err := audit.NewLogger(dir)
	require.NoError(t, err)
	defer auditLogger.Close()

	receipt := sampleReceipt()
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: receipt, Confidence: 0.9}}
	cat := &fakeCategorizer{err: errors.New("categorization backend unavailable")}
	o := orchestrator.New(fileproc.NewProcessor(), ext, cat, nil, nil, auditLogger)

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "", false, false)

	require.Error(t, outcome.Err)
	assert.Equal(t, orchestrator.StateAborted, outcome.State)
}

func TestOrchestrator_Process_NoAuditLoggerDoesNotPanic(t *testing.T) {
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: sampleReceipt(), Confidence: 0.9}}
	cat := &fakeCategorizer{result: &model.CategorizedReceipt{StageConfidence: map[string]float64{}}}
	o := orchestrator.New(fileproc.NewProcessor(), ext, cat, nil, nil, nil)

	assert.NotPanics(t, func() {
		o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "", true, false)
	})
}

func TestOrchestrator_Process_UsesCallerSuppliedCorrelationID(t *testing.T) {
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: sampleReceipt(), Confidence: 0.9}}
	cat := &fakeCategorizer{result: &model.CategorizedReceipt{StageConfidence: map[string]float64{}}}
	o := orchestrator.New(fileproc.NewProcessor(), ext, cat, nil, nil, nil)

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "batch-001-file-003", true, false)
	assert.Equal(t, "batch-001-file-003", outcome.CorrelationID)
}

func TestOrchestrator_Process_UseRuleEngineSelectsRuleCategorizerNotLLM(t *testing.T) {
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: sampleReceipt(), Confidence: 0.9}}
	llmCat := &fakeCategorizer{result: &model.CategorizedReceipt{StageConfidence: map[string]float64{}}}
	ruleCat := &fakeCategorizer{result: &model.CategorizedReceipt{StageConfidence: map[string]float64{}}}
	o := orchestrator.New(fileproc.NewProcessor(), ext, llmCat, ruleCat, nil, nil)

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "", true, true)

	require.NoError(t, outcome.Err)
	assert.True(t, ruleCat.called, "useRuleEngine must invoke the rule-engine pathway")
	assert.False(t, llmCat.called, "useRuleEngine must never also invoke the LLM pathway")
}

func TestOrchestrator_Process_UseRuleEngineWithoutRuleCategorizerAborts(t *testing.T) {
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: sampleReceipt(), Confidence: 0.9}}
	llmCat := &fakeCategorizer{result: &model.CategorizedReceipt{StageConfidence: map[string]float64{}}}
	o := orchestrator.New(fileproc.NewProcessor(), ext, llmCat, nil, nil, nil)

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "", true, true)

	require.Error(t, outcome.Err)
	assert.Equal(t, orchestrator.StateAborted, outcome.State)
	assert.False(t, llmCat.called)
}

func TestOrchestrator_Process_DefaultPathwayNeverFallsBackToRuleEngineOnLLMFailure(t *testing.T) {
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: sampleReceipt(), Confidence: 0.9}}
	llmCat := &fakeCategorizer{err: errors.New("categorization backend unavailable")}
	ruleCat := &fakeCategorizer{result: &model.CategorizedReceipt{StageConfidence: map[string]float64{}}}
	o := orchestrator.New(fileproc.NewProcessor(), ext, llmCat, ruleCat, nil, nil)

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "", true, false)

	require.Error(t, outcome.Err)
	assert.False(t, ruleCat.called, "rule-engine fallback on LLM failure is a policy knob, not a default")
}

func TestOrchestrator_Process_WithRuleEngineFallbackOptionReroutesOnLLMFailure(t *testing.T) {
	ext := &fakeExtractor{result: &llm.ExtractionResult{Receipt: sampleReceipt(), Confidence: 0.9}}
	llmCat := &fakeCategorizer{err: errors.New("categorization backend unavailable")}
	ruleCat := &fakeCategorizer{result: &model.CategorizedReceipt{StageConfidence: map[string]float64{}}}
	o := orchestrator.New(fileproc.NewProcessor(), ext, llmCat, ruleCat, nil, nil, orchestrator.WithRuleEngineFallback())

	outcome := o.Process(context.Background(), samplePNGContent(t), rules.Context{}, "", true, false)

	require.NoError(t, outcome.Err)
	assert.Equal(t, orchestrator.StateDone, outcome.State)
	assert.True(t, ruleCat.called)
}
