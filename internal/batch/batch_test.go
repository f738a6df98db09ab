package batch_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craexpense/receipt-processor/internal/audit"
	"github.com/craexpense/receipt-processor/internal/batch"
	"github.com/craexpense/receipt-processor/internal/fileproc"
	"github.com/craexpense/receipt-processor/internal/llm"
	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/orchestrator"
	"github.com/craexpense/receipt-processor/internal/rules"
)

type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, img fileproc.CanonicalImage) (*llm.ExtractionResult, error) {
	return &llm.ExtractionResult{Receipt: model.Receipt{Vendor: model.Party{Name: "Test Vendor"}}, Confidence: 0.9}, nil
}

type fakeCategorizer struct{}

func (fakeCategorizer) Categorize(ctx context.Context, receipt model.Receipt, ruleCtx rules.Context, correlationID string) (*model.CategorizedReceipt, error) {
	return &model.CategorizedReceipt{Receipt: receipt, StageConfidence: map[string]float64{}, CorrelationID: correlationID}, nil
}

func writeTestPNG(t *testing.T, path string, seed byte) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: seed, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func newTestDriver() *batch.Driver {
	o := orchestrator.New(fileproc.NewProcessor(), fakeExtractor{}, fakeCategorizer{}, fakeCategorizer{}, nil, nil)
	return batch.NewDriver(o)
}

func TestDriver_Run_ProcessesAllDiscoveredFiles(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "a.png"), 1)
	writeTestPNG(t, filepath.Join(dir, "b.png"), 2)
	os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not a receipt"), 0o644)

	d := newTestDriver()
	batchID, results, err := d.Run(context.Background(), dir, rules.Context{}, batch.Options{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, batchID)
	assert.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.False(t, r.Skipped)
		assert.Equal(t, orchestrator.StateDone, r.Outcome.State)
	}
}

func TestDriver_Run_SkipsDuplicateContent(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "a.png"), 9)
	writeTestPNG(t, filepath.Join(dir, "a-copy.png"), 9)

	d := newTestDriver()
	_, results, err := d.Run(context.Background(), dir, rules.Context{}, batch.Options{ContinueOnErr: true}, nil)
	require.NoError(t, err)

	skipped := 0
	for _, r := range results {
		if r.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestDriver_Run_NonRecursiveSkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "top.png"), 3)
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeTestPNG(t, filepath.Join(sub, "nested.png"), 4)

	d := newTestDriver()
	_, results, err := d.Run(context.Background(), dir, rules.Context{}, batch.Options{Recursive: false}, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestDriver_Run_RecursiveIncludesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "top.png"), 5)
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeTestPNG(t, filepath.Join(sub, "nested.png"), 6)

	d := newTestDriver()
	_, results, err := d.Run(context.Background(), dir, rules.Context{}, batch.Options{Recursive: true}, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestDriver_Run_ResumeSkipsAlreadyCompletedFiles(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "a.png"), 7)

	auditDir := t.TempDir()
	logger, err := audit.NewLogger(auditDir)
	require.NoError(t, err)
	logger.Record(audit.Event{CorrelationID: "resume-batch-0", State: "DONE", Message: "processing complete"})
	require.NoError(t, logger.Close())

	d := newTestDriver()
	_, results, err := d.Run(context.Background(), dir, rules.Context{}, batch.Options{BatchID: "resume-batch", AuditDir: auditDir}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Skipped)
	assert.Equal(t, "resume-batch-0", results[0].CorrelationID)
}

func TestDriver_Run_ContinueOnErrFalseStopsOnFirstFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.pdf"), []byte("too small"), 0o644))
	writeTestPNG(t, filepath.Join(dir, "ok.png"), 8)

	d := newTestDriver()
	_, _, err := d.Run(context.Background(), dir, rules.Context{}, batch.Options{ContinueOnErr: false, Parallel: 1}, nil)
	require.Error(t, err)
}

func TestDriver_Run_ReportsProgress(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "a.png"), 10)
	writeTestPNG(t, filepath.Join(dir, "b.png"), 11)

	progressCh := make(chan batch.Progress, 10)
	d := newTestDriver()
	_, _, err := d.Run(context.Background(), dir, rules.Context{}, batch.Options{}, progressCh)
	require.NoError(t, err)
	close(progressCh)

	var last batch.Progress
	for p := range progressCh {
		last = p
	}
	assert.Equal(t, 2, last.Total)
}
