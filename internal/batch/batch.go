// Package batch implements C11, the batch driver: recursive/glob directory
// walk, content-hash dedup, bounded-parallelism processing, progress
// reporting, and resumable re-runs keyed off the audit log. See
// spec.md §4.11.
package batch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/craexpense/receipt-processor/internal/audit"
	"github.com/craexpense/receipt-processor/internal/orchestrator"
	"github.com/craexpense/receipt-processor/internal/rules"
)

// supportedExtensions mirrors the formats C1 recognizes by magic bytes;
// used only to cheaply pre-filter the directory walk before a file is
// opened and actually sniffed.
var supportedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".pdf": true,
}

// Progress reports one batch's advancement; ETA is estimated linearly
// from the elapsed time and the count processed so far.
type Progress struct {
	Current int
	Total   int
	ETA     time.Duration
}

// Options configures one Run call.
type Options struct {
	Recursive     bool
	Pattern       string // glob, e.g. "*.pdf"; empty matches every supported extension
	Parallel      int    // default 1, per spec.md §5
	ContinueOnErr bool   // false (the zero value) aborts the batch on the first per-file failure; true processes every file regardless
	BatchID       string // supplied to resume a prior run; empty generates a fresh one
	AuditDir      string // directory containing audit/YYYYMMDD.log, for resume lookups
	DryRun        bool   // suppress every file's accounting write
	RulesOnly     bool   // use the deterministic rule-engine pathway (C5) instead of the LLM+RAG pathway (C7) for every file
}

// FileResult is the outcome of processing one file within a batch.
type FileResult struct {
	Path          string
	CorrelationID string
	Skipped       bool // true if skipped as a duplicate or already-completed resume
	Outcome       orchestrator.Outcome
	Err           error
}

// Driver walks a directory and runs every matching file through an
// Orchestrator, respecting Options. See spec.md §4.11.
type Driver struct {
	orchestrator *orchestrator.Orchestrator
}

// NewDriver constructs a Driver around an already-configured Orchestrator.
func NewDriver(o *orchestrator.Orchestrator) *Driver {
	return &Driver{orchestrator: o}
}

// Run walks dir applying opts, reporting Progress on progressCh (if
// non-nil; Run never blocks if the caller doesn't drain it promptly
// beyond a small buffer), and returns every file's result plus the batch
// ID used (echoing opts.BatchID when resuming, or the freshly generated
// one otherwise) so the caller can print it for a later --resume).
func (d *Driver) Run(ctx context.Context, dir string, ruleCtx rules.Context, opts Options, progressCh chan<- Progress) (batchID string, results []FileResult, err error) {
	batchID = opts.BatchID
	if batchID == "" {
		batchID = fmt.Sprintf("batch-%d", time.Now().UnixNano())
	}

	parallel := opts.Parallel
	if parallel < 1 {
		parallel = 1
	}

	files, err := discover(dir, opts.Recursive, opts.Pattern)
	if err != nil {
		return batchID, nil, fmt.Errorf("discover files: %w", err)
	}

	var completed map[string]bool
	if opts.AuditDir != "" {
		completed, err = audit.CompletedCorrelationIDs(opts.AuditDir)
		if err != nil {
			return batchID, nil, fmt.Errorf("read audit log for resume: %w", err)
		}
	}

	dedup := &dedupTracker{seen: make(map[uint64]string)}
	results = make([]FileResult, len(files))

	var mu sync.Mutex
	processedCount := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	start := time.Now()

	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			result := d.processOne(gctx, path, batchID, i, ruleCtx, opts.DryRun, opts.RulesOnly, completed, dedup)
			results[i] = result

			mu.Lock()
			processedCount++
			current := processedCount
			mu.Unlock()

			if progressCh != nil {
				elapsed := time.Since(start)
				perFile := elapsed / time.Duration(current)
				eta := perFile * time.Duration(len(files)-current)
				select {
				case progressCh <- Progress{Current: current, Total: len(files), ETA: eta}:
				default:
				}
			}

			if result.Err != nil && !opts.ContinueOnErr {
				return result.Err
			}
			return nil
		})
	}

	runErr := g.Wait()
	return batchID, results, runErr
}

// dedupTracker guards the content-hash-to-path map against concurrent
// workers, independently of the (possibly slow) orchestrator call that
// follows a dedup check.
type dedupTracker struct {
	mu   sync.Mutex
	seen map[uint64]string
}

// claim records hash as owned by path and returns the path that already
// claimed it, if any.
func (t *dedupTracker) claim(hash uint64, path string) (dupOf string, isDup bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.seen[hash]; ok {
		return existing, true
	}
	t.seen[hash] = path
	return "", false
}

func (d *Driver) processOne(ctx context.Context, path, batchID string, index int, ruleCtx rules.Context, dryRun bool, rulesOnly bool, completed map[string]bool, dedup *dedupTracker) FileResult {
	content, err := os.ReadFile(path)
	if err != nil {
		return FileResult{Path: path, Err: fmt.Errorf("read %s: %w", path, err)}
	}

	hash := xxhash.Sum64(content)
	if dupOf, isDup := dedup.claim(hash, path); isDup {
		return FileResult{Path: path, Skipped: true, Err: fmt.Errorf("duplicate of %s", dupOf)}
	}

	correlationID := fmt.Sprintf("%s-%d", batchID, index)
	if completed[correlationID] {
		return FileResult{Path: path, CorrelationID: correlationID, Skipped: true}
	}

	outcome := d.orchestrator.Process(ctx, content, ruleCtx, correlationID, dryRun, rulesOnly)
	var procErr error
	if outcome.Err != nil {
		procErr = fmt.Errorf("%s: %w", path, outcome.Err)
	}
	return FileResult{Path: path, CorrelationID: correlationID, Outcome: outcome, Err: procErr}
}

// discover walks dir, optionally recursively, and returns files whose
// extension is supported and (if pattern is non-empty) whose basename
// matches the glob.
func discover(dir string, recursive bool, pattern string) ([]string, error) {
	var matches []string

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		if pattern != "" {
			ok, err := doublestar.Match(pattern, filepath.Base(path))
			if err != nil || !ok {
				return nil
			}
		}
		matches = append(matches, path)
		return nil
	}

	if err := filepath.WalkDir(dir, walkFn); err != nil {
		return nil, err
	}
	return matches, nil
}
