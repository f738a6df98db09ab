package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/craexpense/receipt-processor/internal/batch"
	"github.com/craexpense/receipt-processor/internal/rules"
)

var (
	batchRecursive bool
	batchPattern   string
	batchDryRun    bool
	batchParallel  int
	batchResume    string
	batchVendor    string
	batchProvince  string
	batchRulesOnly bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Process a directory of receipts",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().BoolVar(&batchRecursive, "recursive", false, "walk subdirectories")
	batchCmd.Flags().StringVar(&batchPattern, "pattern", "", "glob pattern, e.g. *.pdf")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "suppress every file's accounting write")
	batchCmd.Flags().IntVar(&batchParallel, "parallel", 1, "number of files to process concurrently")
	batchCmd.Flags().StringVar(&batchResume, "resume", "", "a prior run's batch ID; its already-completed files are skipped")
	batchCmd.Flags().StringVar(&batchVendor, "vendor", "", "vendor name, for vendor-qualified CRA rules")
	batchCmd.Flags().StringVar(&batchProvince, "province", "", "province code, for province-scoped CRA rules")
	batchCmd.Flags().BoolVar(&batchRulesOnly, "rules-only", false, "use the deterministic rule engine instead of the LLM+RAG categorization pathway")
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	oauthMgr := buildOAuthManager(cfg)
	orch, err := buildOrchestrator(cfg, oauthMgr)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	driver := batch.NewDriver(orch)

	opts := batch.Options{
		Recursive:     batchRecursive,
		Pattern:       batchPattern,
		Parallel:      batchParallel,
		ContinueOnErr: true,
		BatchID:       batchResume,
		AuditDir:      filepath.Join(cfg.DataDir, "audit"),
		DryRun:        batchDryRun,
		RulesOnly:     batchRulesOnly,
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := make(chan struct{})
	go func() {
		<-sigCh
		close(interrupted)
		cancel()
	}()

	progressCh := make(chan batch.Progress, 1)
	go func() {
		for p := range progressCh {
			fmt.Fprintf(os.Stderr, "\r%d/%d files processed", p.Current, p.Total)
		}
	}()

	ruleCtx := rules.Context{Vendor: batchVendor, Province: batchProvince}
	batchID, results, runErr := driver.Run(ctx, args[0], ruleCtx, opts, progressCh)
	close(progressCh)
	fmt.Fprintln(os.Stderr)

	select {
	case <-interrupted:
		fmt.Printf("interrupted; resume with --resume %s\n", batchID)
		return &ExitError{Code: 130, Err: fmt.Errorf("batch interrupted")}
	default:
	}

	if runErr != nil {
		return &ExitError{Code: exitCodeForErr(runErr), Err: runErr}
	}

	var failed int
	for _, r := range results {
		if r.Err != nil && !r.Skipped {
			failed++
			fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", r.Path, r.Err)
		}
	}
	fmt.Printf("batch %s: %d file(s), %d failed\n", batchID, len(results), failed)
	if failed > 0 {
		return &ExitError{Code: 1, Err: fmt.Errorf("%d file(s) failed", failed)}
	}
	return nil
}
