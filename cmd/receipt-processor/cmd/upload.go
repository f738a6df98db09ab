package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/rules"
)

var (
	uploadDryRun   bool
	uploadOutput   string
	uploadVendor   string
	uploadProvince string
	uploadRulesOnly bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Process one receipt",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().BoolVar(&uploadDryRun, "dry-run", false, "suppress the accounting write")
	uploadCmd.Flags().StringVar(&uploadOutput, "output", "text", "output format: text or json")
	uploadCmd.Flags().StringVar(&uploadVendor, "vendor", "", "vendor name, for vendor-qualified CRA rules")
	uploadCmd.Flags().StringVar(&uploadProvince, "province", "", "province code, for province-scoped CRA rules")
	uploadCmd.Flags().BoolVar(&uploadRulesOnly, "rules-only", false, "use the deterministic rule engine instead of the LLM+RAG categorization pathway")
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	content, err := os.ReadFile(args[0])
	if err != nil {
		return &ExitError{Code: 2, Err: fmt.Errorf("read %s: %w", args[0], err)}
	}

	oauthMgr := buildOAuthManager(cfg)
	orch, err := buildOrchestrator(cfg, oauthMgr)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	ruleCtx := rules.Context{Vendor: uploadVendor, Province: uploadProvince}
	outcome := orch.Process(ctx, content, ruleCtx, "", uploadDryRun, uploadRulesOnly)
	if outcome.Err != nil {
		return &ExitError{Code: exitCodeForErr(outcome.Err), Err: outcome.Err}
	}

	if uploadOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome.Result)
	}
	printReceiptText(outcome.Result)
	return nil
}

func printReceiptText(cr *model.CategorizedReceipt) {
	fmt.Printf("Vendor:   %s\n", cr.Receipt.Vendor.Name)
	fmt.Printf("Total:    %s %s\n", cr.Receipt.Total.String(), cr.Receipt.Currency)
	fmt.Printf("Confidence: %.2f\n\n", cr.OverallConfidence)
	for _, item := range cr.Items {
		fmt.Printf("  [%d] %-40s %-30s $%s (%d%% deductible)\n",
			item.LineNumber, item.OriginalDescription, item.Category, item.DeductibleAmount.String(), item.DeductibilityPercent)
	}
	if len(cr.FlagsForReview) > 0 {
		fmt.Println("\nFlagged for review:")
		for _, f := range cr.FlagsForReview {
			fmt.Printf("  - %s\n", f)
		}
	}
}
