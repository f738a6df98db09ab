package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/craexpense/receipt-processor/internal/applog"
	"github.com/craexpense/receipt-processor/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "receipt-processor",
	Short: "Extract, categorize, and post Canadian CRA-deductible receipts",
	Long: `receipt-processor ingests a receipt image or PDF, extracts structured
line-item data with a vision model, applies CRA deduction rules, and posts
the result to an accounting system.

Examples:
  # Authorize the accounting integration
  receipt-processor auth

  # Process one receipt
  receipt-processor upload receipt.jpg --vendor "Marriott" --province ON

  # Process a directory, two files at a time
  receipt-processor batch ./receipts --recursive --parallel 2

  # Serve the HTTP API
  receipt-processor serve`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a .receipt-processor.yaml config file")
	rootCmd.PersistentFlags().String("data_dir", "", "directory for tokens, rate limiter state, and audit logs")
	rootCmd.PersistentFlags().String("log_level", "", "diagnostic log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log_pretty", false, "render diagnostic logs as console text instead of JSON")
	rootCmd.PersistentFlags().String("llm_api_key", "", "vision/text LLM API key (env: RECEIPT_LLM_API_KEY)")
	rootCmd.PersistentFlags().String("llm_base_url", "", "LLM API base URL")
	rootCmd.PersistentFlags().String("rules_path", "", "path to the CRA rules file")
	rootCmd.PersistentFlags().String("accounting_base_url", "", "accounting system API base URL; empty disables the accounting write")
}

// ExitError carries the process exit code a subcommand wants alongside
// its error, since cobra's RunE only ever returns an error. main()
// translates the Kind-to-exit-code table from spec.md §6 this way rather
// than calling os.Exit from deep inside a command, which would skip
// deferred cleanup.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Err)
		return exitErr.Code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, rootCmd.PersistentFlags())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applog.Configure(applog.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	return cfg, nil
}
