package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/craexpense/receipt-processor/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP API server fronting the same processing core as the
upload and batch commands.

The API provides:
  - POST /upload-receipt
  - POST /upload-receipt-agents
  - GET  /auth-status
  - GET  /auth-url
  - GET  /oauth/callback
  - GET  /health`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	srv, err := server.New(cfg)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nshutting down server")
		os.Exit(0)
	}()

	fmt.Printf("listening on :%d\n", cfg.ServerPort)
	if err := srv.Run(); err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	return nil
}
