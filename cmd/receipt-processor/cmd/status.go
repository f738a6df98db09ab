package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report accounting OAuth token validity",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	mgr := buildOAuthManager(cfg)
	status, err := mgr.GetStatus()
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	if !status.Authenticated {
		fmt.Println("not authenticated")
		return &ExitError{Code: 3, Err: fmt.Errorf("no valid token; run `receipt-processor auth`")}
	}

	fmt.Printf("authenticated; expires %s\n", status.ExpiresAt.Format(time.RFC3339))
	return nil
}
