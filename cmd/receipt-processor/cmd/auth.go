package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var authForce bool

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authorize the accounting integration and persist tokens",
	Long: `auth runs the OAuth authorization-code grant for the accounting
integration: it prints a URL to open in a browser, starts a local callback
listener on oauth_redirect_url, and exchanges the returned code for a
token bundle persisted to the data directory's tokens.json.`,
	RunE: runAuth,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.Flags().BoolVar(&authForce, "force", false, "re-authorize even if a valid token is already stored")
}

func runAuth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	mgr := buildOAuthManager(cfg)

	if !authForce {
		if status, err := mgr.GetStatus(); err == nil && status.Authenticated {
			fmt.Printf("already authenticated; expires %s\n", status.ExpiresAt.Format(time.RFC3339))
			return nil
		}
	}

	redirectURL, err := url.Parse(cfg.OAuthRedirectURL)
	if err != nil {
		return &ExitError{Code: 1, Err: fmt.Errorf("parse oauth_redirect_url: %w", err)}
	}

	state := uuid.NewString()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(redirectURL.Path, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth callback state mismatch")
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- fmt.Errorf("oauth callback missing code")
			return
		}
		fmt.Fprintln(w, "Authentication complete. You may close this tab.")
		codeCh <- code
	})

	srv := &http.Server{Addr: redirectURL.Host, Handler: mux}
	go srv.ListenAndServe()
	defer srv.Close()

	fmt.Println("Open this URL to authorize receipt-processor:")
	fmt.Println(mgr.AuthCodeURL(state))

	select {
	case code := <-codeCh:
		if err := mgr.ExchangeCode(cmd.Context(), code); err != nil {
			return &ExitError{Code: exitCodeForErr(err), Err: err}
		}
		fmt.Println("authenticated")
		return nil
	case err := <-errCh:
		return &ExitError{Code: 3, Err: err}
	case <-time.After(5 * time.Minute):
		return &ExitError{Code: 3, Err: fmt.Errorf("timed out waiting for the oauth callback")}
	}
}
