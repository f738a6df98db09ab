// Package server implements A5, the HTTP API fronting the same
// orchestrator the CLI and batch driver use. See spec.md §6.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/craexpense/receipt-processor/internal/accounting"
	"github.com/craexpense/receipt-processor/internal/audit"
	"github.com/craexpense/receipt-processor/internal/config"
	"github.com/craexpense/receipt-processor/internal/fileproc"
	"github.com/craexpense/receipt-processor/internal/llm"
	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/oauthmgr"
	"github.com/craexpense/receipt-processor/internal/orchestrator"
	"github.com/craexpense/receipt-processor/internal/rag"
	"github.com/craexpense/receipt-processor/internal/ratelimit"
	"github.com/craexpense/receipt-processor/internal/rules"
)

// accountingProvider names the OAuth grant this core manages; the core
// only ever gates one downstream accounting integration at a time.
const accountingProvider = "accounting"

const uploadTimeout = 2 * time.Minute

// Server is the HTTP API server.
type Server struct {
	cfg          *config.Config
	router       *gin.Engine
	orchestrator *orchestrator.Orchestrator
	oauthMgr     *oauthmgr.Manager
}

// New builds a Server by wiring the full processing stack from cfg: the
// rules engine, the LLM extractor/categorizer (rate-limited per C3), the
// OAuth-gated accounting client, the audit logger, and the orchestrator
// that sequences them. See spec.md §6 and §4.2–§4.10.
func New(cfg *config.Config) (*Server, error) {
	ruleSet, err := rules.LoadFile(cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	engine := rules.NewEngine(ruleSet)

	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("llm api key is required to serve receipt processing")
	}

	llmLimiter, err := ratelimit.New(ratelimit.Config{
		Provider:      "llm",
		StatePath:     filepath.Join(cfg.DataDir, "rate_limiter_llm.json"),
		RPM:           cfg.RateLimitRPM,
		RPD:           cfg.RateLimitRPD,
		ReferenceZone: cfg.RateLimitReferenceZone,
	})
	if err != nil {
		return nil, fmt.Errorf("construct llm rate limiter: %w", err)
	}

	llmOpts := []llm.ClientOption{llm.WithBaseURL(cfg.LLMBaseURL), llm.WithRateLimiter(llmLimiter)}
	if cfg.LLMVisionHeader != "" {
		llmOpts = append(llmOpts, llm.WithVisionHeader(cfg.LLMVisionHeader, cfg.LLMVisionHeaderValue))
	}
	llmClient := llm.NewClient(cfg.LLMAPIKey, llmOpts...)
	extractor := llm.NewExtractor(llmClient, cfg.LLMExtractionModel)

	var searcher rag.Searcher
	if embedded, err := rag.NewEmbeddedSearcher(context.Background(), cfg.LLMAPIKey, cfg.LLMCategorizeModel); err == nil {
		searcher = embedded
	}
	categorizer := llm.NewCategorizer(llmClient, cfg.LLMCategorizeModel, searcher)
	ruleCategorizer := rules.NewCategorizer(engine)

	auditLogger, err := audit.NewLogger(filepath.Join(cfg.DataDir, "audit"))
	if err != nil {
		return nil, fmt.Errorf("construct audit logger: %w", err)
	}

	oauthCfg := oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.OAuthAuthURL,
			TokenURL: cfg.OAuthTokenURL,
		},
		RedirectURL: cfg.OAuthRedirectURL,
	}
	store := oauthmgr.NewStore(filepath.Join(cfg.DataDir, "tokens.json"))
	oauthMgr := oauthmgr.NewManager(accountingProvider, store, oauthCfg)

	// A typed-nil *accounting.Client assigned into the accountingPoster
	// interface parameter would make Orchestrator see a non-nil
	// collaborator it then panics calling; only ever pass a real client or
	// the untyped nil literal.
	var orch *orchestrator.Orchestrator
	if cfg.AccountingBaseURL != "" {
		acctLimiter, err := ratelimit.New(ratelimit.Config{
			Provider:      accountingProvider,
			StatePath:     filepath.Join(cfg.DataDir, "rate_limiter_accounting.json"),
			RPM:           cfg.RateLimitRPM,
			RPD:           cfg.RateLimitRPD,
			ReferenceZone: cfg.RateLimitReferenceZone,
		})
		if err != nil {
			return nil, fmt.Errorf("construct accounting rate limiter: %w", err)
		}
		acctClient := accounting.NewClient(oauthMgr, cfg.AccountingBaseURL, acctLimiter)
		orch = orchestrator.New(fileproc.NewProcessor(), extractor, categorizer, ruleCategorizer, acctClient, auditLogger)
	} else {
		orch = orchestrator.New(fileproc.NewProcessor(), extractor, categorizer, ruleCategorizer, nil, auditLogger)
	}

	return NewFromComponents(cfg, orch, oauthMgr), nil
}

// NewFromComponents builds a Server from already-constructed
// collaborators, bypassing the wiring New performs. Exported so tests and
// alternate entry points (e.g. pkg/receiptlib) can supply fakes or a
// differently configured orchestrator without a live LLM or OAuth
// endpoint.
func NewFromComponents(cfg *config.Config, orch *orchestrator.Orchestrator, oauthMgr *oauthmgr.Manager) *Server {
	if !cfg.ServerDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ServerDebug {
		router.Use(gin.Logger())
	}

	s := &Server{
		cfg:          cfg,
		router:       router,
		orchestrator: orch,
		oauthMgr:     oauthMgr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/upload-receipt", s.handleUpload(false))
	s.router.POST("/upload-receipt-agents", s.handleUpload(true))
	s.router.GET("/auth-status", s.handleAuthStatus)
	s.router.GET("/auth-url", s.handleAuthURL)
	s.router.GET("/oauth/callback", s.handleOAuthCallback)
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.ServerPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: uploadTimeout + 30*time.Second,
	}
	return srv.ListenAndServe()
}

// Handler returns the underlying http.Handler, for embedding in a custom
// server or for use from httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUpload returns the handler for /upload-receipt (useAgents=false,
// the deterministic rule-engine pathway C5) and /upload-receipt-agents
// (useAgents=true, the LLM+RAG CRA-Rules pathway C7). Both read the same
// multipart form and differ only in which categorization pathway the
// orchestrator invokes. See spec.md §6.
func (s *Server) handleUpload(useAgents bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing multipart field \"file\""})
			return
		}

		content, err := readMultipart(fileHeader)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read uploaded file"})
			return
		}

		dryRun := c.PostForm("dry_run") == "true"
		ruleCtx := rules.Context{
			Vendor:   c.PostForm("vendor"),
			Province: c.PostForm("province"),
		}
		correlationID := c.PostForm("correlation_id")

		ctx, cancel := context.WithTimeout(c.Request.Context(), uploadTimeout)
		defer cancel()

		outcome := s.orchestrator.Process(ctx, content, ruleCtx, correlationID, dryRun, !useAgents)
		if outcome.Err != nil {
			writeOutcomeError(c, outcome.Err)
			return
		}

		c.JSON(http.StatusOK, ProcessResponse{
			CorrelationID:        outcome.CorrelationID,
			State:                string(outcome.State),
			Receipt:              outcome.Result,
			ExtractionConfidence: outcome.ExtractionConfidence,
		})
	}
}

func readMultipart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleAuthStatus(c *gin.Context) {
	status, err := s.oauthMgr.GetStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	resp := AuthStatusResponse{Authenticated: status.Authenticated}
	if !status.ExpiresAt.IsZero() {
		resp.ExpiresAt = status.ExpiresAt.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAuthURL(c *gin.Context) {
	state := uuid.NewString()
	c.JSON(http.StatusOK, AuthURLResponse{URL: s.oauthMgr.AuthCodeURL(state)})
}

// handleOAuthCallback completes the authorization-code grant initiated by
// /auth-url. Not itself part of spec.md's documented HTTP surface summary,
// but required for that surface to be usable end-to-end: /auth-url is
// meaningless without somewhere for the provider to redirect back to.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing code query parameter"})
		return
	}
	if err := s.oauthMgr.ExchangeCode(c.Request.Context(), code); err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Kind: model.KindAuthExpired})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "authenticated"})
}

// writeOutcomeError maps a model.Error's Kind to an HTTP status, loosely
// mirroring the Kind-to-exit-code table the CLI uses (spec.md §7): client
// input problems are 4xx, upstream/provider problems are 5xx or 429, and
// an unrecognized error kind falls back to 500.
func writeOutcomeError(c *gin.Context, err error) {
	kind, status := classifyError(err)
	c.JSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func classifyError(err error) (model.Kind, int) {
	var merr *model.Error
	if !errors.As(err, &merr) {
		return "", http.StatusInternalServerError
	}
	return merr.Kind, httpStatusForKind(merr.Kind)
}

func httpStatusForKind(kind model.Kind) int {
	switch kind {
	case model.KindInvalidInput, model.KindUnsupportedFormat, model.KindCorruptedFile:
		return http.StatusBadRequest
	case model.KindExtractionFailed, model.KindCategorizationPartial:
		return http.StatusUnprocessableEntity
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindDailyQuotaExceeded:
		return http.StatusServiceUnavailable
	case model.KindAuthExpired:
		return http.StatusUnauthorized
	case model.KindUpstreamUnavailable:
		return http.StatusBadGateway
	case model.KindCanceled:
		return 499 // client closed request, nginx convention; net/http has no named constant
	default:
		return http.StatusInternalServerError
	}
}
