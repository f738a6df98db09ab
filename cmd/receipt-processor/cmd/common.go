package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

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

const accountingProvider = "accounting"

func buildOAuthManager(cfg *config.Config) *oauthmgr.Manager {
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
	return oauthmgr.NewManager(accountingProvider, store, oauthCfg)
}

// buildOrchestrator wires C1/C6/C7/C8/C9 the same way internal/server
// does, for the upload and batch commands. A typed-nil *accounting.Client
// is never assigned into the accountingPoster parameter directly, since
// that would make Orchestrator see a non-nil collaborator it then panics
// calling; the branch below only ever passes a real client or the
// untyped nil literal.
func buildOrchestrator(cfg *config.Config, oauthMgr *oauthmgr.Manager) (*orchestrator.Orchestrator, error) {
	ruleSet, err := rules.LoadFile(cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	engine := rules.NewEngine(ruleSet)

	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("llm api key is required (set RECEIPT_LLM_API_KEY or --llm_api_key)")
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

	if cfg.AccountingBaseURL == "" {
		return orchestrator.New(fileproc.NewProcessor(), extractor, categorizer, ruleCategorizer, nil, auditLogger, orchestrator.WithRuleEngineFallback()), nil
	}

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
	return orchestrator.New(fileproc.NewProcessor(), extractor, categorizer, ruleCategorizer, acctClient, auditLogger, orchestrator.WithRuleEngineFallback()), nil
}

// exitCodeForErr maps a model.Error's Kind to a process exit code per
// spec.md §6's CLI surface table. An error that isn't a *model.Error
// (config load failure, bad flags) is a generic system error.
func exitCodeForErr(err error) int {
	var merr *model.Error
	if !errors.As(err, &merr) {
		return 1
	}
	switch merr.Kind {
	case model.KindInvalidInput, model.KindUnsupportedFormat, model.KindCorruptedFile:
		return 2
	case model.KindAuthExpired:
		return 3
	case model.KindCanceled:
		return 130
	default:
		return 1
	}
}
