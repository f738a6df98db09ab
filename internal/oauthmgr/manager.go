package oauthmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/craexpense/receipt-processor/internal/model"
)

// refreshSkew is the margin before actual expiry at which a token is
// treated as already expired, so a call never races a token that dies
// mid-request.
const refreshSkew = 60 * time.Second

// Manager gates every outbound call behind a valid access token for one
// provider, refreshing it across process restarts via the durable Store
// and collapsing concurrent refreshers inside one process via a mutex.
// See spec.md §4.2.
type Manager struct {
	provider string
	store    *Store
	oauth    oauth2.Config
	clock    func() time.Time

	mu      sync.Mutex
	current *TokenBundle
}

// NewManager constructs a Manager for provider, backed by store and the
// given oauth2 client configuration (token endpoint, client credentials).
func NewManager(provider string, store *Store, oauthConfig oauth2.Config) *Manager {
	return &Manager{
		provider: provider,
		store:    store,
		oauth:    oauthConfig,
		clock:    time.Now,
	}
}

// Seed installs an initial bundle obtained out-of-band (e.g. via the CLI
// auth command's authorization-code exchange).
func (m *Manager) Seed(ctx context.Context, bundle TokenBundle) error {
	bundle.Provider = m.provider
	bundle.UpdatedAt = m.clock()
	if err := m.store.Save(bundle); err != nil {
		return model.New(model.KindAuthExpired, "failed to persist initial token bundle", err)
	}

	m.mu.Lock()
	m.current = &bundle
	m.mu.Unlock()
	return nil
}

// GetValidAccessToken returns an access token guaranteed valid for at
// least refreshSkew, refreshing if necessary. Concurrent callers within
// this process block on the same mutex rather than each issuing a refresh
// request; the first one through performs the refresh and the rest observe
// its result. See spec.md §4.2 and S4.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		loaded, err := m.store.Load(m.provider)
		if err != nil {
			return "", model.New(model.KindAuthExpired, "failed to load token bundle", err)
		}
		if loaded == nil {
			return "", model.New(model.KindAuthExpired, "no token bundle on disk; run auth first", nil)
		}
		m.current = loaded
	}

	if m.clock().Before(m.current.ExpiresAt.Add(-refreshSkew)) {
		return m.current.AccessToken, nil
	}

	return m.refreshLocked(ctx)
}

// refreshLocked performs the refresh grant exchange. Callers must hold m.mu.
func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	source := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: m.current.RefreshToken})
	fresh, err := source.Token()
	if err != nil {
		return "", model.New(model.KindAuthExpired, "refresh token exchange failed", err)
	}

	refreshToken := fresh.RefreshToken
	if refreshToken == "" {
		// provider did not rotate the refresh token; keep the existing one
		refreshToken = m.current.RefreshToken
	}

	bundle := TokenBundle{
		Provider:     m.provider,
		AccessToken:  fresh.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    fresh.Expiry,
		UpdatedAt:    m.clock(),
	}
	if err := m.store.Save(bundle); err != nil {
		return "", model.New(model.KindAuthExpired, "failed to persist refreshed token bundle", err)
	}

	m.current = &bundle
	return bundle.AccessToken, nil
}

// AuthCodeURL builds the authorization-code redirect URL for the initial
// OAuth grant, carrying state as CSRF protection for the callback.
func (m *Manager) AuthCodeURL(state string) string {
	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode completes the authorization-code grant: it exchanges code
// for a token pair and persists the result as this provider's bundle,
// exactly as Seed would for an out-of-band bundle.
func (m *Manager) ExchangeCode(ctx context.Context, code string) error {
	token, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return model.New(model.KindAuthExpired, "authorization code exchange failed", err)
	}
	return m.Seed(ctx, TokenBundle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	})
}

// Status reports whether a token bundle is on disk and, if so, whether it
// is currently valid (its expiry is still in the future; refreshSkew is not
// applied here) without attempting a
// refresh. Used by the read-only auth-status endpoint so checking status
// never itself consumes a refresh grant.
type Status struct {
	Authenticated bool
	ExpiresAt     time.Time
}

func (m *Manager) GetStatus() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		loaded, err := m.store.Load(m.provider)
		if err != nil {
			return Status{}, fmt.Errorf("load token bundle: %w", err)
		}
		if loaded == nil {
			return Status{}, nil
		}
		m.current = loaded
	}

	return Status{
		Authenticated: m.clock().Before(m.current.ExpiresAt),
		ExpiresAt:     m.current.ExpiresAt,
	}, nil
}

// Invalidate clears the in-memory cached bundle, forcing the next
// GetValidAccessToken call to reload from disk and, if still expired,
// refresh. Used after an accounting-client 401 indicates the cached token
// was revoked out of band.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}
