// Package accounting implements C9, the token-gated HTTP client that turns
// a CategorizedReceipt into a Purchase record in an external accounting
// system. See spec.md §4.9.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/craexpense/receipt-processor/internal/cache"
	"github.com/craexpense/receipt-processor/internal/model"
	"github.com/craexpense/receipt-processor/internal/oauthmgr"
	"github.com/craexpense/receipt-processor/internal/ratelimit"
)

// defaultExpenseAccountName is used when a categorized line's Category has
// no matching account in the chart of accounts, rather than failing the
// whole post.
const defaultExpenseAccountName = "Uncategorized Expense"

// lookupTTL is how long vendor and account lookups are cached, per C4.
const lookupTTL = 15 * time.Minute

// maxRetryAfter bounds how long the client will honor a 429's
// Retry-After hint before giving up rather than stalling the caller.
const maxRetryAfter = 30 * time.Second

// Vendor is a counterparty record looked up or created in the accounting
// system.
type Vendor struct {
	ID   string `json:"id"`
	Name string `json:"display_name"`
}

// Account is an expense or payment account in the accounting system's
// chart of accounts.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"account_type"`
}

// Purchase is the record created for one categorized receipt.
type Purchase struct {
	ID            string          `json:"id,omitempty"`
	VendorID      string          `json:"vendor_id"`
	PaymentAcctID string          `json:"payment_account_id"`
	TxnDate       string          `json:"txn_date"`
	CorrelationID string          `json:"correlation_id"`
	Lines         []PurchaseLine  `json:"lines"`
}

// PurchaseLine is one expense-category line on a Purchase.
type PurchaseLine struct {
	ExpenseAcctID string `json:"expense_account_id"`
	Description   string `json:"description"`
	Amount        string `json:"amount"`
}

// authTransport injects the current bearer token on every outbound
// request, in the same style as llm.visionHeaderTransport: a thin
// RoundTripper wrapper rather than a bespoke HTTP call site per method.
type authTransport struct {
	manager *oauthmgr.Manager
	base    http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.manager.GetValidAccessToken(req.Context())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Client is the accounting API client. One call obtains its access token
// from the oauth manager before every request; vendor and account lookups
// are read through an in-process TTL cache. See spec.md §4.9.
type Client struct {
	httpClient *http.Client
	manager    *oauthmgr.Manager
	baseURL    string
	cache      *cache.Cache
}

// NewClient constructs a Client. baseURL is the accounting API's root,
// e.g. "https://quickbooks.api.intuit.com/v3/company/<id>". limiter may be
// nil to leave the client unthrottled by C3.
func NewClient(manager *oauthmgr.Manager, baseURL string, limiter *ratelimit.Limiter) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &authTransport{
				manager: manager,
				base:    &ratelimit.Transport{Limiter: limiter, Base: http.DefaultTransport},
			},
		},
		manager: manager,
		baseURL: baseURL,
		cache:   cache.New(lookupTTL),
	}
}

// LookupVendor resolves a vendor by name, through the cache. See spec.md §4.9.
func (c *Client) LookupVendor(ctx context.Context, name string) (*Vendor, error) {
	v, err := c.cache.GetOrLoad(ctx, "vendor:"+name, func(ctx context.Context) (any, error) {
		var v Vendor
		if err := c.doWithRetry(ctx, http.MethodGet, "/vendors?name="+url.QueryEscape(name), nil, &v); err != nil {
			return nil, err
		}
		return &v, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Vendor), nil
}

// ExpenseAccounts lists the expense accounts available for categorization,
// through the cache. See spec.md §4.9.
func (c *Client) ExpenseAccounts(ctx context.Context) ([]Account, error) {
	v, err := c.cache.GetOrLoad(ctx, "expense-accounts", func(ctx context.Context) (any, error) {
		var accts []Account
		if err := c.doWithRetry(ctx, http.MethodGet, "/accounts?classification=expense", nil, &accts); err != nil {
			return nil, err
		}
		return accts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Account), nil
}

// PaymentAccounts lists the payment accounts (bank, credit card) a
// Purchase can be posted against, through the cache. See spec.md §4.9.
func (c *Client) PaymentAccounts(ctx context.Context) ([]Account, error) {
	v, err := c.cache.GetOrLoad(ctx, "payment-accounts", func(ctx context.Context) (any, error) {
		var accts []Account
		if err := c.doWithRetry(ctx, http.MethodGet, "/accounts?classification=payment", nil, &accts); err != nil {
			return nil, err
		}
		return accts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Account), nil
}

// CreatePurchase posts a Purchase record. Write operations are never
// retried beyond the 401/5xx handling doWithRetry already applies; a
// duplicate-write risk on a transient failure is the caller's to resolve
// by re-querying on CorrelationID, rather than this client silently
// reissuing the write. See spec.md §4.9.
func (c *Client) CreatePurchase(ctx context.Context, p Purchase) (*Purchase, error) {
	var created Purchase
	if err := c.doWithRetry(ctx, http.MethodPost, "/purchases", p, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// PostExpense turns a categorized receipt into a Purchase and creates it in
// the accounting system: it resolves the vendor by name, maps each line
// item's category to the best-matching expense account, and posts against
// the first available payment account. See spec.md §4.8/§4.9.
func (c *Client) PostExpense(ctx context.Context, cr model.CategorizedReceipt) (*Purchase, error) {
	vendor, err := c.LookupVendor(ctx, cr.Receipt.Vendor.Name)
	if err != nil {
		return nil, fmt.Errorf("resolve vendor: %w", err)
	}

	expenseAccounts, err := c.ExpenseAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list expense accounts: %w", err)
	}

	paymentAccounts, err := c.PaymentAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list payment accounts: %w", err)
	}
	if len(paymentAccounts) == 0 {
		return nil, model.New(model.KindUpstreamUnavailable, "no payment accounts configured in accounting system", nil)
	}

	lines := make([]PurchaseLine, 0, len(cr.Items))
	for _, item := range cr.Items {
		lines = append(lines, PurchaseLine{
			ExpenseAcctID: matchExpenseAccount(expenseAccounts, item.Category).ID,
			Description:   item.OriginalDescription,
			Amount:        item.DeductibleAmount.String(),
		})
	}

	purchase := Purchase{
		VendorID:      vendor.ID,
		PaymentAcctID: paymentAccounts[0].ID,
		TxnDate:       cr.Receipt.TransactionDate.Format("2006-01-02"),
		CorrelationID: cr.CorrelationID,
		Lines:         lines,
	}
	return c.CreatePurchase(ctx, purchase)
}

// matchExpenseAccount finds the account whose name equals category's string
// form, case-insensitively, falling back to defaultExpenseAccountName and
// finally to the first listed account so a post never fails for want of an
// exact chart-of-accounts match.
func matchExpenseAccount(accounts []Account, category model.Category) Account {
	var fallback Account
	for _, a := range accounts {
		if strings.EqualFold(a.Name, string(category)) {
			return a
		}
		if strings.EqualFold(a.Name, defaultExpenseAccountName) {
			fallback = a
		}
	}
	if fallback.ID != "" {
		return fallback
	}
	if len(accounts) > 0 {
		return accounts[0]
	}
	return Account{}
}

// doWithRetry issues one request, applying the 401 / 429 / 5xx retry
// policy from spec.md §4.9: a 401 forces an unconditional token refresh
// and retries once, a 429 honors Retry-After (bounded to 30s) and
// retries once (except for a POST, which surfaces KindRateLimited without
// a retry), and a 5xx retries once after a flat 1s backoff. Any
// further failure beyond that single retry surfaces to the caller.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		c.manager.Invalidate()
		resp2, err := c.do(ctx, method, path, body)
		if err != nil {
			return err
		}
		defer resp2.Body.Close()
		if resp2.StatusCode == http.StatusUnauthorized {
			return model.New(model.KindAuthExpired, "accounting API rejected refreshed token", nil)
		}
		return decodeOrError(resp2, out)

	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfterDuration(resp.Header.Get("Retry-After"))
		io.Copy(io.Discard, resp.Body)
		if method == http.MethodPost {
			return model.New(model.KindRateLimited, "accounting API rate limited a write; not retried", nil)
		}
		select {
		case <-ctx.Done():
			return model.New(model.KindCanceled, "canceled while waiting on rate limit", ctx.Err())
		case <-time.After(wait):
		}
		resp2, err := c.do(ctx, method, path, body)
		if err != nil {
			return err
		}
		defer resp2.Body.Close()
		if resp2.StatusCode == http.StatusTooManyRequests {
			return model.New(model.KindRateLimited, "accounting API rate limit exceeded after retry", nil)
		}
		return decodeOrError(resp2, out)

	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		select {
		case <-ctx.Done():
			return model.New(model.KindCanceled, "canceled while backing off from 5xx", ctx.Err())
		case <-time.After(1 * time.Second):
		}
		resp2, err := c.do(ctx, method, path, body)
		if err != nil {
			return err
		}
		defer resp2.Body.Close()
		return decodeOrError(resp2, out)
	}

	return decodeOrError(resp, out)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.New(model.KindUpstreamUnavailable, "accounting API request failed", err)
	}
	return resp, nil
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return model.New(model.KindUpstreamUnavailable, fmt.Sprintf("accounting API returned %d: %s", resp.StatusCode, string(body)), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode accounting API response: %w", err)
	}
	return nil
}

// retryAfterDuration parses a Retry-After header (seconds form) and
// clamps it to maxRetryAfter, per spec.md §4.9.
func retryAfterDuration(header string) time.Duration {
	if header == "" {
		return maxRetryAfter
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return maxRetryAfter
	}
	d := time.Duration(seconds) * time.Second
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
