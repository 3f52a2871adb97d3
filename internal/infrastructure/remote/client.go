// Package remote is the gateway to the budgeting service's REST API.
//
// Reads go through a retrying client. Mutations are sent exactly once per
// call; retrying them is the job of the pending operation log, which knows
// whether an earlier attempt may already have been applied.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.ynab.com/v1"

// Config holds gateway settings.
type Config struct {
	BaseURL     string
	AccessToken string

	// Timeout bounds each call including retries.
	Timeout time.Duration

	// RateInterval is the minimum spacing between requests once the burst
	// is used up. Zero disables throttling.
	RateInterval time.Duration
	RateBurst    int

	// FetchRetries is how often a failed read is retried.
	FetchRetries int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultConfig returns the settings used for the production API.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		Timeout:      30 * time.Second,
		RateInterval: 18 * time.Second,
		RateBurst:    20,
		FetchRetries: 3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 10 * time.Second,
	}
}

// Confirmation is the server's answer to an accepted mutation.
type Confirmation struct {
	Transaction     *budget.Transaction
	Allocation      *budget.Allocation
	ServerKnowledge int64
}

// Client talks to the remote API.
type Client struct {
	baseURL  string
	timeout  time.Duration
	fetch    *retryablehttp.Client
	mutate   *retryablehttp.Client
	limiter  *rate.Limiter
	recorder Recorder
	logger   *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = def.RetryWaitMin
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = def.RetryWaitMax
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateInterval > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(cfg.RateInterval), burst)
	}

	c := &Client{
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		limiter: limiter,
		logger:  logger,
		token:   cfg.AccessToken,
	}
	c.fetch = c.newHTTPClient(cfg, cfg.FetchRetries)
	c.mutate = c.newHTTPClient(cfg, 0)
	return c
}

func (c *Client) newHTTPClient(cfg Config, retries int) *retryablehttp.Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = retries
	hc.RetryWaitMin = cfg.RetryWaitMin
	hc.RetryWaitMax = cfg.RetryWaitMax
	hc.Logger = c.logger
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	hc.HTTPClient.Transport = &throttledTransport{next: hc.HTTPClient.Transport, limiter: c.limiter}
	return hc
}

// throttledTransport waits for the shared limiter before every attempt,
// including retries.
type throttledTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

// SetRecorder installs the audit log for API calls.
func (c *Client) SetRecorder(r Recorder) {
	c.recorder = r
}

// SetAccessToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ListBudgets returns the budgets the token can access.
func (c *Client) ListBudgets(ctx context.Context) ([]budget.Budget, error) {
	var resp envelope[budgetsResponse]
	if err := c.do(ctx, callFetch, "", http.MethodGet, "/budgets", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]budget.Budget, 0, len(resp.Data.Budgets))
	for _, b := range resp.Data.Budgets {
		out = append(out, b.toDomain())
	}
	return out, nil
}

// FetchFull downloads the whole budget. The cursor for later delta fetches
// is the snapshot's ServerKnowledge.
func (c *Client) FetchFull(ctx context.Context, budgetID string) (*budget.Snapshot, error) {
	var resp envelope[budgetDetailResponse]
	if err := c.do(ctx, callFetch, budgetID, http.MethodGet, budgetPath(budgetID), nil, &resp); err != nil {
		return nil, err
	}
	snap, err := resp.Data.toSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to decode budget %s: %w", budgetID, err)
	}
	if snap.Budget.ID == "" {
		snap.Budget.ID = budgetID
	}
	return snap, nil
}

// FetchDelta downloads the entities changed since cursor. It returns
// budget.ErrCursorInvalid when the server no longer accepts the cursor.
func (c *Client) FetchDelta(ctx context.Context, budgetID string, cursor int64) (*budget.Delta, error) {
	path := budgetPath(budgetID) + "?last_knowledge_of_server=" + strconv.FormatInt(cursor, 10)
	var resp envelope[budgetDetailResponse]
	if err := c.do(ctx, callDelta, budgetID, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	d, err := resp.Data.toDelta()
	if err != nil {
		return nil, fmt.Errorf("failed to decode budget %s: %w", budgetID, err)
	}
	return d, nil
}

// SubmitCreate creates a transaction. The returned entity carries the
// server id.
func (c *Client) SubmitCreate(ctx context.Context, budgetID string, t budget.Transaction) (*Confirmation, error) {
	req := saveTransactionRequest{Transaction: fromTransaction(t)}
	return c.submitTransaction(ctx, budgetID, http.MethodPost, budgetPath(budgetID)+"/transactions", req)
}

// SubmitUpdate replaces a transaction.
func (c *Client) SubmitUpdate(ctx context.Context, budgetID string, t budget.Transaction) (*Confirmation, error) {
	if t.ID.IsTemporary() || t.ID.IsZero() {
		return nil, fmt.Errorf("%w: update needs a server id, got %q", budget.ErrInvalidMutation, t.ID)
	}
	req := saveTransactionRequest{Transaction: fromTransaction(t)}
	return c.submitTransaction(ctx, budgetID, http.MethodPut, transactionPath(budgetID, t.ID.Server), req)
}

// SubmitDelete deletes a transaction.
func (c *Client) SubmitDelete(ctx context.Context, budgetID, id string) (*Confirmation, error) {
	return c.submitTransaction(ctx, budgetID, http.MethodDelete, transactionPath(budgetID, id), nil)
}

func (c *Client) submitTransaction(ctx context.Context, budgetID, method, path string, payload any) (*Confirmation, error) {
	var resp envelope[transactionResponse]
	if err := c.do(ctx, callMutation, budgetID, method, path, payload, &resp); err != nil {
		return nil, err
	}
	t := resp.Data.Transaction.toDomain(nil)
	return &Confirmation{Transaction: &t, ServerKnowledge: resp.Data.ServerKnowledge}, nil
}

// SubmitAllocation sets the budgeted amount of a category for a month.
func (c *Client) SubmitAllocation(ctx context.Context, budgetID string, a budget.Allocation) (*Confirmation, error) {
	monthKey, err := budget.NormalizeMonth(a.Month)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", budget.ErrInvalidMutation, err)
	}
	path := fmt.Sprintf("%s/months/%s-01/categories/%s", budgetPath(budgetID), monthKey, url.PathEscape(a.CategoryID))
	req := saveMonthCategoryRequest{Category: saveMonthCategory{Budgeted: int64(a.Budgeted)}}

	var resp envelope[categoryResponse]
	if err := c.do(ctx, callMutation, budgetID, http.MethodPatch, path, req, &resp); err != nil {
		return nil, err
	}
	alloc := resp.Data.Category.toAllocation(monthKey)
	return &Confirmation{Allocation: &alloc, ServerKnowledge: resp.Data.ServerKnowledge}, nil
}

type callKind int

const (
	callFetch callKind = iota
	callDelta
	callMutation
)

func (c *Client) do(ctx context.Context, kind callKind, budgetID, method, path string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody []byte
	var raw any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = data
		raw = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, raw)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.fetch
	if kind == callMutation {
		hc = c.mutate
	}

	start := time.Now()
	var status int
	var respBody []byte
	resp, err := hc.Do(req)
	if err == nil {
		status = resp.StatusCode
		respBody, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
	}
	duration := time.Since(start)

	callErr := classify(kind, status, respBody, err)
	c.audit(ctx, budgetID, method, path, status, reqBody, respBody, callErr, duration)

	c.logger.Debug("api call",
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", duration.Milliseconds(),
	)

	if callErr != nil {
		return callErr
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func budgetPath(budgetID string) string {
	return "/budgets/" + url.PathEscape(budgetID)
}

func transactionPath(budgetID, id string) string {
	return budgetPath(budgetID) + "/transactions/" + url.PathEscape(id)
}
