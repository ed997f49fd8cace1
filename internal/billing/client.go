// Package billing is the HTTP client for the external credit-metering
// service. Consume and refund calls carry idempotency keys so the engine
// can bill at most once per attempt; the service replays the original
// transaction for a duplicate key.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 3
)

// ErrInsufficientCredits is returned on HTTP 402: a domain outcome, not a
// transport failure.
var ErrInsufficientCredits = errors.New("billing: insufficient credits")

// ErrServiceUnavailable is returned after all attempts hit 5xx responses,
// timeouts, or transport errors.
var ErrServiceUnavailable = errors.New("billing: service unavailable")

// StatusError is returned for non-402 4xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("billing: status %d: %s", e.StatusCode, e.Body)
}

// Config holds client settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration // per attempt, default 5s
	MaxRetries int           // attempts, default 3, backoff 1s/2s/4s
}

// Client talks to the billing peer service.
type Client struct {
	baseURL    string
	maxRetries int
	client     *http.Client
	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a billing client from config.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: timeout},
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ConsumeRequest is the payload for a consume or refund call.
type ConsumeRequest struct {
	TenantID       string         `json:"tenant_id"`
	Amount         string         `json:"amount"` // decimal as string
	IdempotencyKey string         `json:"idempotency_key"`
	ReferenceType  string         `json:"reference_type,omitempty"`
	ReferenceID    string         `json:"reference_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Transaction is the billing service's record of a consume or refund.
type Transaction struct {
	TransactionID   string `json:"transaction_id"`
	TenantID        string `json:"tenant_id"`
	TransactionType string `json:"transaction_type"`
	Amount          string `json:"amount"`
	BalanceBefore   string `json:"balance_before"`
	BalanceAfter    string `json:"balance_after"`
	IdempotencyKey  string `json:"idempotency_key"`
	CreatedAt       string `json:"created_at"`
}

// Balance is a tenant's current credit balance.
type Balance struct {
	TenantID    string  `json:"tenant_id"`
	Balance     float64 `json:"balance"`
	LastUpdated string  `json:"last_updated"`
}

// FormatAmount renders a credit amount as the decimal-string wire format.
func FormatAmount(credits float64) string {
	return strconv.FormatFloat(credits, 'f', -1, 64)
}

// ConsumeCredits debits the tenant. Duplicate idempotency keys return the
// original transaction without an additional debit.
func (c *Client) ConsumeCredits(ctx context.Context, req ConsumeRequest) (*Transaction, error) {
	return c.postTransaction(ctx, "/billing/credits/consume", req)
}

// RefundCredits credits the tenant back.
func (c *Client) RefundCredits(ctx context.Context, req ConsumeRequest) (*Transaction, error) {
	return c.postTransaction(ctx, "/billing/credits/refund", req)
}

// GetBalance fetches the tenant's current balance.
func (c *Client) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	var balance Balance
	err := c.doWithRetry(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.baseURL+"/billing/credits/balance/"+tenantID, nil)
		if err != nil {
			return fmt.Errorf("build balance request: %w", err)
		}
		return c.decodeResponse(httpReq, &balance)
	})
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (c *Client) postTransaction(ctx context.Context, path string, req ConsumeRequest) (*Transaction, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal billing request: %w", err)
	}

	var tx Transaction
	err = c.doWithRetry(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build billing request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return c.decodeResponse(httpReq, &tx)
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// decodeResponse executes one attempt and maps the status code to the
// error taxonomy. A retryableError wrapper marks 5xx/transport failures.
func (c *Client) decodeResponse(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return &retryableError{cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &retryableError{cause: fmt.Errorf("read billing response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse billing response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return ErrInsufficientCredits
	case resp.StatusCode >= 500:
		return &retryableError{cause: fmt.Errorf("billing returned %d: %.200s", resp.StatusCode, body)}
	default:
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

type retryableError struct {
	cause error
}

func (e *retryableError) Error() string { return e.cause.Error() }
func (e *retryableError) Unwrap() error { return e.cause }

// doWithRetry runs attempt up to maxRetries times with 1s/2s/4s backoff.
// Only transport failures and 5xx responses are retried; exhaustion maps
// to ErrServiceUnavailable.
func (c *Client) doWithRetry(ctx context.Context, attempt func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			delay := time.Duration(1<<(i-1)) * time.Second
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		err := attempt(ctx)
		if err == nil {
			return nil
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrServiceUnavailable, lastErr)
}
