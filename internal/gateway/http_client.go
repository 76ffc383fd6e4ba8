package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hireloop/payments/internal/circuitbreaker"
	"github.com/hireloop/payments/internal/money"
	"github.com/hireloop/payments/internal/retry"
)

// DefaultBaseURL is the Razorpay REST API.
const DefaultBaseURL = "https://api.razorpay.com/v1"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Config configures the HTTP gateway client.
type Config struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Timeout   time.Duration // per attempt
}

// HTTPClient talks to a Razorpay-compatible REST API with basic auth.
// Unavailable responses are retried with backoff; each endpoint has its
// own circuit breaker so a failing payouts API does not block checkout.
type HTTPClient struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
}

// NewHTTPClient creates a new gateway client.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.GatewayPolicy,
		logger:  logger,
	}
}

// WithRetryPolicy overrides the retry policy.
func (c *HTTPClient) WithRetryPolicy(p retry.Policy) *HTTPClient {
	c.policy = p
	return c
}

// WithBreaker overrides the circuit breaker.
func (c *HTTPClient) WithBreaker(b *circuitbreaker.Breaker) *HTTPClient {
	c.breaker = b
	return c
}

func (c *HTTPClient) KeyID() string { return c.cfg.KeyID }

type orderBody struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// CreateOrder handles POST /orders
func (c *HTTPClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	var out Order
	err := c.call(ctx, "create_order", http.MethodPost, "/orders", nil, orderBody{
		Amount:   money.ToMinor(req.Amount),
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type refundBody struct {
	Amount  int64  `json:"amount"`
	Receipt string `json:"receipt,omitempty"`
}

// RefundPayment handles POST /payments/:id/refund
func (c *HTTPClient) RefundPayment(ctx context.Context, paymentID string, amount decimal.Decimal, receipt string) (*Refund, error) {
	var out Refund
	path := "/payments/" + url.PathEscape(paymentID) + "/refund"
	err := c.call(ctx, "refund", http.MethodPost, path, nil, refundBody{
		Amount:  money.ToMinor(amount),
		Receipt: receipt,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type payoutBody struct {
	ReferenceID string      `json:"reference_id"`
	Amount      int64       `json:"amount"`
	Currency    string      `json:"currency"`
	Mode        string      `json:"mode"`
	Purpose     string      `json:"purpose"`
	FundAccount fundAccount `json:"fund_account"`
}

type fundAccount struct {
	AccountType string       `json:"account_type"`
	BankAccount *bankAccount `json:"bank_account,omitempty"`
	VPA         *vpa         `json:"vpa,omitempty"`
}

type bankAccount struct {
	Name          string `json:"name"`
	IFSC          string `json:"ifsc"`
	AccountNumber string `json:"account_number"`
}

type vpa struct {
	Address string `json:"address"`
}

type payoutResponse struct {
	ID            string `json:"id"`
	ReferenceID   string `json:"reference_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

// Transfer handles POST /payouts. The reference doubles as the
// idempotency key, so a retried transfer is not paid twice.
func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	body := payoutBody{
		ReferenceID: req.Reference,
		Amount:      money.ToMinor(req.Amount),
		Currency:    req.Currency,
		Purpose:     "payout",
	}
	switch req.Method {
	case MethodUPI:
		body.Mode = "UPI"
		body.FundAccount = fundAccount{AccountType: "vpa", VPA: &vpa{Address: req.Destination.UPIID}}
	case MethodBankTransfer:
		body.Mode = "IMPS"
		body.FundAccount = fundAccount{AccountType: "bank_account", BankAccount: &bankAccount{
			Name:          req.Destination.AccountHolder,
			IFSC:          req.Destination.IFSC,
			AccountNumber: req.Destination.AccountNumber,
		}}
	default:
		return nil, &DeclinedError{Status: http.StatusBadRequest, Code: "BAD_REQUEST_ERROR", Description: "unsupported transfer method " + req.Method}
	}

	var out payoutResponse
	headers := map[string]string{"X-Payout-Idempotency": req.Reference}
	if err := c.call(ctx, "transfer", http.MethodPost, "/payouts", headers, body, &out); err != nil {
		return nil, err
	}
	return &Transfer{
		ID:            out.ID,
		Reference:     out.ReferenceID,
		Status:        transferStatus(out.Status),
		FailureReason: out.FailureReason,
	}, nil
}

func transferStatus(s string) string {
	switch s {
	case "processed":
		return TransferProcessed
	case "reversed", "rejected", "cancelled", "failed":
		return TransferFailed
	default:
		return TransferPending
	}
}

// call runs one logical request with retries and the endpoint's breaker.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, headers map[string]string, in, out any) (err error) {
	start := time.Now()
	defer func() { observe(op, start, err) }()

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", op, err)
	}

	attempt := 0
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		attempt++
		err := c.breaker.Execute(op, isUnavailable, func() error {
			return c.once(ctx, method, path, headers, payload, out)
		})
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(fmt.Errorf("%w: %s circuit open", ErrUnavailable, op))
		case errors.Is(err, ErrUnavailable):
			c.logger.Warn("gateway call unavailable", "op", op, "attempt", attempt, "error", err)
			return err
		default:
			return retry.Permanent(err)
		}
	})
	if err != nil && !errors.Is(err, ErrUnavailable) &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// Context ended while backing off.
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func isUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

func (c *HTTPClient) once(ctx context.Context, method, path string, headers map[string]string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return declined(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

func declined(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	return &DeclinedError{Status: status, Code: envelope.Error.Code, Description: envelope.Error.Description}
}

var _ Gateway = (*HTTPClient)(nil)
