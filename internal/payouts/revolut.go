package payouts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/taskilo/settlement/internal/circuitbreaker"
	"github.com/taskilo/settlement/internal/config"
	"github.com/taskilo/settlement/internal/retry"
)

const (
	revolutBreakerKey = "revolut-business"
	defaultAttempts   = 3
	defaultBackoff    = 500 * time.Millisecond
)

// zeroDecimal lists ISO 4217 currencies without minor units.
var zeroDecimal = map[string]bool{
	"JPY": true, "KRW": true, "ISK": true, "CLP": true, "VND": true,
}

// RevolutClient sends payouts through the Revolut Business API.
type RevolutClient struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	accountID   string
	breaker     *circuitbreaker.Breaker
	attempts    int
	backoff     time.Duration
}

// NewRevolutClient creates a client from the Revolut configuration.
func NewRevolutClient(cfg config.Revolut) *RevolutClient {
	return &RevolutClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:     strings.TrimRight(cfg.APIURL, "/"),
		accessToken: cfg.AccessToken,
		accountID:   cfg.AccountID,
		breaker:     circuitbreaker.New(5, time.Minute),
		attempts:    defaultAttempts,
		backoff:     defaultBackoff,
	}
}

// WithHTTPClient replaces the HTTP client.
func (c *RevolutClient) WithHTTPClient(hc *http.Client) *RevolutClient {
	c.httpClient = hc
	return c
}

// WithRetry sets the attempt count and base backoff for 5xx responses.
func (c *RevolutClient) WithRetry(attempts int, backoff time.Duration) *RevolutClient {
	c.attempts, c.backoff = attempts, backoff
	return c
}

// WithBreaker replaces the circuit breaker.
func (c *RevolutClient) WithBreaker(b *circuitbreaker.Breaker) *RevolutClient {
	c.breaker = b
	return c
}

type payReceiver struct {
	CounterpartyID string `json:"counterparty_id"`
	AccountID      string `json:"account_id,omitempty"`
}

type payRequest struct {
	RequestID string      `json:"request_id"`
	AccountID string      `json:"account_id"`
	Receiver  payReceiver `json:"receiver"`
	Amount    json.Number `json:"amount"`
	Currency  string      `json:"currency"`
	Reference string      `json:"reference,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// upstreamError is a response the bank may answer differently on retry.
type upstreamError struct {
	status int
	body   string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("revolut: status %d: %s", e.status, e.body)
}

// MajorUnits renders a minor-unit amount as the decimal the API expects.
func MajorUnits(minor int64, currency string) string {
	places := int32(2)
	if zeroDecimal[strings.ToUpper(currency)] {
		places = 0
	}
	return decimal.New(minor, -places).StringFixed(places)
}

// Transfer implements Transferer with POST /pay. Server errors are retried
// and count against the circuit breaker; 4xx answers fail immediately.
func (c *RevolutClient) Transfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	payload, err := json.Marshal(payRequest{
		RequestID: req.RequestID,
		AccountID: c.accountID,
		Receiver: payReceiver{
			CounterpartyID: req.Beneficiary.CounterpartyID,
			AccountID:      req.Beneficiary.AccountID,
		},
		Amount:    json.Number(MajorUnits(req.Amount, req.Currency)),
		Currency:  req.Currency,
		Reference: req.Reference,
	})
	if err != nil {
		return Transfer{}, fmt.Errorf("encode pay request: %w", err)
	}

	var out Transfer
	err = retry.Do(ctx, c.attempts, c.backoff, func() error {
		err := c.breaker.Execute(revolutBreakerKey, countsAgainstBreaker, func() error {
			t, err := c.pay(ctx, payload)
			out = t
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrTransferFailed, err))
		}
		return err
	})
	return out, err
}

func countsAgainstBreaker(err error) bool {
	return !errors.Is(err, ErrTransferRejected)
}

func (c *RevolutClient) pay(ctx context.Context, payload []byte) (Transfer, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pay", bytes.NewReader(payload))
	if err != nil {
		return Transfer{}, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Transfer{}, fmt.Errorf("revolut: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Transfer{}, fmt.Errorf("revolut: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Transfer{}, &upstreamError{status: resp.StatusCode, body: string(body)}
	case resp.StatusCode >= 400:
		var ae apiError
		msg := string(body)
		if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
			msg = ae.Message
		}
		return Transfer{}, retry.Permanent(fmt.Errorf("%w: status %d: %s", ErrTransferRejected, resp.StatusCode, msg))
	}

	var t Transfer
	if err := json.Unmarshal(body, &t); err != nil {
		return Transfer{}, retry.Permanent(fmt.Errorf("revolut: decode response: %w", err))
	}
	if t.ID == "" {
		return Transfer{}, retry.Permanent(errors.New("revolut: response has no transaction id"))
	}
	return t, nil
}
