package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jogardn/marketplace-orders/internal/circuitbreaker"
	"github.com/jogardn/marketplace-orders/internal/metrics"
	"github.com/sirupsen/logrus"
)

const (
	OpCheckout = "midtrans.checkout"
	OpStatus   = "midtrans.status"

	settledStatusCode        = "200"
	settledTransactionStatus = "settlement"
)

// Error is returned for every failed gateway interaction.
type Error struct {
	Op         string
	StatusCode int
	Messages   []string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("gateway ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " returned status %d", e.StatusCode)
	}
	if len(e.Messages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Messages, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Checkout struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

type Status struct {
	StatusCode        string `json:"status_code"`
	TransactionStatus string `json:"transaction_status"`
	SettlementTime    string `json:"settlement_time"`
}

// Settled reports whether the gateway confirmed the payment has cleared.
func (s Status) Settled() bool {
	return s.StatusCode == settledStatusCode &&
		s.TransactionStatus == settledTransactionStatus &&
		s.SettlementTime != ""
}

type Config struct {
	// SnapURL hosts /snap/v1/transactions.
	SnapURL string
	// APIURL hosts /v2/{order_id}/status.
	APIURL    string
	ServerKey string
	Timeout   time.Duration
}

type Client struct {
	snapURL    string
	apiURL     string
	authHeader string
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

func NewClient(cfg Config, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		snapURL:    strings.TrimRight(cfg.SnapURL, "/"),
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		authHeader: BasicAuth(cfg.ServerKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breakers: breakers,
		metrics:  m,
		logger:   logger,
	}
}

// BasicAuth builds the Authorization header value: the server key is the
// username and the password is empty.
func BasicAuth(serverKey string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(serverKey+":"))
}

// OpenCheckout creates a Snap transaction for the order. It is never retried.
func (c *Client) OpenCheckout(ctx context.Context, orderID string, amount int64) (Checkout, error) {
	c.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"amount":   amount,
	}).Info("Opening checkout session with payment gateway")

	payload := map[string]interface{}{
		"transaction_details": map[string]interface{}{
			"order_id":     orderID,
			"gross_amount": amount,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Checkout{}, &Error{Op: OpCheckout, Err: fmt.Errorf("failed to marshal checkout request: %w", err)}
	}

	var checkout Checkout
	err = c.do(ctx, OpCheckout, http.MethodPost, c.snapURL+"/snap/v1/transactions", body, &checkout)
	if err != nil {
		return Checkout{}, err
	}
	if checkout.Token == "" || checkout.RedirectURL == "" {
		return Checkout{}, &Error{Op: OpCheckout, Err: errors.New("response missing token or redirect_url")}
	}

	c.logger.WithField("order_id", orderID).Info("Checkout session opened")
	return checkout, nil
}

// CheckStatus polls the gateway for the transaction belonging to orderID.
func (c *Client) CheckStatus(ctx context.Context, orderID string) (Status, error) {
	var status Status
	endpoint := c.apiURL + "/v2/" + url.PathEscape(orderID) + "/status"
	if err := c.do(ctx, OpStatus, http.MethodGet, endpoint, nil, &status); err != nil {
		return Status{}, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":           orderID,
		"status_code":        status.StatusCode,
		"transaction_status": status.TransactionStatus,
	}).Debug("Retrieved transaction status from payment gateway")
	return status, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte, out interface{}) error {
	start := time.Now()
	call := func(ctx context.Context) error {
		return c.roundTrip(ctx, op, method, endpoint, body, out)
	}

	var err error
	if c.breakers != nil {
		err = c.breaker(op).Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	c.metrics.ObserveGateway(op, err, time.Since(start))

	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return &Error{Op: op, Err: err}
}

// breaker returns the operation's breaker. Unless configured otherwise, it
// only counts errors that say the gateway itself is unhealthy.
func (c *Client) breaker(op string) *circuitbreaker.CircuitBreaker {
	config := c.breakers.Defaults()
	if config.IsFailure == nil {
		config.IsFailure = countsAgainstBreaker
	}
	return c.breakers.GetOrCreate(op, config)
}

// countsAgainstBreaker is false for requests the gateway rejected as
// invalid; those would fail the same way against a healthy gateway.
func countsAgainstBreaker(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.StatusCode >= 400 && gwErr.StatusCode < 500 &&
		gwErr.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return true
}

func (c *Client) roundTrip(ctx context.Context, op, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to send request to payment gateway: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure struct {
			ErrorMessages []string `json:"error_messages"`
		}
		_ = json.Unmarshal(raw, &failure)
		return &Error{Op: op, StatusCode: resp.StatusCode, Messages: failure.ErrorMessages}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
