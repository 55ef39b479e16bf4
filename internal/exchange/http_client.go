package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"order-engine/internal/observability"
)

// Default configuration values.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 200 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
	DefaultBackoffMult = 2.0
	DefaultRateLimit   = 10 // requests per second
	DefaultBurst       = 20
)

// Request headers.
const (
	headerAPIKey    = "X-API-KEY"
	headerTimestamp = "X-TIMESTAMP"
	headerSignature = "X-SIGNATURE"
	headerNonce     = "X-NONCE"
)

// HTTPClient implements Client over a JSON REST API with HMAC-signed requests.
// Reads are retried with exponential backoff; order placement is attempted once
// and left to the dead-letter queue on transient failure.
type HTTPClient struct {
	baseURL     string
	apiKey      string
	secret      []byte
	client      *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	now         func() time.Time
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum retry attempts for reads.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithRateLimit sets the request rate and burst.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *HTTPClient) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new venue client.
func NewHTTPClient(baseURL, apiKey, secret string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:     baseURL,
		apiKey:      apiKey,
		secret:      []byte(secret),
		client:      &http.Client{Timeout: DefaultTimeout},
		limiter:     rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultBurst),
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the venue's error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PlaceOrder submits req once.
func (c *HTTPClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	var ack OrderAck
	start := time.Now()
	err = c.do(ctx, http.MethodPost, "/v1/orders", body, strconv.FormatInt(req.Nonce, 10), &ack)
	observability.RecordExchangeCall("place_order", time.Since(start).Seconds(), Classify(err))
	if err != nil {
		return nil, fmt.Errorf("place order %s: %w", req.ClientOrderID, err)
	}
	return &ack, nil
}

// GetOrder returns the venue's view of an order.
func (c *HTTPClient) GetOrder(ctx context.Context, clientOrderID string) (*OrderAck, error) {
	var ack OrderAck
	start := time.Now()
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(clientOrderID), nil, "", &ack)
	})
	observability.RecordExchangeCall("get_order", time.Since(start).Seconds(), Classify(err))
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", clientOrderID, err)
	}
	return &ack, nil
}

// GetHoldings returns the account's holdings.
func (c *HTTPClient) GetHoldings(ctx context.Context) ([]Holding, error) {
	var holdings []Holding
	start := time.Now()
	err := c.withRetry(ctx, func() error {
		holdings = nil
		return c.do(ctx, http.MethodGet, "/v1/holdings", nil, "", &holdings)
	})
	observability.RecordExchangeCall("get_holdings", time.Since(start).Seconds(), Classify(err))
	if err != nil {
		return nil, fmt.Errorf("get holdings: %w", err)
	}
	return holdings, nil
}

// withRetry retries transient failures with exponential backoff.
func (c *HTTPClient) withRetry(ctx context.Context, fn func() error) error {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		lastErr = fn()
		if lastErr == nil || Classify(lastErr) != "transient" {
			return lastErr
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// do performs one signed request and maps the response to an error class.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, nonce string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerSignature, Sign(c.secret, ts, method, path, body, nonce))
	if nonce != "" {
		req.Header.Set(headerNonce, nonce)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http request: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, errorMessage(respBody))
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return fmt.Errorf("%w: %s", ErrUnknownOrder, errorMessage(respBody))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, errorMessage(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: unmarshal response: %v", ErrTransient, err)
		}
	}
	return nil
}

func errorMessage(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		if e.Code != "" {
			return e.Code + ": " + e.Message
		}
		return e.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

// Sign computes the base64url HMAC-SHA256 of timestamp, method, path, body and nonce.
func Sign(secret []byte, timestamp, method, path string, body []byte, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	mac.Write([]byte(nonce))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
