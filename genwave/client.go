// Package genwave talks to the Gen Wave generation backend. Every call is
// signed with the site's license key and shared secret.
package genwave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var ErrNoCredentials = errors.New("genwave: client has no credentials")

// APIError is a non-retryable (or retries exhausted) response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("genwave http %d: %s", e.Status, e.Message) }

// Observer is told about every HTTP attempt. status is 0 on transport errors.
type Observer func(endpoint string, status int, took time.Duration)

type Client struct {
	baseURL    string
	httpc      *http.Client
	limiter    *rate.Limiter
	licenseKey string
	secret     string
	observe    Observer
	now        func() time.Time
	backoff    time.Duration
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithRateLimit caps outbound requests per second. rps <= 0 disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithCredentials(licenseKey, secret string) Option {
	return func(c *Client) {
		c.licenseKey = licenseKey
		c.secret = secret
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observe = o }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
		backoff: 250 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithCredentials returns a copy of c that signs with the given credentials.
// The copy shares the HTTP client and rate limiter.
func (c *Client) WithCredentials(licenseKey, secret string) *Client {
	cp := *c
	cp.licenseKey = licenseKey
	cp.secret = secret
	return &cp
}

func (c *Client) CreateGeneration(ctx context.Context, req GenerationRequest) (*Generation, error) {
	var out Generation
	if err := c.do(ctx, http.MethodPost, "/v1/generations", "create_generation", req.IdempotencyKey, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetGeneration(ctx context.Context, externalID string) (*Generation, error) {
	var out Generation
	path := "/v1/generations/" + url.PathEscape(externalID)
	if err := c.do(ctx, http.MethodGet, path, "get_generation", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelGeneration(ctx context.Context, externalID string) error {
	path := "/v1/generations/" + url.PathEscape(externalID) + "/cancel"
	return c.do(ctx, http.MethodPost, path, "cancel_generation", "", struct{}{}, nil)
}

func (c *Client) GetCredits(ctx context.Context) (*Credits, error) {
	var out Credits
	if err := c.do(ctx, http.MethodGet, "/v1/account/credits", "get_credits", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one call, retrying 429 and 5xx responses. A non-empty key is
// sent as the Idempotency-Key of every attempt.
func (c *Client) do(ctx context.Context, method, path, endpoint, key string, in, out any) error {
	if c.licenseKey == "" || c.secret == "" {
		return ErrNoCredentials
	}

	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", endpoint, err)
		}
		body = b
	}

	// basic retry for 429/5xx
	var last error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		status, err := c.attempt(ctx, method, path, endpoint, key, body, out)
		if err == nil {
			return nil
		}
		last = err
		if status == http.StatusTooManyRequests || status >= 500 {
			continue
		}
		break
	}
	return last
}

func (c *Client) attempt(ctx context.Context, method, path, endpoint, key string, body []byte, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	ts := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderLicense, c.licenseKey)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(c.secret, ts, body))
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}

	start := time.Now()
	res, err := c.httpc.Do(req)
	if err != nil {
		c.report(endpoint, 0, start)
		return 0, err
	}
	defer res.Body.Close()
	c.report(endpoint, res.StatusCode, start)

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, res.Body)
			return res.StatusCode, nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, fmt.Errorf("decode %s: %w", endpoint, err)
		}
		return res.StatusCode, nil
	}

	// capture body message for error clarity
	var msg struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&msg)
	if msg.Message == "" {
		msg.Message = msg.Error
	}
	if msg.Message == "" {
		msg.Message = http.StatusText(res.StatusCode)
	}
	return res.StatusCode, &APIError{Status: res.StatusCode, Message: msg.Message}
}

func (c *Client) report(endpoint string, status int, start time.Time) {
	if c.observe != nil {
		c.observe(endpoint, status, time.Since(start))
	}
}
