// Package wheelhouse is a client for the listings metrics REST API. Every
// request is a GET that is retried with exponential backoff while the server
// answers 429; any other error status fails immediately.
package wheelhouse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parquet-go/jsonlite"

	"rmcopilot/internal/payload"
	"rmcopilot/internal/util"
)

// Defaults for the retry policy and transport.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultTimeout     = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512
)

// Version is sent in the User-Agent header.
var Version = "0.1.0"

// Observer receives request outcomes, e.g. for metrics. Both hooks may be nil.
type Observer struct {
	OnResponse func(endpoint string, status int)
	OnRetry    func(endpoint string, attempt int, delay time.Duration)
}

// Client provides access to the listings and metrics endpoints.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxAttempts int
	backoffBase time.Duration
	limiter     *util.RateLimiter
	sleep       util.Sleeper
	observer    Observer
	log         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client. A nil client is
// ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout on a copy of the current HTTP
// client, leaving any client passed to WithHTTPClient untouched.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			return
		}
		hc := http.Client{}
		if c.httpClient != nil {
			hc = *c.httpClient
		}
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// WithRetry sets the attempt budget and the base of the backoff schedule.
func WithRetry(maxAttempts int, backoffBase time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.backoffBase = backoffBase
	}
}

// WithRateLimiter paces outgoing requests.
func WithRateLimiter(rl *util.RateLimiter) Option {
	return func(c *Client) { c.limiter = rl }
}

// WithSleep replaces the backoff sleeper.
func WithSleep(s util.Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithObserver installs request hooks.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a new API client. Trailing slashes on baseURL are
// ignored.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
		sleep:       util.Sleep,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized API root.
func (c *Client) BaseURL() string { return c.baseURL }

// Listings fetches the listings payload from GET /listings.
func (c *Client) Listings(ctx context.Context) (*jsonlite.Value, error) {
	return c.GetJSON(ctx, "/listings", nil)
}

// Metrics fetches one day of metrics for a listing from
// GET /listings/{id}/metrics?start_date=D&end_date=D.
func (c *Client) Metrics(ctx context.Context, listingID string, date time.Time) (*jsonlite.Value, error) {
	day := date.Format(util.DateLayout)
	query := url.Values{}
	query.Set("start_date", day)
	query.Set("end_date", day)
	return c.GetJSON(ctx, "/listings/"+url.PathEscape(listingID)+"/metrics", query)
}

// GetJSON issues GET {base}{path}?{query}, retrying on 429, and returns the
// decoded body.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values) (*jsonlite.Value, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	endpoint := endpointLabel(path)

	var body []byte
	policy := util.RetryPolicy{
		MaxAttempts: c.maxAttempts,
		BaseDelay:   c.backoffBase,
		Retryable:   IsRateLimited,
		Sleep:       c.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.log.Warn("rate limited, backing off",
				"url", u,
				"attempt", attempt,
				"delay", delay,
			)
			if c.observer.OnRetry != nil {
				c.observer.OnRetry(endpoint, attempt, delay)
			}
		},
	}

	err := policy.Do(ctx, func() error {
		b, err := c.get(ctx, endpoint, u)
		body = b
		return err
	})
	if err != nil {
		return nil, err
	}

	v, err := payload.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrDecode, u, err)
	}
	return v, nil
}

// get performs a single attempt.
func (c *Client) get(ctx context.Context, endpoint, u string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "rmcopilot-etl/"+Version)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if c.observer.OnResponse != nil {
		c.observer.OnResponse(endpoint, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Method:     http.MethodGet,
			URL:        u,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", u, err)
	}
	return body, nil
}

// endpointLabel collapses a request path to a low-cardinality name.
func endpointLabel(path string) string {
	switch {
	case path == "/listings":
		return "listings"
	case strings.HasPrefix(path, "/listings/") && strings.HasSuffix(path, "/metrics"):
		return "metrics"
	default:
		return path
	}
}
