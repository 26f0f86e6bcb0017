// Package client provides the HTTP client for the platform with request
// pacing, response caching, error classification and batch dispatch.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/wikidot-client/pkg/cache"
	"github.com/Sternrassler/wikidot-client/pkg/dispatch"
	"github.com/Sternrassler/wikidot-client/pkg/limiter"
	"github.com/Sternrassler/wikidot-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikidot_requests_total",
		Help: "Total platform requests by host and status",
	}, []string{"host", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wikidot_request_duration_seconds",
		Help:    "Platform request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikidot_errors_total",
		Help: "Total failed platform requests by class",
	}, []string{"class"})
)

// Client talks to the platform over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	throttle   *ratelimit.Tracker
	cache      *cache.Manager // nil when caching is disabled
	limiter    *limiter.Limiter
	batch      *dispatch.Dispatcher[*Response]
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Redis enables the response cache. Nil disables caching.
	Redis *redis.Client

	// User-Agent header sent with every request (REQUIRED).
	UserAgent string

	// BaseURL resolves relative request URLs, e.g. "https://www.wikidot.com".
	BaseURL string

	// RateLimit is the number of requests per second (0 = unpaced).
	RateLimit int

	// MaxConcurrency bounds in-flight batch requests.
	MaxConcurrency int

	// Timeout applies to every single request.
	Timeout time.Duration

	// CacheTTL is used for responses that carry neither max-age nor Expires.
	CacheTTL time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		Redis:          redis,
		UserAgent:      userAgent,
		BaseURL:        "https://www.wikidot.com",
		RateLimit:      10,
		MaxConcurrency: 10,
		Timeout:        30 * time.Second,
		CacheTTL:       5 * time.Minute,
	}
}

// Response is a fully read platform response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// FromCache reports whether the response was served from the cache.
func (r *Response) FromCache() bool {
	return r.Header.Get(cache.HeaderCache) == "HIT"
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max_concurrency must be > 0 (got %d)", cfg.MaxConcurrency)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	var base *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("base_url must be an absolute http(s) URL (got %q)", cfg.BaseURL)
		}
		base = u
	}

	logger := log.With().Str("component", "wikidot-client").Logger()

	throttle, err := ratelimit.NewTracker(cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	lim, err := limiter.New(cfg.MaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("concurrency limiter: %w", err)
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:  base,
		throttle: throttle,
		limiter:  lim,
		config:   cfg,
		logger:   logger,
	}

	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis)
	}

	batch, err := dispatch.New[*Response](c, lim, logger.With().Str("component", "batch").Logger())
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	c.batch = batch

	return c, nil
}

// Do performs an HTTP request with pacing, caching and error classification.
// A status of 400 or above is returned as *TransportError and the response
// body is closed. No request is retried.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	host := req.URL.Host

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(req.Method).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Pace the request and respect platform cooldowns
	if err := c.throttle.Wait(ctx); err != nil {
		class := ErrorClassNetwork
		if errors.Is(err, ratelimit.ErrCoolingDown) {
			class = ErrorClassRateLimit
			requestsTotal.WithLabelValues(host, "rate_limited").Inc()
		}
		errorsTotal.WithLabelValues(string(class)).Inc()
		return nil, &TransportError{
			Method:     req.Method,
			URL:        req.URL.String(),
			ErrorClass: class,
			Message:    "request not sent",
			Err:        err,
		}
	}

	// Step 2: Check Cache
	var cacheKey cache.Key
	var cachedEntry *cache.Entry
	if c.cache != nil && req.Method == http.MethodGet {
		cacheKey = cache.KeyFromRequest(req)

		entry, err := c.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Cache get error")
		}
		cachedEntry = entry
	}

	// Step 3: Revalidate instead of refetching
	if cache.CanRevalidate(cachedEntry) {
		cache.AddConditionalHeaders(req, cachedEntry)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("url", req.URL.String()).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	// Step 4: Set User-Agent header
	req.Header.Set("User-Agent", c.config.UserAgent)

	// Step 5: Execute HTTP Request
	c.logger.Debug().
		Str("url", req.URL.String()).
		Str("method", req.Method).
		Msg("Executing platform request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("HTTP request failed")
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(host, "network_error").Inc()
		return nil, &TransportError{
			Method:     req.Method,
			URL:        req.URL.String(),
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}
	requestsTotal.WithLabelValues(host, strconv.Itoa(resp.StatusCode)).Inc()

	// Step 6: Track platform throttling
	if err := c.throttle.UpdateFromResponse(resp.StatusCode, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit state from response")
	}

	// Step 7: Handle 304 Not Modified
	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		c.logger.Debug().Str("url", req.URL.String()).Msg("304 Not Modified - using cache")
		cache.NotModifiedResponses.Inc()

		newExpires := cache.ExpiresAt(resp.Header, time.Now(), c.config.CacheTTL)
		if err := c.cache.Refresh(ctx, cacheKey, newExpires); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to refresh cache entry")
		}

		resp.Body.Close()
		return cache.EntryToResponse(cachedEntry, req), nil
	}

	// Step 8: Turn HTTP errors into transport errors
	if resp.StatusCode >= 400 {
		errClass := ClassifyStatus(resp.StatusCode)
		errorsTotal.WithLabelValues(string(errClass)).Inc()

		c.logger.Warn().
			Str("url", req.URL.String()).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Platform request error")

		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &TransportError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
		}
	}

	// Step 9: Update Cache on success
	if c.cache != nil && req.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp, c.config.CacheTTL)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		} else if entry.TTL() > 0 {
			if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			} else {
				c.logger.Debug().
					Str("url", req.URL.String()).
					Dur("ttl", entry.TTL()).
					Msg("Cached response")
			}
		}
	}

	return resp, nil
}

// Send performs one request and reads the whole body. It implements
// dispatch.Transport so batches can be built on top of the client.
func (c *Client) Send(ctx context.Context, method dispatch.Method, rawURL string) (*Response, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, string(method), target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.send(req)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Send(ctx, dispatch.MethodGet, rawURL)
}

// Post performs a POST request with the given body.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body io.Reader) (*Response, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.send(req)
}

// Batch sends one request per URL, at most MaxConcurrency at a time, and
// aggregates the outcomes according to policy.
//
// Pacing and cooldown apply per request. Once any request of the batch is
// answered with 429 or 503, the client enters a cooldown (Retry-After, at
// least DefaultCooldown of package ratelimit) and every request of this or
// any other batch not yet sent fails with ratelimit.ErrCoolingDown without
// reaching the platform. Under CollectAll those positions come back as
// failed outcomes; nothing is retried.
func (c *Client) Batch(ctx context.Context, method dispatch.Method, urls []string, policy dispatch.FailurePolicy) ([]dispatch.Outcome[*Response], error) {
	return c.batch.Dispatch(ctx, method, urls, policy)
}

func (c *Client) send(req *http.Request) (*Response, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	return &Response{
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// resolve turns rawURL into an absolute http(s) URL, resolving relative
// references against BaseURL.
func (c *Client) resolve(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if !u.IsAbs() {
		if c.baseURL == nil {
			return "", fmt.Errorf("%w: relative url %q without base_url", ErrInvalidURL, rawURL)
		}
		u = c.baseURL.ResolveReference(u)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, rawURL)
	}
	return u.String(), nil
}

// BaseURL returns a copy of the configured base URL, or nil when relative
// URLs are not accepted.
func (c *Client) BaseURL() *url.URL {
	if c.baseURL == nil {
		return nil
	}
	u := *c.baseURL
	return &u
}

// Limiter returns the limiter shared by all batches of this client.
func (c *Client) Limiter() *limiter.Limiter {
	return c.limiter
}

// RateLimitState returns the current pacing and cooldown state.
func (c *Client) RateLimitState() ratelimit.State {
	return c.throttle.State()
}

// Ping checks the cache backend. It succeeds when caching is disabled.
func (c *Client) Ping(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Ping(ctx)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
