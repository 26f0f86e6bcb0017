package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/wikidot-client/internal/testutil"
	"github.com/Sternrassler/wikidot-client/pkg/dispatch"
	"github.com/Sternrassler/wikidot-client/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

const testUserAgent = "WikidotTest/1.0.0 (test@example.com)"

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

// newTestClient builds an unpaced client against the mock platform.
func newTestClient(t *testing.T, mock *testutil.MockPlatform, redisClient *redis.Client, maxConcurrency int) *Client {
	t.Helper()

	cfg := DefaultConfig(redisClient, testUserAgent)
	cfg.BaseURL = mock.URL()
	cfg.RateLimit = 0
	cfg.MaxConcurrency = maxConcurrency
	cfg.Timeout = 5 * time.Second

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.SetHTTPClient(mock.Client())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:   "valid config without base url",
			mutate: func(c *Config) { c.BaseURL = "" },
		},
		{
			name:     "empty user agent",
			mutate:   func(c *Config) { c.UserAgent = "" },
			errorMsg: "user-agent is required",
		},
		{
			name:     "zero max concurrency",
			mutate:   func(c *Config) { c.MaxConcurrency = 0 },
			errorMsg: "max_concurrency must be > 0 (got 0)",
		},
		{
			name:     "negative max concurrency",
			mutate:   func(c *Config) { c.MaxConcurrency = -3 },
			errorMsg: "max_concurrency must be > 0 (got -3)",
		},
		{
			name:     "zero timeout",
			mutate:   func(c *Config) { c.Timeout = 0 },
			errorMsg: "timeout must be > 0 (got 0s)",
		},
		{
			name:     "non-http base url",
			mutate:   func(c *Config) { c.BaseURL = "ftp://wikidot.com" },
			errorMsg: `base_url must be an absolute http(s) URL (got "ftp://wikidot.com")`,
		},
		{
			name:     "negative rate limit",
			mutate:   func(c *Config) { c.RateLimit = -1 },
			errorMsg: "rate limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(nil, testUserAgent)
			tt.mutate(&cfg)

			client, err := New(cfg)

			if tt.errorMsg != "" {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if client == nil {
				t.Fatal("expected client, got nil")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(nil, "TestApp/1.0")

	if cfg.UserAgent != "TestApp/1.0" {
		t.Errorf("expected user agent 'TestApp/1.0', got %s", cfg.UserAgent)
	}
	if cfg.BaseURL != "https://www.wikidot.com" {
		t.Errorf("expected wikidot base url, got %s", cfg.BaseURL)
	}
	if cfg.RateLimit != 10 {
		t.Errorf("expected RateLimit 10, got %d", cfg.RateLimit)
	}
	if cfg.MaxConcurrency != 10 {
		t.Errorf("expected MaxConcurrency 10, got %d", cfg.MaxConcurrency)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("expected Timeout 30s, got %s", cfg.Timeout)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("expected CacheTTL 5m, got %s", cfg.CacheTTL)
	}
}

func TestGet_UserAgentSet(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	client := newTestClient(t, mock, nil, 2)

	resp, err := client.Get(context.Background(), "/start")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got := mock.GetLastHeader().Get("User-Agent"); got != testUserAgent {
		t.Errorf("expected User-Agent %q, got %q", testUserAgent, got)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "page-content") {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if resp.FromCache() {
		t.Error("response must not be marked as cached when caching is disabled")
	}
}

func TestGet_ResolvesRelativeURLs(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	client := newTestClient(t, mock, nil, 2)

	resp, err := client.Get(context.Background(), "/system:list-all-pages?p=2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	want := mock.URL() + "/system:list-all-pages?p=2"
	if resp.URL != want {
		t.Errorf("expected URL %q, got %q", want, resp.URL)
	}
	if paths := mock.GetPaths(); len(paths) != 1 || paths[0] != "/system:list-all-pages" {
		t.Errorf("unexpected request paths %v", paths)
	}
}

func TestSend_InvalidURL(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	client := newTestClient(t, mock, nil, 2)

	tests := []struct {
		name string
		url  string
	}{
		{"unsupported scheme", "ftp://files.example.com/page"},
		{"unparsable", "http://[::1"},
		{"missing host", "http:///page"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Get(context.Background(), tt.url)
			if !errors.Is(err, ErrInvalidURL) {
				t.Errorf("expected ErrInvalidURL, got %v", err)
			}
		})
	}

	if mock.GetRequestCount() != 0 {
		t.Errorf("invalid urls must not reach the platform, got %d requests", mock.GetRequestCount())
	}
}

func TestSend_RelativeWithoutBaseURL(t *testing.T) {
	cfg := DefaultConfig(nil, testUserAgent)
	cfg.BaseURL = ""
	cfg.RateLimit = 0

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = client.Get(context.Background(), "/start")
	if !errors.Is(err, ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL, got %v", err)
	}
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		response      testutil.MockResponse
		expectedClass ErrorClass
	}{
		{"not found", testutil.NewNotFoundResponse(), ErrorClassClient},
		{"forbidden", testutil.MockResponse{StatusCode: http.StatusForbidden}, ErrorClassClient},
		{"server error", testutil.NewServerErrorResponse(), ErrorClassServer},
		{"bad gateway", testutil.MockResponse{StatusCode: http.StatusBadGateway}, ErrorClassServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockPlatform()
			defer mock.Close()
			mock.SetResponse("/page", tt.response)

			client := newTestClient(t, mock, nil, 2)

			resp, err := client.Get(context.Background(), "/page")
			if resp != nil {
				t.Errorf("expected nil response, got %+v", resp)
			}

			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected *TransportError, got %T: %v", err, err)
			}
			if te.ErrorClass != tt.expectedClass {
				t.Errorf("expected class %s, got %s", tt.expectedClass, te.ErrorClass)
			}
			if te.StatusCode != tt.response.StatusCode {
				t.Errorf("expected status %d, got %d", tt.response.StatusCode, te.StatusCode)
			}
			if te.Method != http.MethodGet {
				t.Errorf("expected method GET, got %s", te.Method)
			}
		})
	}
}

func TestDo_NoRetryOnServerError(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetResponse("/flaky", testutil.NewServerErrorResponse())

	client := newTestClient(t, mock, nil, 2)

	if _, err := client.Get(context.Background(), "/flaky"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("expected exactly 1 request, got %d", mock.GetRequestCount())
	}
}

func TestDo_RateLimitStartsCooldown(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetResponse("/busy", testutil.NewRateLimitResponse(60*time.Second))

	client := newTestClient(t, mock, nil, 2)

	_, err := client.Get(context.Background(), "/busy")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if te.ErrorClass != ErrorClassRateLimit {
		t.Errorf("expected rate_limit class, got %s", te.ErrorClass)
	}

	state := client.RateLimitState()
	if !state.InCooldown(time.Now()) {
		t.Fatal("expected client to be in cooldown after 429")
	}

	// Subsequent requests are refused locally.
	_, err = client.Get(context.Background(), "/other")
	if !errors.Is(err, ratelimit.ErrCoolingDown) {
		t.Errorf("expected ErrCoolingDown, got %v", err)
	}
	if StatusCodeOf(err) != 0 {
		t.Errorf("refused request must carry no status, got %d", StatusCodeOf(err))
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("expected 1 request to reach the platform, got %d", mock.GetRequestCount())
	}
}

func TestBatch_ThrottleRefusesUnsentRequests(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetResponse("/busy", testutil.NewUnavailableResponse(60*time.Second))

	client := newTestClient(t, mock, nil, 1)
	ctx := context.Background()

	urls := []string{"/busy", "/a", "/b", "/c"}
	outcomes, err := client.Batch(ctx, dispatch.MethodGet, urls, dispatch.CollectAll)
	if err != nil {
		t.Fatalf("CollectAll must not fail as a whole: %v", err)
	}

	sent := 0
	for _, o := range outcomes {
		switch {
		case !o.Failed():
			sent++
		case o.URL == "/busy":
			sent++
			if StatusCodeOf(o.Err) != http.StatusServiceUnavailable {
				t.Errorf("expected 503 for /busy, got %v", o.Err)
			}
		case errors.Is(o.Err, ratelimit.ErrCoolingDown):
			// Admitted after the 503; never sent.
		default:
			t.Errorf("unexpected outcome for %s: %v", o.URL, o.Err)
		}
	}
	if mock.GetRequestCount() != sent {
		t.Errorf("expected %d requests to reach the platform, got %d", sent, mock.GetRequestCount())
	}

	// Every position of a later batch is refused locally.
	mock.Reset()
	outcomes, err = client.Batch(ctx, dispatch.MethodGet, urls[1:], dispatch.CollectAll)
	if err != nil {
		t.Fatalf("CollectAll must not fail as a whole: %v", err)
	}
	for _, o := range outcomes {
		if !errors.Is(o.Err, ratelimit.ErrCoolingDown) {
			t.Errorf("expected ErrCoolingDown for %s, got %v", o.URL, o.Err)
		}
	}
	if mock.GetRequestCount() != 0 {
		t.Errorf("expected no requests during cooldown, got %d", mock.GetRequestCount())
	}
	if client.Limiter().Held() != 0 {
		t.Errorf("expected all permits released, got %d held", client.Limiter().Held())
	}
}

func TestDo_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	cfg := DefaultConfig(nil, testUserAgent)
	cfg.RateLimit = 0
	cfg.Timeout = time.Second
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = client.Get(context.Background(), url+"/gone")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if te.ErrorClass != ErrorClassNetwork {
		t.Errorf("expected network class, got %s", te.ErrorClass)
	}
	if te.Err == nil {
		t.Error("expected underlying error to be kept")
	}
}

func TestPost_SendsBody(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	var gotBody, gotType string
	mock.SetHandler("/ajax-module-connector.php", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gotBody = r.FormValue("moduleName")
		gotType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"status":"ok"}`))
	})

	client := newTestClient(t, mock, nil, 2)

	resp, err := client.Post(context.Background(), "/ajax-module-connector.php",
		"application/x-www-form-urlencoded", strings.NewReader("moduleName=list/ListPagesModule"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	if gotBody != "list/ListPagesModule" {
		t.Errorf("unexpected form value %q", gotBody)
	}
	if gotType != "application/x-www-form-urlencoded" {
		t.Errorf("unexpected content type %q", gotType)
	}
	if string(resp.Body) != `{"status":"ok"}` {
		t.Errorf("unexpected body %q", resp.Body)
	}
}

func TestBatch_CollectAllKeepsOrder(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	created := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.SetPage("slow", created, 60*time.Millisecond)
	mock.SetPage("fast", created, 0)
	mock.SetResponse("/missing", testutil.NewNotFoundResponse())
	mock.SetPage("medium", created, 20*time.Millisecond)

	client := newTestClient(t, mock, nil, 2)

	urls := []string{"/slow", "/fast", "/missing", "/medium"}
	out, err := client.Batch(context.Background(), dispatch.MethodGet, urls, dispatch.CollectAll)
	if err != nil {
		t.Fatalf("Batch() error = %v", err)
	}
	if len(out) != len(urls) {
		t.Fatalf("expected %d outcomes, got %d", len(urls), len(out))
	}

	for i, o := range out {
		if o.URL != urls[i] {
			t.Errorf("outcome %d: expected url %s, got %s", i, urls[i], o.URL)
		}
	}

	if out[2].Err == nil || StatusCodeOf(out[2].Err) != http.StatusNotFound {
		t.Errorf("expected 404 for /missing, got %v", out[2].Err)
	}
	for _, i := range []int{0, 1, 3} {
		if out[i].Err != nil {
			t.Errorf("outcome %d: unexpected error %v", i, out[i].Err)
			continue
		}
		if !strings.Contains(string(out[i].Value.Body), fmt.Sprintf("time_%d", created.Unix())) {
			t.Errorf("outcome %d: body does not carry the page timestamp", i)
		}
	}

	if peak := mock.GetPeakInFlight(); peak > 2 {
		t.Errorf("expected at most 2 concurrent requests, got %d", peak)
	}
	if held := client.Limiter().Held(); held != 0 {
		t.Errorf("expected all permits released, %d held", held)
	}
}

func TestBatch_FailFast(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	mock.SetResponse("/broken", testutil.NewServerErrorResponse())
	for i := 0; i < 8; i++ {
		mock.SetPage(fmt.Sprintf("page-%d", i), time.Now(), 30*time.Millisecond)
	}

	client := newTestClient(t, mock, nil, 1)

	urls := []string{"/broken"}
	for i := 0; i < 8; i++ {
		urls = append(urls, fmt.Sprintf("/page-%d", i))
	}

	out, err := client.Batch(context.Background(), dispatch.MethodGet, urls, dispatch.FailFast)
	if out != nil {
		t.Errorf("expected no outcomes on failure, got %d", len(out))
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if te.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", te.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for client.Limiter().Held() != 0 || client.Limiter().Waiting() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("permits were not released after a failed batch")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if mock.GetPeakInFlight() > 1 {
		t.Errorf("expected at most 1 concurrent request, got %d", mock.GetPeakInFlight())
	}
}

func TestBatch_InvalidMethod(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	client := newTestClient(t, mock, nil, 2)

	_, err := client.Batch(context.Background(), dispatch.Method("PUT"), []string{"/a"}, dispatch.CollectAll)
	if !errors.Is(err, dispatch.ErrInvalidMethod) {
		t.Errorf("expected ErrInvalidMethod, got %v", err)
	}
	if mock.GetRequestCount() != 0 {
		t.Errorf("expected no requests, got %d", mock.GetRequestCount())
	}
}

func TestBatch_SharedAcrossCallers(t *testing.T) {
	var current, peak int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&current, 1)
		defer atomic.AddInt64(&current, -1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		w.Write([]byte(r.URL.Path))
	}))
	defer server.Close()

	cfg := DefaultConfig(nil, testUserAgent)
	cfg.BaseURL = server.URL
	cfg.RateLimit = 0
	cfg.MaxConcurrency = 3
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	errs := make(chan error, 3)
	for b := 0; b < 3; b++ {
		go func(b int) {
			urls := make([]string, 6)
			for i := range urls {
				urls[i] = fmt.Sprintf("/b%d-%d", b, i)
			}
			out, err := client.Batch(context.Background(), dispatch.MethodGet, urls, dispatch.CollectAll)
			if err == nil {
				for i, o := range out {
					if o.Err != nil || string(o.Value.Body) != urls[i] {
						err = fmt.Errorf("outcome %d of batch %d: %v", i, b, o.Err)
						break
					}
				}
			}
			errs <- err
		}(b)
	}
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}

	if p := atomic.LoadInt64(&peak); p > 3 {
		t.Errorf("expected at most 3 concurrent requests across batches, got %d", p)
	}
}

func TestDo_CacheRevalidation(t *testing.T) {
	redisClient := setupTestRedis(t)

	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetHandler("/cached-page", testutil.NewConditionalHandler(`"v1"`, "cached body"))

	client := newTestClient(t, mock, redisClient, 2)
	ctx := context.Background()

	first, err := client.Get(ctx, "/cached-page")
	if err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	if first.FromCache() {
		t.Error("first response must come from the platform")
	}

	second, err := client.Get(ctx, "/cached-page")
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if !second.FromCache() {
		t.Error("expected second response to be served from cache after 304")
	}
	if string(second.Body) != "cached body" {
		t.Errorf("expected cached body, got %q", second.Body)
	}
	if mock.GetConditionalCount() != 1 {
		t.Errorf("expected 1 conditional request, got %d", mock.GetConditionalCount())
	}
}

func TestDo_PostIsNotCached(t *testing.T) {
	redisClient := setupTestRedis(t)

	mock := testutil.NewMockPlatform()
	defer mock.Close()
	mock.SetHandler("/form", testutil.NewConditionalHandler(`"v1"`, "form result"))

	client := newTestClient(t, mock, redisClient, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := client.Post(ctx, "/form", "", nil); err != nil {
			t.Fatalf("Post() error = %v", err)
		}
	}
	if mock.GetConditionalCount() != 0 {
		t.Errorf("POST requests must never be revalidated, got %d", mock.GetConditionalCount())
	}

	keys, err := redisClient.Keys(ctx, "wikidot:*").Result()
	if err != nil {
		t.Fatalf("redis keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no cached POST responses, got %v", keys)
	}
}

func TestPing(t *testing.T) {
	mock := testutil.NewMockPlatform()
	defer mock.Close()

	client := newTestClient(t, mock, nil, 1)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping() without cache should succeed, got %v", err)
	}
}
