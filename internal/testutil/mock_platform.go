// Package testutil provides testing utilities for the wikidot client.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock platform response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockPlatform is a configurable mock wiki server for testing. It records
// every request and the peak number of requests handled at once.
type MockPlatform struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount     int
	conditionalCount int
	lastHeader       http.Header
	paths            []string

	inFlight     int
	peakInFlight int
}

// NewMockPlatform creates and starts a mock platform server.
func NewMockPlatform() *MockPlatform {
	mock := &MockPlatform{
		handlers: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.lastHeader = r.Header.Clone()
		mock.paths = append(mock.paths, r.URL.Path)
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.conditionalCount++
		}
		mock.inFlight++
		if mock.inFlight > mock.peakInFlight {
			mock.peakInFlight = mock.inFlight
		}
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		defer func() {
			mock.mu.Lock()
			mock.inFlight--
			mock.mu.Unlock()
		}()

		if exists {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server base URL.
func (m *MockPlatform) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockPlatform) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockPlatform) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockPlatform) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.conditionalCount = 0
	m.lastHeader = nil
	m.paths = nil
	m.peakInFlight = m.inFlight
}

// SetHandler sets a custom handler for a specific path.
func (m *MockPlatform) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockPlatform) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetPage serves a wiki page with an odate timestamp at /<unixName>.
func (m *MockPlatform) SetPage(unixName string, created time.Time, delay time.Duration) {
	body := fmt.Sprintf(`<html><body><div id="page-content"><h1>%s</h1>`+
		`<span class="odate time_%d format_%%25e%%20%%25b%%20%%25Y">%s</span></div></body></html>`,
		unixName, created.Unix(), created.UTC().Format(time.RFC1123))
	resp := NewPageResponse(body)
	resp.Delay = delay
	m.SetResponse("/"+unixName, resp)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockPlatform) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockPlatform) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conditionalCount
}

// GetLastHeader returns the headers of the most recent request.
func (m *MockPlatform) GetLastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// GetPaths returns the requested paths in arrival order.
func (m *MockPlatform) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.paths...)
}

// GetPeakInFlight returns the highest number of requests served concurrently.
func (m *MockPlatform) GetPeakInFlight() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peakInFlight
}

// defaultHandler answers like a healthy wiki page.
func (m *MockPlatform) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if r.Header.Get("If-None-Match") != "" {
		w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", `"default-etag"`)
	w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`<div id="page-content">ok</div>`))
}

// NewPageResponse creates a standard 200 OK HTML response.
func NewPageResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"ETag":         `"test-etag-123"`,
			"Expires":      time.Now().Add(5 * time.Minute).Format(http.TimeFormat),
			"Content-Type": "text/html; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `<p>The page does not exist.</p>`,
		Headers:    map[string]string{"Content-Type": "text/html; charset=utf-8"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `Too Many Requests`,
		Headers: map[string]string{
			"Retry-After": strconv.Itoa(int(retryAfter.Seconds())),
		},
	}
}

// NewUnavailableResponse creates a 503 Service Unavailable response with a
// Retry-After header.
func NewUnavailableResponse(retryAfter time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `Site is under maintenance`,
		Headers: map[string]string{
			"Retry-After": strconv.Itoa(int(retryAfter.Seconds())),
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `Internal server error`,
	}
}

// NewConditionalHandler creates a handler that responds with 304 when the
// request carries etag in If-None-Match.
func NewConditionalHandler(etag string, data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		if r.Header.Get("If-None-Match") == etag {
			w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.Header().Set("Expires", time.Now().Add(5*time.Minute).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
