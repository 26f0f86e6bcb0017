package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for request pacing.
var (
	rateLimitCooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikidot_rate_limit_cooldowns_total",
		Help: "Total number of cooldowns started by throttling responses",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wikidot_rate_limit_blocks_total",
		Help: "Total number of requests refused during a cooldown",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wikidot_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a token bucket slot",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
	})
)

// ErrCoolingDown is returned by Wait while the platform asked us to back off.
var ErrCoolingDown = errors.New("platform cooldown active")

// Tracker paces requests and tracks cooldowns requested by the platform.
type Tracker struct {
	limiter *rate.Limiter // nil when pacing is disabled
	logger  zerolog.Logger

	mu    sync.RWMutex
	state State

	now func() time.Time
}

// NewTracker creates a tracker allowing requestsPerSecond requests per
// second with a burst of the same size. Zero disables pacing.
func NewTracker(requestsPerSecond int, logger zerolog.Logger) (*Tracker, error) {
	if requestsPerSecond < 0 {
		return nil, fmt.Errorf("requests per second must not be negative (got %d)", requestsPerSecond)
	}

	t := &Tracker{
		logger: logger,
		state:  State{IsHealthy: true},
		now:    time.Now,
	}
	if requestsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
	return t, nil
}

// State returns a snapshot of the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.state
	s.UpdateHealth(t.now())
	return s
}

// Wait blocks until the token bucket admits one request. It fails with
// ErrCoolingDown, without waiting, while a cooldown is active.
func (t *Tracker) Wait(ctx context.Context) error {
	state := t.State()
	if state.InCooldown(t.now()) {
		rateLimitBlocksTotal.Inc()
		t.logger.Warn().
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Platform cooldown active - refusing request")
		return fmt.Errorf("%w for %s", ErrCoolingDown, state.TimeUntilReset().Round(time.Second))
	}

	if t.limiter == nil {
		return nil
	}

	start := t.now()
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}
	rateLimitWaitSeconds.Observe(t.now().Sub(start).Seconds())
	return nil
}

// UpdateFromResponse records a response. 429 and 503 start a cooldown taken
// from Retry-After (delta-seconds or HTTP date), clamped to MaxCooldown.
// A malformed Retry-After still starts a DefaultCooldown and is reported.
func (t *Tracker) UpdateFromResponse(statusCode int, headers http.Header) error {
	now := t.now()

	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusServiceUnavailable {
		t.mu.Lock()
		t.state.LastStatus = statusCode
		t.state.LastUpdate = now
		t.state.UpdateHealth(now)
		t.mu.Unlock()
		return nil
	}

	cooldown, parseErr := parseRetryAfter(headers.Get("Retry-After"), now)
	if cooldown > MaxCooldown {
		cooldown = MaxCooldown
	}

	t.mu.Lock()
	until := now.Add(cooldown)
	if until.After(t.state.CooldownUntil) {
		t.state.CooldownUntil = until
	}
	t.state.LastStatus = statusCode
	t.state.LastUpdate = now
	t.state.UpdateHealth(now)
	state := t.state
	t.mu.Unlock()

	rateLimitCooldownsTotal.Inc()
	t.logger.Warn().
		Int("status_code", statusCode).
		Dur("cooldown", cooldown).
		Time("cooldown_until", state.CooldownUntil).
		Msg("Platform throttling - cooldown started")

	if parseErr != nil {
		return fmt.Errorf("parse Retry-After header: %w", parseErr)
	}
	return nil
}

// parseRetryAfter returns DefaultCooldown for an empty or malformed value.
func parseRetryAfter(value string, now time.Time) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultCooldown, nil
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return DefaultCooldown, fmt.Errorf("negative delay %d", secs)
		}
		return time.Duration(secs) * time.Second, nil
	}

	when, err := http.ParseTime(value)
	if err != nil {
		return DefaultCooldown, err
	}
	if d := when.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}
