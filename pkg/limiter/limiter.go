// Package limiter provides a counting admission gate that bounds the number
// of concurrently executing operations sharing one Limiter.
package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Prometheus metrics for permit usage.
var (
	limiterInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wikidot_limiter_in_flight",
		Help: "Number of permits currently held across all limiters",
	})

	limiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wikidot_limiter_wait_seconds",
		Help:    "Time spent waiting for a permit",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// ErrInvalidCapacity is returned by New when capacity is not positive.
var ErrInvalidCapacity = errors.New("limiter capacity must be positive")

// Limiter hands out at most Capacity permits at a time. Waiters are admitted
// in FIFO order, so a queued caller is never overtaken by later arrivals.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int

	held    atomic.Int64
	waiting atomic.Int64
}

// New creates a Limiter with the given number of permits.
func New(capacity int) (*Limiter, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}, nil
}

// Acquire blocks until a permit is available or ctx is done.
// On success it returns a release func that gives the permit back; calling it
// more than once has no further effect. On failure no permit is held.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	l.waiting.Inc()
	start := time.Now()
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Dec()
	if err != nil {
		return nil, err
	}
	limiterWaitSeconds.Observe(time.Since(start).Seconds())

	l.held.Inc()
	limiterInFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.held.Dec()
			limiterInFlight.Dec()
			l.sem.Release(1)
		})
	}, nil
}

// Do runs fn while holding a permit. The permit is released on every exit
// path of fn, including panics. The error from fn is returned untouched.
//
// If ctx is cancelled while a permit is being granted, the permit is given
// back and fn does not run.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// Capacity returns the fixed number of permits.
func (l *Limiter) Capacity() int {
	return l.capacity
}

// Held returns the number of permits currently held.
// The value may be stale in concurrent contexts.
func (l *Limiter) Held() int {
	return int(l.held.Load())
}

// Waiting returns the number of callers blocked in Acquire.
func (l *Limiter) Waiting() int {
	return int(l.waiting.Load())
}
