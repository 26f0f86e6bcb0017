package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/wikidot-client/pkg/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch dispatch.
var (
	batchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikidot_batch_total",
		Help: "Total dispatched batches by policy and result",
	}, []string{"policy", "result"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wikidot_batch_duration_seconds",
		Help:    "Time until a batch returned to the caller",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"policy"})

	batchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wikidot_batch_requests_total",
		Help: "Settled per-URL units of work by outcome",
	}, []string{"outcome"})
)

var (
	// ErrInvalidMethod is returned when a batch names an unsupported verb.
	ErrInvalidMethod = errors.New("invalid method")

	// ErrInvalidPolicy is returned for an unknown FailurePolicy.
	ErrInvalidPolicy = errors.New("invalid failure policy")
)

// Dispatcher runs batches of requests through a shared Limiter.
// It holds no per-batch state, so one Dispatcher may serve concurrent batches.
type Dispatcher[T any] struct {
	transport Transport[T]
	limiter   *limiter.Limiter
	logger    zerolog.Logger
}

// New creates a Dispatcher that sends through transport and admits work
// through lim.
func New[T any](transport Transport[T], lim *limiter.Limiter, logger zerolog.Logger) (*Dispatcher[T], error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if lim == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	return &Dispatcher[T]{
		transport: transport,
		limiter:   lim,
		logger:    logger,
	}, nil
}

// settled carries one finished unit of work back to Dispatch.
type settled[T any] struct {
	index   int
	outcome Outcome[T]
}

// Dispatch sends one request per URL and aggregates the outcomes according
// to policy. Results are positioned as in urls regardless of completion order.
//
// With CollectAll the returned error is nil unless the arguments are invalid;
// callers must inspect every Outcome. With FailFast the first failure is
// returned unchanged as soon as it is observed. Requests already holding a
// permit keep running in the background and release it when they settle.
func (d *Dispatcher[T]) Dispatch(ctx context.Context, method Method, urls []string, policy FailurePolicy) ([]Outcome[T], error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, string(method))
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPolicy, int(policy))
	}

	outcomes := make([]Outcome[T], len(urls))
	if len(urls) == 0 {
		return outcomes, nil
	}

	start := time.Now()
	logger := d.logger.With().
		Str("batch_id", xid.New().String()).
		Str("method", string(method)).
		Str("policy", policy.String()).
		Int("urls", len(urls)).
		Logger()
	logger.Debug().Int("capacity", d.limiter.Capacity()).Msg("Dispatching batch")

	// admitCtx only gates admission. The transport call itself runs on ctx,
	// so work that already holds a permit is never cut short by FailFast.
	admitCtx, abandon := context.WithCancel(ctx)
	defer abandon()

	results := make(chan settled[T], len(urls))
	for i, url := range urls {
		go d.run(ctx, admitCtx, method, i, url, results)
	}

	failed := 0
	for n := 0; n < len(urls); n++ {
		res := <-results
		outcomes[res.index] = res.outcome

		if !res.outcome.Failed() {
			continue
		}
		failed++

		if policy == FailFast {
			abandon()
			batchTotal.WithLabelValues(policy.String(), "failed").Inc()
			batchDuration.WithLabelValues(policy.String()).Observe(time.Since(start).Seconds())
			logger.Warn().
				Err(res.outcome.Err).
				Str("url", res.outcome.URL).
				Int("settled", n+1).
				Dur("duration", time.Since(start)).
				Msg("Batch failed fast")
			return nil, res.outcome.Err
		}
	}

	result := "ok"
	if failed > 0 {
		result = "partial"
	}
	batchTotal.WithLabelValues(policy.String(), result).Inc()
	batchDuration.WithLabelValues(policy.String()).Observe(time.Since(start).Seconds())

	logger.Info().
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Batch complete")

	return outcomes, nil
}

// run executes one unit of work and reports it. results is buffered to the
// batch size, so the send never blocks even after Dispatch has returned.
func (d *Dispatcher[T]) run(ctx, admitCtx context.Context, method Method, index int, url string, results chan<- settled[T]) {
	out := Outcome[T]{URL: url}

	out.Err = d.limiter.Do(admitCtx, func() error {
		v, err := d.transport.Send(ctx, method, url)
		out.Value = v
		return err
	})

	switch {
	case out.Err == nil:
		batchRequestsTotal.WithLabelValues("success").Inc()
	case admitCtx.Err() != nil && ctx.Err() == nil && errors.Is(out.Err, context.Canceled):
		batchRequestsTotal.WithLabelValues("abandoned").Inc()
		d.logger.Debug().Str("url", url).Msg("Request abandoned before admission")
	default:
		batchRequestsTotal.WithLabelValues("failure").Inc()
		d.logger.Debug().Err(out.Err).Str("url", url).Msg("Request failed")
	}

	results <- settled[T]{index: index, outcome: out}
}
