package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Method is an HTTP verb the dispatcher is allowed to issue.
type Method string

const (
	// MethodGet issues GET requests.
	MethodGet Method = http.MethodGet

	// MethodPost issues POST requests.
	MethodPost Method = http.MethodPost
)

// Valid reports whether m is one of the supported verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost:
		return true
	default:
		return false
	}
}

// ParseMethod converts a case-insensitive verb into a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
	}
	return m, nil
}

// FailurePolicy selects how per-URL failures shape the batch outcome.
type FailurePolicy int

const (
	// FailFast surfaces the first failure as the outcome of the whole batch.
	FailFast FailurePolicy = iota

	// CollectAll waits for every request and reports each outcome per position.
	CollectAll
)

// String returns the policy name used in config, logs and metrics.
func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case CollectAll:
		return "collect_all"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	return p == FailFast || p == CollectAll
}

// ParseFailurePolicy accepts "fail_fast"/"failfast" and "collect_all"/"collectall",
// ignoring case and dashes.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch norm {
	case "fail_fast", "failfast":
		return FailFast, nil
	case "collect_all", "collectall":
		return CollectAll, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// Outcome is the result for one URL of a batch. Err is nil on success, in
// which case Value holds the response.
type Outcome[T any] struct {
	URL   string
	Value T
	Err   error
}

// Failed reports whether the request for this position failed.
func (o Outcome[T]) Failed() bool {
	return o.Err != nil
}

// Transport performs a single request. Implementations must be safe for
// concurrent use.
type Transport[T any] interface {
	Send(ctx context.Context, method Method, url string) (T, error)
}

// TransportFunc adapts an ordinary function to Transport.
type TransportFunc[T any] func(ctx context.Context, method Method, url string) (T, error)

// Send implements Transport.
func (f TransportFunc[T]) Send(ctx context.Context, method Method, url string) (T, error) {
	return f(ctx, method, url)
}
