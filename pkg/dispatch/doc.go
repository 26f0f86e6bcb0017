// Package dispatch issues batches of requests against the platform under a
// shared concurrency ceiling.
//
// Every URL of a batch becomes its own unit of work, launched immediately.
// Each unit takes a permit from a limiter.Limiter, performs one request
// through a Transport, and gives the permit back. The limiter, not the
// launch, bounds how many requests are in flight at once.
//
// Example usage:
//
//	lim, _ := limiter.New(5)
//	d, _ := dispatch.New[*client.Response](c, lim, logging.NewLogger("batch"))
//	outcomes, err := d.Dispatch(ctx, dispatch.MethodGet, urls, dispatch.CollectAll)
//	for _, o := range outcomes {
//		if o.Failed() {
//			// inspect o.Err
//		}
//	}
//
// Any function can serve as a Transport:
//
//	echo := dispatch.TransportFunc[string](func(ctx context.Context, m dispatch.Method, url string) (string, error) {
//		return string(m) + " " + url, nil
//	})
//	d, _ := dispatch.New[string](echo, lim, zerolog.Nop())
//
// Failure policies:
//   - CollectAll waits for all units and never fails as a whole
//   - FailFast returns the first failure without waiting for the rest;
//     units not yet admitted are abandoned, admitted ones drain in the
//     background and release their permits
//
// Outcomes keep input order. Transport errors are passed through untouched.
package dispatch
