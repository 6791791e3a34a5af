// Package reqflow manages the lifecycle of remote requests on the client side
// and binds their outcomes to reactive state cells:
//
//   - Immutable method descriptors with a deterministic identity key
//   - Two-tier response cache (memory + optional durable store) with
//     fresh and placeholder modes
//   - Single-flight dispatch: concurrent identical requests share one
//     transport call and are aborted only when every holder aborts
//   - Request sites (UseRequest) exposing data / loading / error / progress
//   - Watchers that re-send when their inputs change, with optional debounce
//   - Fetchers that bypass the cache and push results into bound sites
//   - Success / error / complete event hubs
//   - HTTP adapter with retries, circuit breaker, rate limiting and middleware
//   - Prometheus or DogStatsD metrics and zerolog structured logging
//
// Typical usage:
//
//	client, err := reqflow.New(
//	    reqflow.WithBaseURL("https://api.example.com"),
//	    reqflow.WithDefaultCachePolicy(reqflow.CacheFor(time.Minute)),
//	)
//	if err != nil {
//	    return err
//	}
//	todos := client.UseRequest(func(args ...any) (*reqflow.Method, error) {
//	    return reqflow.Get("/todos", reqflow.WithParam("page", 1))
//	})
//	todos.OnSuccess(func(ev reqflow.Event) { fmt.Println(ev.Data) })
//
// State cells default to reactive.Ref; plug a UI framework in through
// WithStatesHook. Cell subscribers run on the goroutine that writes the cell
// and must not call back into the same site synchronously.
package reqflow
