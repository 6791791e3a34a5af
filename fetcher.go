package reqflow

import (
	"context"
)

// Fetcher sends arbitrary methods on demand, bypassing the cache and pushing
// results into every live site bound to the same identity. It owns no data
// cell of its own.
type Fetcher struct {
	state *RequestState
}

func (c *Client) newFetcher(cfg hookConfig) *Fetcher {
	return &Fetcher{
		state: c.newState(stateSpec{cfg: cfg, headless: true}),
	}
}

// Fetch sends m with Force and UpdateShared.
func (f *Fetcher) Fetch(ctx context.Context, m *Method) *Invocation {
	if m == nil {
		return f.state.reject(nil, configError("fetch of nil method", ErrNilHandler))
	}
	if err := f.state.ensureOpen(); err != nil {
		return f.state.reject(nil, err)
	}
	return f.state.run(ctx, m, sendOptions{force: true, updateShared: true})
}

// Fetching reports whether any fetch is outstanding.
func (f *Fetcher) Fetching() bool { return f.state.Loading() }

// Error returns the last fetch error.
func (f *Fetcher) Error() error { return f.state.Error() }

// Download returns the latest download progress.
func (f *Fetcher) Download() Progress { return f.state.Download() }

// Upload returns the latest upload progress.
func (f *Fetcher) Upload() Progress { return f.state.Upload() }

// FetchingCell exposes the fetching cell for framework bindings.
func (f *Fetcher) FetchingCell() Cell { return f.state.loading }

// OnSuccess registers a success handler.
func (f *Fetcher) OnSuccess(fn func(Event)) { f.state.OnSuccess(fn) }

// OnError registers an error handler.
func (f *Fetcher) OnError(fn func(Event)) { f.state.OnError(fn) }

// OnComplete registers a completion handler.
func (f *Fetcher) OnComplete(fn func(Event)) { f.state.OnComplete(fn) }

// Abort aborts every outstanding fetch.
func (f *Fetcher) Abort() { f.state.Abort() }

// Close aborts outstanding fetches; later fetches fail.
func (f *Fetcher) Close() { f.state.Close() }
