package reqflow

import (
	"context"
	"net/http"
	"time"
)

// Cell is a reactive slot created by a StatesHook. The engine writes it, the
// host framework observes it.
type Cell interface {
	Get() any
	Set(v any)
}

// StatesHook creates reactive cells for the active UI or state framework.
type StatesHook interface {
	Create(initial any) Cell
}

// Watchable is an observable input a Watcher reacts to.
type Watchable interface {
	Get() any
	Subscribe(fn func(value any)) (unsubscribe func())
}

// Progress reports transferred bytes. Total is zero when unknown.
type Progress struct {
	Loaded int64
	Total  int64
}

// Request is what the transport adapter receives for one Method.
type Request struct {
	Method *Method
	Verb   string
	URL    string
	Header http.Header
	Body   []byte

	OnUpload   func(Progress)
	OnDownload func(Progress)
}

// Response is the raw transport result handed to the transform chain.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Adapter performs the network I/O for a Request. Cancelling ctx aborts the
// transfer; progress must be reported as monotonically non-decreasing.
type Adapter interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// AdapterFunc lets an ordinary function act as an Adapter.
type AdapterFunc func(ctx context.Context, req *Request) (*Response, error)

func (f AdapterFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// DurableStore is the optional persistent cache tier. Values are opaque
// encoded records; expireAt is zero for entries that never expire.
type DurableStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, expireAt time.Time) error
	Remove(ctx context.Context, key string) error
}

// DurableScanner is implemented by durable stores that can enumerate keys,
// which lets predicate invalidation reach persisted entries.
type DurableScanner interface {
	Keys(ctx context.Context) ([]string, error)
}

// MethodHandler builds the Method for one send from its arguments.
type MethodHandler func(args ...any) (*Method, error)

// Static returns a handler that always yields m.
func Static(m *Method) MethodHandler {
	return func(...any) (*Method, error) {
		return m, nil
	}
}

// Transform converts the decoded response data of one Method.
type Transform func(data any, header http.Header) (any, error)

// BeforeRequestFunc may inspect or mutate a request before it is sent.
// Returning an error fails the request without contacting the adapter.
type BeforeRequestFunc func(req *Request) error

// RespondedHooks are instance-level response interceptors. OnSuccess turns a
// raw response into data and replaces the default JSON decoding; OnError may
// rewrite a transport failure.
type RespondedHooks struct {
	OnSuccess func(resp *Response, m *Method) (any, error)
	OnError   func(err error, m *Method) error
}

// Option configures a Client.
type Option func(*Client)
