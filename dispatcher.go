package reqflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ambiyansyah-risyal/reqflow/internal/singleflight"
)

type progressEvent struct {
	upload   bool
	progress Progress
}

// Dispatcher turns Methods into transport calls. Concurrent dispatches of
// the same sharable identity join one in-flight call; the call is cancelled
// only once every member has aborted. Cache writes and transforms happen once
// per call, inside it.
type Dispatcher struct {
	adapter   Adapter
	group     *singleflight.Group
	baseURL   string
	timeout   time.Duration
	before    BeforeRequestFunc
	responded RespondedHooks
	cache     *CacheStore
	policyFor func(*Method) CachePolicy
	metrics   Recorder
	logger    zerolog.Logger
}

// Handle is one caller's membership in a dispatched call.
type Handle struct {
	call    *singleflight.Call
	method  *Method
	shared  bool
	aborted chan struct{}
	once    sync.Once
	logger  zerolog.Logger
}

// Dispatch starts or joins the transport call for m.
func (d *Dispatcher) Dispatch(ctx context.Context, m *Method) *Handle {
	fn := d.exec(m)

	var (
		call   *singleflight.Call
		shared bool
	)
	if m.Shared() {
		call, shared = d.group.Join(m.Key(), fn)
	} else {
		call = d.group.Start(fn)
	}

	if shared {
		d.metrics.RecordDeduplicationHit(m.Verb(), endpointLabel(m.URL()))
		d.logger.Debug().Str("key", m.Key()).Bool("shared", true).Msg("joined in-flight request")
	}

	h := &Handle{
		call:    call,
		method:  m,
		shared:  shared,
		aborted: make(chan struct{}),
		logger:  d.logger,
	}
	if ctx.Err() != nil {
		h.Abort()
	}
	return h
}

// InFlight returns the number of sharable calls currently in flight.
func (d *Dispatcher) InFlight() int {
	return d.group.InFlight()
}

// Shared reports whether the handle joined an existing call.
func (h *Handle) Shared() bool {
	return h.shared
}

// Done is closed when the underlying call settles.
func (h *Handle) Done() <-chan struct{} {
	return h.call.Done()
}

// Wait blocks until the call settles, the handle is aborted or ctx ends.
// Ending ctx aborts the handle.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.aborted:
		return nil, abortError(h.method, nil)
	default:
	}

	select {
	case <-h.call.Done():
		if h.isAborted() {
			return nil, abortError(h.method, nil)
		}
		return h.call.Result()
	case <-h.aborted:
		return nil, abortError(h.method, nil)
	case <-ctx.Done():
		h.Abort()
		return nil, abortError(h.method, ctx.Err())
	}
}

// Abort withdraws this caller's interest. The transport call is cancelled
// only when no member remains.
func (h *Handle) Abort() {
	h.once.Do(func() {
		close(h.aborted)
		if h.call.Leave() {
			h.logger.Debug().Str("key", h.method.Key()).Msg("last member left, transport cancelled")
		}
	})
}

func (h *Handle) isAborted() bool {
	select {
	case <-h.aborted:
		return true
	default:
		return false
	}
}

// OnDownload subscribes fn to download progress of the call.
func (h *Handle) OnDownload(fn func(Progress)) (unsubscribe func()) {
	return h.subscribe(false, fn)
}

// OnUpload subscribes fn to upload progress of the call.
func (h *Handle) OnUpload(fn func(Progress)) (unsubscribe func()) {
	return h.subscribe(true, fn)
}

func (h *Handle) subscribe(upload bool, fn func(Progress)) func() {
	return h.call.Subscribe(func(ev any) {
		pe, ok := ev.(progressEvent)
		if !ok || pe.upload != upload || h.isAborted() {
			return
		}
		fn(pe.progress)
	})
}

func (d *Dispatcher) exec(m *Method) singleflight.Func {
	return func(ctx context.Context, emit func(any)) (any, error) {
		req, err := d.buildRequest(m)
		if err != nil {
			return nil, err
		}
		req.OnUpload = func(p Progress) { emit(progressEvent{upload: true, progress: p}) }
		req.OnDownload = func(p Progress) { emit(progressEvent{progress: p}) }

		if d.before != nil {
			if err := d.before(req); err != nil {
				return nil, transportError(ErrorTypeRejected, "request rejected before send", err, m)
			}
		}

		timeout := d.timeout
		if m.Timeout() > 0 {
			timeout = m.Timeout()
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		endpoint := endpointLabel(m.URL())
		start := time.Now()
		d.metrics.RecordRequestStart(m.Verb(), endpoint)
		resp, err := d.adapter.Send(ctx, req)
		d.metrics.RecordRequestEnd(m.Verb(), endpoint)
		elapsed := time.Since(start)

		if err != nil {
			err = d.classify(ctx, m, err)
			if d.responded.OnError != nil {
				if rewritten := d.responded.OnError(err, m); rewritten != nil {
					err = rewritten
				}
			}
			typ := ErrorTypeNetwork
			var e *Error
			if errors.As(err, &e) {
				typ = e.Type
			}
			d.metrics.RecordRequest(m.Verb(), endpoint, strings.ToLower(typ), elapsed)
			d.metrics.RecordError(typ, m.Verb(), endpoint)
			d.logger.Debug().Err(err).Str("key", m.Key()).Dur("duration", elapsed).Msg("transport failed")
			return nil, err
		}

		d.metrics.RecordRequest(m.Verb(), endpoint, strconv.Itoa(resp.StatusCode), elapsed)
		d.logger.Debug().Str("key", m.Key()).Int("status", resp.StatusCode).Dur("duration", elapsed).Msg("transport completed")

		data, err := d.decode(m, resp)
		if err != nil {
			var e *Error
			if errors.As(err, &e) {
				d.metrics.RecordError(e.Type, m.Verb(), endpoint)
			}
			return nil, err
		}

		d.cache.Write(m, data, d.policyFor(m))
		return data, nil
	}
}

func (d *Dispatcher) classify(ctx context.Context, m *Method, err error) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Key == "" {
			e.Key = m.Key()
		}
		return err
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return transportError(ErrorTypeTimeout, "request timed out", err, m)
	case errors.Is(ctx.Err(), context.Canceled):
		return abortError(m, err)
	default:
		return transportError(ErrorTypeNetwork, "network request failed", err, m)
	}
}

func (d *Dispatcher) decode(m *Method, resp *Response) (any, error) {
	var (
		data any
		err  error
	)
	if d.responded.OnSuccess != nil {
		data, err = d.responded.OnSuccess(resp, m)
	} else {
		data, err = DecodeResponse(resp, m)
	}
	if err != nil {
		return nil, asTransportError(err, m, resp.StatusCode)
	}

	if m.transform != nil {
		data, err = m.transform(data, resp.Header)
		if err != nil {
			return nil, asTransportError(err, m, resp.StatusCode)
		}
	}
	return data, nil
}

func asTransportError(err error, m *Method, status int) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	te := transportError(ErrorTypeEncoding, "response transform failed", err, m)
	te.StatusCode = status
	return te
}

// DecodeResponse is the default response interpretation: non-2xx statuses
// become transport errors, JSON bodies are decoded with numbers preserved as
// json.Number, and any other body is returned as a string.
func DecodeResponse(resp *Response, m *Method) (any, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		typ := ErrorTypeClient
		if resp.StatusCode >= 500 {
			typ = ErrorTypeServer
		}
		e := transportError(typ, http.StatusText(resp.StatusCode), nil, m)
		e.StatusCode = resp.StatusCode
		return nil, e
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return string(resp.Body), nil
	}
	return data, nil
}

func (d *Dispatcher) buildRequest(m *Method) (*Request, error) {
	target := m.URL()
	if d.baseURL != "" && !strings.Contains(target, "://") {
		target = strings.TrimRight(d.baseURL, "/") + "/" + strings.TrimLeft(target, "/")
	}
	if q := encodeParams(m.params); q != "" {
		target += "?" + q
	}

	header := m.Header()
	var body []byte
	switch b := m.Body().(type) {
	case nil:
	case []byte:
		body = b
	case string:
		body = []byte(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, configError(fmt.Sprintf("cannot encode body of %s", m), err)
		}
		body = raw
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
	}

	return &Request{
		Method: m,
		Verb:   m.Verb(),
		URL:    target,
		Header: header,
		Body:   body,
	}, nil
}

func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := params[k].(type) {
		case []any:
			for _, item := range v {
				values.Add(k, fmt.Sprint(item))
			}
		case []string:
			for _, item := range v {
				values.Add(k, item)
			}
		case nil:
			values.Add(k, "")
		default:
			values.Add(k, fmt.Sprint(v))
		}
	}
	return values.Encode()
}
