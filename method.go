package reqflow

import (
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Method is an immutable description of one request: verb, URL, parameters,
// headers, body and per-request configuration. Its Key is derived once at
// construction and is stable for equal descriptions.
type Method struct {
	verb      string
	url       string
	params    map[string]any
	header    http.Header
	body      any
	policy    *CachePolicy
	transform Transform
	name      string
	timeout   time.Duration
	share     bool

	key string
}

// MethodOption configures a Method under construction.
type MethodOption func(*Method)

type methodSpec struct {
	Verb    string        `validate:"required,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS"`
	URL     string        `validate:"required"`
	Timeout time.Duration `validate:"gte=0"`
}

// NewMethod validates and builds a Method. Query parameters embedded in url
// are folded into the parameter set.
func NewMethod(verb, url string, opts ...MethodOption) (*Method, error) {
	m := &Method{
		verb:   strings.ToUpper(strings.TrimSpace(verb)),
		url:    strings.TrimSpace(url),
		params: map[string]any{},
		header: http.Header{},
		share:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.seal(); err != nil {
		return nil, err
	}
	return m, nil
}

// Get builds a GET method.
func Get(url string, opts ...MethodOption) (*Method, error) {
	return NewMethod(http.MethodGet, url, opts...)
}

// Post builds a POST method carrying body.
func Post(url string, body any, opts ...MethodOption) (*Method, error) {
	return NewMethod(http.MethodPost, url, append([]MethodOption{WithBody(body)}, opts...)...)
}

// Put builds a PUT method carrying body.
func Put(url string, body any, opts ...MethodOption) (*Method, error) {
	return NewMethod(http.MethodPut, url, append([]MethodOption{WithBody(body)}, opts...)...)
}

// Patch builds a PATCH method carrying body.
func Patch(url string, body any, opts ...MethodOption) (*Method, error) {
	return NewMethod(http.MethodPatch, url, append([]MethodOption{WithBody(body)}, opts...)...)
}

// Delete builds a DELETE method.
func Delete(url string, opts ...MethodOption) (*Method, error) {
	return NewMethod(http.MethodDelete, url, opts...)
}

func (m *Method) seal() error {
	spec := methodSpec{Verb: m.verb, URL: m.url, Timeout: m.timeout}
	if err := validate.Struct(spec); err != nil {
		return configError("invalid method", err)
	}

	key, url, params, err := deriveKey(m.verb, m.url, m.params, m.body, m.name)
	if err != nil {
		return configError("cannot derive method identity", err)
	}
	m.key, m.url, m.params = key, url, params
	return nil
}

// With returns a copy of m with opts applied and its identity re-derived.
func (m *Method) With(opts ...MethodOption) (*Method, error) {
	cp := *m
	cp.params = maps.Clone(m.params)
	cp.header = m.header.Clone()
	if m.policy != nil {
		p := *m.policy
		cp.policy = &p
	}
	for _, opt := range opts {
		opt(&cp)
	}
	if err := cp.seal(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// WithParams merges params into the query parameters.
func WithParams(params map[string]any) MethodOption {
	return func(m *Method) {
		for k, v := range params {
			m.params[k] = v
		}
	}
}

// WithParam sets a single query parameter.
func WithParam(name string, value any) MethodOption {
	return func(m *Method) {
		m.params[name] = value
	}
}

// WithHeader sets a request header. Headers do not contribute to identity.
func WithHeader(name, value string) MethodOption {
	return func(m *Method) {
		m.header.Set(name, value)
	}
}

// WithHeaders merges h into the request headers.
func WithHeaders(h http.Header) MethodOption {
	return func(m *Method) {
		for k, vs := range h {
			for _, v := range vs {
				m.header.Add(k, v)
			}
		}
	}
}

// WithBody sets the request body. []byte and string bodies are sent as-is,
// anything else is encoded as JSON.
func WithBody(body any) MethodOption {
	return func(m *Method) {
		m.body = body
	}
}

// WithCache overrides the client's cache policy for this method.
func WithCache(policy CachePolicy) MethodOption {
	return func(m *Method) {
		p := policy
		m.policy = &p
	}
}

// WithName tags the method with a name. The name takes part in identity and
// is visible to invalidation predicates.
func WithName(name string) MethodOption {
	return func(m *Method) {
		m.name = name
	}
}

// WithTransform sets a per-method transform applied after decoding.
func WithTransform(fn Transform) MethodOption {
	return func(m *Method) {
		m.transform = fn
	}
}

// WithMethodTimeout overrides the client's request timeout for this method.
func WithMethodTimeout(d time.Duration) MethodOption {
	return func(m *Method) {
		m.timeout = d
	}
}

// WithShareRequest controls whether concurrent identical sends coalesce into
// one transport call. Sharing is on by default.
func WithShareRequest(share bool) MethodOption {
	return func(m *Method) {
		m.share = share
	}
}

// Key returns the identity used for deduplication and caching.
func (m *Method) Key() string { return m.key }

// Verb returns the upper-cased HTTP verb.
func (m *Method) Verb() string { return m.verb }

// URL returns the normalised URL without its query string.
func (m *Method) URL() string { return m.url }

// Params returns a copy of the query parameters.
func (m *Method) Params() map[string]any { return maps.Clone(m.params) }

// Header returns a copy of the request headers.
func (m *Method) Header() http.Header { return m.header.Clone() }

// Body returns the request body as supplied.
func (m *Method) Body() any { return m.body }

// Name returns the method name, if any.
func (m *Method) Name() string { return m.name }

// Timeout returns the per-method timeout, zero when unset.
func (m *Method) Timeout() time.Duration { return m.timeout }

// Shared reports whether the method participates in request sharing.
func (m *Method) Shared() bool { return m.share }

// CachePolicy returns the per-method policy, if one was set.
func (m *Method) CachePolicy() (CachePolicy, bool) {
	if m.policy == nil {
		return CachePolicy{}, false
	}
	return *m.policy, true
}

func (m *Method) String() string {
	return m.verb + " " + m.url
}
