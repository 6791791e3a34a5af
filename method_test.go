package reqflow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethodKey_EqualDescriptionsShareKey(t *testing.T) {
	tests := []struct {
		name string
		a, b func() (*Method, error)
	}{
		{
			name: "param order",
			a: func() (*Method, error) {
				return Get("/items", WithParam("a", 1), WithParam("b", "x"))
			},
			b: func() (*Method, error) {
				return Get("/items", WithParams(map[string]any{"b": "x", "a": 1}))
			},
		},
		{
			name: "query folded into params",
			a: func() (*Method, error) {
				return Get("/items?page=2")
			},
			b: func() (*Method, error) {
				return Get("/items", WithParam("page", "2"))
			},
		},
		{
			name: "host case and dot segments",
			a: func() (*Method, error) {
				return Get("HTTPS://API.Example.com/v1/./items/")
			},
			b: func() (*Method, error) {
				return Get("https://api.example.com/v1/items")
			},
		},
		{
			name: "fragment ignored",
			a: func() (*Method, error) {
				return Get("/items#top")
			},
			b: func() (*Method, error) {
				return Get("/items")
			},
		},
		{
			name: "unicode normalisation",
			a: func() (*Method, error) {
				return Get("/search", WithParam("q", "caf\u00e9"))
			},
			b: func() (*Method, error) {
				return Get("/search", WithParam("q", "cafe\u0301"))
			},
		},
		{
			name: "struct body equals map body",
			a: func() (*Method, error) {
				return Post("/items", struct {
					Name string `json:"name"`
					Qty  int    `json:"qty"`
				}{"bolt", 3})
			},
			b: func() (*Method, error) {
				return Post("/items", map[string]any{"qty": 3, "name": "bolt"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := tt.a()
			require.NoError(t, err)
			b, err := tt.b()
			require.NoError(t, err)
			assert.Equal(t, a.Key(), b.Key())
		})
	}
}

func TestMethodKey_DistinguishesDescriptions(t *testing.T) {
	base := mustGet(t, "/items", WithParam("page", 1))

	others := map[string]*Method{
		"verb":  must(Delete("/items", WithParam("page", 1))),
		"param": mustGet(t, "/items", WithParam("page", 2)),
		"path":  mustGet(t, "/other", WithParam("page", 1)),
		"name":  mustGet(t, "/items", WithParam("page", 1), WithName("list")),
	}
	for name, m := range others {
		assert.NotEqual(t, base.Key(), m.Key(), name)
	}

	postA := must(Post("/items", map[string]any{"a": 1}))
	postB := must(Post("/items", map[string]any{"a": 2}))
	assert.NotEqual(t, postA.Key(), postB.Key())
}

func TestMethodKey_Format(t *testing.T) {
	m := mustGet(t, "/widgets")
	assert.Regexp(t, `^GET /widgets#[0-9a-f]{16}$`, m.Key())
	assert.Equal(t, "GET /widgets", m.String())
}

func TestNewMethod_Validation(t *testing.T) {
	tests := []struct {
		name string
		verb string
		url  string
		opts []MethodOption
	}{
		{"unknown verb", "FETCH", "/x", nil},
		{"empty url", "GET", "", nil},
		{"negative timeout", "GET", "/x", []MethodOption{WithMethodTimeout(-time.Second)}},
		{"bad url", "GET", "http://[::1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMethod(tt.verb, tt.url, tt.opts...)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindConfiguration))
		})
	}
}

func TestNewMethod_VerbIsNormalised(t *testing.T) {
	m, err := NewMethod(" get ", "/x")
	require.NoError(t, err)
	assert.Equal(t, "GET", m.Verb())
}

func TestMethod_WithDerivesNewIdentity(t *testing.T) {
	m := mustGet(t, "/items", WithParam("page", 1))
	next, err := m.With(WithParam("page", 2))
	require.NoError(t, err)

	assert.NotEqual(t, m.Key(), next.Key())
	assert.Equal(t, 1, m.Params()["page"])
	assert.Equal(t, 2, next.Params()["page"])
}

func TestMethod_GettersReturnCopies(t *testing.T) {
	m := mustGet(t, "/items", WithParam("page", 1), WithHeader("X-Trace", "a"))

	params := m.Params()
	params["page"] = 99
	header := m.Header()
	header.Set("X-Trace", "b")

	assert.Equal(t, 1, m.Params()["page"])
	assert.Equal(t, "a", m.Header().Get("X-Trace"))
}

func TestMethod_CachePolicy(t *testing.T) {
	_, ok := mustGet(t, "/x").CachePolicy()
	assert.False(t, ok)

	p, ok := mustGet(t, "/x", WithCache(CacheFor(time.Minute))).CachePolicy()
	assert.True(t, ok)
	assert.Equal(t, time.Minute, p.TTL)
}

func TestMethod_SharedByDefault(t *testing.T) {
	assert.True(t, mustGet(t, "/x").Shared())
	assert.False(t, mustGet(t, "/x", WithShareRequest(false)).Shared())
}

func must(m *Method, err error) *Method {
	if err != nil {
		panic(errors.Join(errors.New("building method"), err))
	}
	return m
}
