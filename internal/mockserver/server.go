// Package mockserver is an httptest server with the endpoints the engine and
// CLI tests run against.
package mockserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Server wraps httptest.Server and counts hits per route.
type Server struct {
	*httptest.Server

	mu     sync.Mutex
	hits   map[string]int
	counts map[string]int
}

// New starts a server. Call Close when done.
func New() *Server {
	s := &Server{
		hits:   make(map[string]int),
		counts: make(map[string]int),
	}

	r := mux.NewRouter()
	r.Use(s.countHits)
	r.HandleFunc("/echo", s.echo)
	r.HandleFunc("/count", s.count).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})
	r.HandleFunc("/fail", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "server error"})
	})
	r.HandleFunc("/slow", s.slow)
	r.HandleFunc("/widgets", s.widgets).Methods(http.MethodGet)
	r.HandleFunc("/text", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "plain text")
	})
	r.HandleFunc("/bytes/{n:[0-9]+}", s.bytes)

	s.Server = httptest.NewServer(r)
	return s
}

func (s *Server) countHits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// Hits returns how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *Server) echo(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	query := map[string]string{}
	for k, v := range r.URL.Query() {
		query[k] = strings.Join(v, ",")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  query,
		"body":   string(body),
		"agent":  r.UserAgent(),
	})
}

// count increments a counter per countKey and returns the new value.
func (s *Server) count(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("countKey")
	s.mu.Lock()
	s.counts[key]++
	n := s.counts[key]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"countKey": key, "count": n})
}

// slow waits delay milliseconds (default 1000) or until the client goes away.
func (s *Server) slow(w http.ResponseWriter, r *http.Request) {
	delay := 1000
	if v, err := strconv.Atoi(r.URL.Query().Get("delay")); err == nil {
		delay = v
	}
	select {
	case <-time.After(time.Duration(delay) * time.Millisecond):
		writeJSON(w, http.StatusOK, map[string]any{"delay": delay})
	case <-r.Context().Done():
	}
}

func (s *Server) widgets(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil {
		page = 1
	}
	items := make([]string, 0, 3)
	for i := 1; i <= 3; i++ {
		items = append(items, "widget-"+strconv.Itoa((page-1)*3+i))
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "items": items})
}

func (s *Server) bytes(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(mux.Vars(r)["n"])
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(n))
	_, _ = w.Write(make([]byte, n))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
