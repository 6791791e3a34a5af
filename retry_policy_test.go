package reqflow

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestDefaultIsIdempotent(t *testing.T) {
	tests := []struct {
		verb     string
		expected bool
	}{
		{"GET", true},
		{"HEAD", true},
		{"PUT", true},
		{"DELETE", true},
		{"OPTIONS", true},
		{"POST", false},
		{"PATCH", false},
	}
	for _, tt := range tests {
		t.Run(tt.verb, func(t *testing.T) {
			if got := DefaultIsIdempotent(tt.verb); got != tt.expected {
				t.Errorf("DefaultIsIdempotent(%s) = %v, want %v", tt.verb, got, tt.expected)
			}
		})
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	policy := NewDefaultRetryPolicy(3, 100*time.Millisecond, 5*time.Second, 2.0, 0)

	tests := []struct {
		name    string
		verb    string
		resp    *http.Response
		err     error
		attempt int
		want    bool
	}{
		{"network error", "GET", nil, errors.New("connection reset"), 0, true},
		{"server error", "GET", &http.Response{StatusCode: 503, Header: http.Header{}}, nil, 0, true},
		{"rate limited", "GET", &http.Response{StatusCode: 429, Header: http.Header{}}, nil, 1, true},
		{"client error", "GET", &http.Response{StatusCode: 404, Header: http.Header{}}, nil, 0, false},
		{"success", "GET", &http.Response{StatusCode: 200, Header: http.Header{}}, nil, 0, false},
		{"non idempotent", "POST", nil, errors.New("connection reset"), 0, false},
		{"attempts exhausted", "GET", nil, errors.New("connection reset"), 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, retry := policy.ShouldRetry(tt.verb, tt.resp, tt.err, tt.attempt)
			if retry != tt.want {
				t.Fatalf("ShouldRetry() retry = %v, want %v", retry, tt.want)
			}
			if retry && delay <= 0 {
				t.Error("Expected positive delay for retry")
			}
		})
	}
}

func TestRetryPolicyHonoursRetryAfter(t *testing.T) {
	policy := NewDefaultRetryPolicy(3, 100*time.Millisecond, 5*time.Second, 2.0, 0)
	resp := &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": []string{"2"}}}

	delay, retry := policy.ShouldRetry("GET", resp, nil, 0)
	if !retry || delay != 2*time.Second {
		t.Errorf("Expected retry after 2s, got %v (retry=%v)", delay, retry)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"-5", 0},
		{"10", 10 * time.Second},
		{"7200", time.Hour},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > 30*time.Second {
		t.Errorf("parseRetryAfter(http-date) = %v, want within 30s", got)
	}
}

func TestRetryPolicyDecorrelatedStrategy(t *testing.T) {
	policy := NewDefaultRetryPolicyWithStrategy(5, 10*time.Millisecond, 100*time.Millisecond, 2.0, 0, DecorrelatedJitter)

	for attempt := 0; attempt < 5; attempt++ {
		delay, retry := policy.ShouldRetry("GET", nil, errors.New("boom"), attempt)
		if !retry {
			t.Fatalf("attempt %d: expected retry", attempt)
		}
		if delay <= 0 || delay > 100*time.Millisecond {
			t.Errorf("attempt %d: delay %v outside (0, 100ms]", attempt, delay)
		}
	}
}

func TestRetryBudget(t *testing.T) {
	rb := NewRetryBudget(2, time.Hour)

	if !rb.Allow() || !rb.Allow() {
		t.Fatal("Expected first two retries to be allowed")
	}
	if rb.Allow() {
		t.Error("Expected third retry to be denied")
	}

	current, maxRetries, _ := rb.Stats()
	if current != 2 || maxRetries != 2 {
		t.Errorf("Expected stats 2/2, got %d/%d", current, maxRetries)
	}
}

func TestRetryBudgetWindowResets(t *testing.T) {
	rb := NewRetryBudget(1, 10*time.Millisecond)
	rb.Allow()

	time.Sleep(20 * time.Millisecond)

	if !rb.Allow() {
		t.Error("Expected retry to be allowed in a new window")
	}
}
