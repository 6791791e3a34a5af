package reqflow

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the top-level error taxonomy.
type ErrorKind string

const (
	// KindTransport covers network failures, timeouts, aborts and non-2xx responses.
	KindTransport ErrorKind = "Transport"
	// KindConfiguration covers misuse detected at construction time.
	KindConfiguration ErrorKind = "Configuration"
	// KindCache covers durable-tier failures. These are logged, never returned to senders.
	KindCache ErrorKind = "Cache"
)

// Error types refine a kind.
const (
	ErrorTypeNetwork     = "Network"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypeServer      = "Server"
	ErrorTypeClient      = "Client"
	ErrorTypeRateLimit   = "RateLimit"
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeAborted     = "Aborted"
	ErrorTypeRejected    = "Rejected"
	ErrorTypeValidation  = "Validation"
	ErrorTypeDurable     = "Durable"
	ErrorTypeEncoding    = "Encoding"
)

// Sentinel errors for common failure scenarios
var (
	ErrAborted         = errors.New("reqflow: request aborted")
	ErrCircuitOpen     = errors.New("reqflow: circuit open")
	ErrRateLimited     = errors.New("reqflow: rate limited")
	ErrNoWatchedInputs = errors.New("reqflow: must specify at least one watched input")
	ErrNilHandler      = errors.New("reqflow: method handler is nil")
	ErrClientClosed    = errors.New("reqflow: client closed")
	ErrNotScannable    = errors.New("reqflow: durable store cannot enumerate keys")
)

// Error carries the diagnostic context of a failure.
type Error struct {
	Kind       ErrorKind
	Type       string
	Message    string
	Key        string
	Verb       string
	URL        string
	StatusCode int
	Attempt    int
	Timestamp  time.Time
	Cause      error
}

// Error implements error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s %s: %s", e.Kind, e.Type, e.Message)
	if e.Verb != "" || e.URL != "" {
		msg = fmt.Sprintf("%s [%s %s]", msg, e.Verb, e.URL)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error by kind and, when the target sets one, by type.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Type == "" || t.Type == e.Type
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *Error) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Kind: %s\n", e.Kind)
	info += fmt.Sprintf("Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Key != "" {
		info += fmt.Sprintf("Key: %s\n", e.Key)
	}
	if e.Verb != "" {
		info += fmt.Sprintf("Verb: %s\n", e.Verb)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d\n", e.Attempt)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsAborted reports whether err stems from an abort.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

// IsTransient determines if an error represents a transient failure that might succeed on retry.
// Returns true for network errors, timeouts, 5xx server responses, and rate limiting (429).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) {
		return true
	}

	var e *Error
	if !errors.As(err, &e) || e.Kind != KindTransport {
		return false
	}
	switch e.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit, ErrorTypeCircuitOpen:
		return true
	case ErrorTypeClient:
		return e.StatusCode == 429
	default:
		return false
	}
}

func transportError(typ, message string, cause error, m *Method) *Error {
	e := &Error{
		Kind:      KindTransport,
		Type:      typ,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
	if m != nil {
		e.Key = m.Key()
		e.Verb = m.Verb()
		e.URL = m.URL()
	}
	return e
}

func configError(message string, cause error) *Error {
	return &Error{
		Kind:      KindConfiguration,
		Type:      ErrorTypeValidation,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func cacheError(typ, message, key string, cause error) *Error {
	return &Error{
		Kind:      KindCache,
		Type:      typ,
		Message:   message,
		Key:       key,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func abortError(m *Method, cause error) *Error {
	if cause == nil {
		cause = ErrAborted
	} else if !errors.Is(cause, ErrAborted) {
		cause = fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	return transportError(ErrorTypeAborted, "request aborted", cause, m)
}
