package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrNotFound is returned by the local store when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies transport failures for the sync engine.
type ErrorKind int

const (
	// KindTransient failures (network, timeout, 5xx) are retried with backoff.
	KindTransient ErrorKind = iota
	// KindRejected failures (validation, conflict) will never succeed as sent.
	KindRejected
)

func (k ErrorKind) String() string {
	if k == KindRejected {
		return "rejected"
	}
	return "transient"
}

// TransportError represents an error from a server call.
// It provides structured error information including HTTP status codes,
// operation context, and the underlying error message
type TransportError struct {
	Operation  string    // e.g., "CreateEntry", "FetchEntries"
	StatusCode int       // HTTP status code (0 if not an HTTP error)
	Message    string    // Human-readable error message
	EntryID    string    // Optional: affected entry id
	CalendarID string    // Optional: affected calendar
	Body       string    // Optional: response body for debugging
	Kind       ErrorKind // transient or rejected
	Err        error     // Optional: underlying error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s failed with status %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying error for error wrapping
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error is a 404 Not Found
func (e *TransportError) IsNotFound() bool {
	return e.StatusCode == 404
}

// IsUnauthorized returns true if the error is a 401 Unauthorized or 403 Forbidden
func (e *TransportError) IsUnauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsServerError returns true if the error is a 5xx server error
func (e *TransportError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// NewTransportError creates a TransportError classified from its status code.
func NewTransportError(operation string, statusCode int, message string) *TransportError {
	return &TransportError{
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Kind:       KindForStatus(statusCode),
	}
}

// NewNetworkError wraps a failure that happened before any response arrived.
func NewNetworkError(operation string, err error) *TransportError {
	return &TransportError{
		Operation: operation,
		Message:   err.Error(),
		Kind:      KindTransient,
		Err:       err,
	}
}

// WithEntryID adds the entry id to the error for context
func (e *TransportError) WithEntryID(id string) *TransportError {
	e.EntryID = id
	return e
}

// WithCalendarID adds the calendar id to the error for context
func (e *TransportError) WithCalendarID(id string) *TransportError {
	e.CalendarID = id
	return e
}

// WithBody adds the response body to the error for debugging
func (e *TransportError) WithBody(body string) *TransportError {
	e.Body = body
	return e
}

// KindForStatus maps an HTTP status to a retry class. Server errors,
// request timeouts and rate limiting are transient; every other 4xx means
// the server will not accept the request as sent.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 0, status >= 500, status == 408, status == 429:
		return KindTransient
	case status >= 400:
		return KindRejected
	}
	return KindTransient
}

// IsTransient reports whether err should be retried later.
// Unknown errors are treated as transient so user data is never dropped
// because of a failure we could not classify.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind == KindTransient
	}
	return true
}

// IsRejected reports whether the server permanently refused the request.
func IsRejected(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == KindRejected
}

// IsNotFound reports whether err is a 404 from the server or ErrNotFound
// from the local store.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te) && te.IsNotFound()
}

// IsCanceled reports whether err came from context cancellation rather than
// the server.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsNetworkError reports whether err looks like a connectivity failure:
// refused connections, DNS errors, timeouts or unreachable hosts.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"no such host",
		"network is unreachable",
		"host is unreachable",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"eof",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
