package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{0, KindTransient},
		{400, KindRejected},
		{401, KindRejected},
		{404, KindRejected},
		{408, KindTransient},
		{409, KindRejected},
		{422, KindRejected},
		{429, KindTransient},
		{500, KindTransient},
		{503, KindTransient},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			if got := KindForStatus(tt.status); got != tt.want {
				t.Errorf("KindForStatus(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestTransportErrorClassification(t *testing.T) {
	rejected := NewTransportError("CreateEntry", 422, "invalid title")
	transient := NewTransportError("CreateEntry", 503, "unavailable")
	notFound := NewTransportError("DeleteEntry", 404, "gone")
	network := NewNetworkError("Ping", errors.New("connection refused"))

	if !IsRejected(rejected) || IsTransient(rejected) {
		t.Error("422 should be rejected")
	}
	if !IsTransient(transient) || IsRejected(transient) {
		t.Error("503 should be transient")
	}
	if !IsTransient(network) {
		t.Error("network errors should be transient")
	}
	if !IsNotFound(notFound) || !IsNotFound(fmt.Errorf("wrapped: %w", notFound)) {
		t.Error("404 should be not found")
	}
	if !IsNotFound(ErrNotFound) {
		t.Error("ErrNotFound should be not found")
	}
	if !IsTransient(errors.New("something unexpected")) {
		t.Error("unclassified errors should be transient")
	}
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
}

func TestTransportErrorMessage(t *testing.T) {
	err := NewTransportError("UpdateEntry", 409, "stale").WithEntryID("e1").WithCalendarID("cal-1")
	if got := err.Error(); got != "UpdateEntry failed with status 409: stale" {
		t.Errorf("Error() = %q", got)
	}
	if err.EntryID != "e1" || err.CalendarID != "cal-1" {
		t.Errorf("context not recorded: %+v", err)
	}

	net := NewNetworkError("Ping", context.DeadlineExceeded)
	if got := net.Error(); got != "Ping failed: context deadline exceeded" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(net, context.DeadlineExceeded) {
		t.Error("Expected Unwrap to expose the cause")
	}
}

func TestIsNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "dns", err: errors.New("lookup cal.example.com: no such host"), want: true},
		{name: "deadline", err: fmt.Errorf("ping: %w", context.DeadlineExceeded), want: true},
		{name: "validation", err: errors.New("title is required"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetworkError(tt.err); got != tt.want {
				t.Errorf("IsNetworkError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsCanceled(t *testing.T) {
	if !IsCanceled(fmt.Errorf("drain: %w", context.Canceled)) {
		t.Error("Expected wrapped context.Canceled to be canceled")
	}
	if IsCanceled(errors.New("boom")) {
		t.Error("Unexpected canceled")
	}
}
