package utils

import (
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a helpful suggestion for the user
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface
func (e *ErrorWithSuggestion) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%v\n\nSuggestion: %s", e.Err, e.Suggestion)
	}
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// Common error constructors with suggestions

// ErrEntryNotFound creates an error when an entry id does not exist locally
func ErrEntryNotFound(id string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("entry '%s' not found", id),
		Suggestion: "Run 'gocalsync list' to see entry ids for the current calendar",
	}
}

// ErrNoCalendar creates an error when no calendar was selected
func ErrNoCalendar() error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("no calendar selected"),
		Suggestion: "Pass --calendar <id> or set 'calendar' in ~/.config/gocalsync/config.yaml",
	}
}

// ErrServerOffline creates an error when the server cannot be reached.
// Local changes are never lost in that case, so the suggestion says so.
func ErrServerOffline(reason string) error {
	suggestion := "Changes stay queued locally. Check your connection and run 'gocalsync sync' later"
	if strings.Contains(reason, "no such host") || strings.Contains(reason, "DNS") {
		suggestion = "Check your DNS settings and internet connection. Changes stay queued locally"
	} else if strings.Contains(reason, "refused") {
		suggestion = "Check if the server is running and accessible. Changes stay queued locally"
	} else if strings.Contains(reason, "timeout") {
		suggestion = "The server may be slow or unreachable. Changes stay queued locally, try again later"
	}

	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("server is offline: %s", reason),
		Suggestion: suggestion,
	}
}

// ErrConnectionLost creates an error when the push stream gave up reconnecting
func ErrConnectionLost(attempts int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("lost connection to the change stream after %d attempts", attempts),
		Suggestion: "Press 'r' in the watch view or restart 'gocalsync run' to reconnect",
	}
}

// ErrInvalidDate creates an error for invalid date formats
func ErrInvalidDate(dateStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid date: %s", dateStr),
		Suggestion: "Use YYYY-MM-DD (e.g., 2026-01-15) or a phrase like 'tomorrow' or 'next friday'",
	}
}

// ErrInvalidTime creates an error for invalid time formats
func ErrInvalidTime(timeStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid time: %s", timeStr),
		Suggestion: "Use 24h HH:MM format (e.g., 09:30)",
	}
}

// ErrConfigFileNotFound creates an error when config file is not found
func ErrConfigFileNotFound(path string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("config file not found at %s", path),
		Suggestion: "Run 'gocalsync config init' to create a default configuration file",
	}
}

// ErrInvalidConfig creates an error for invalid configuration
func ErrInvalidConfig(field string, reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid configuration for '%s': %s", field, reason),
		Suggestion: fmt.Sprintf("Check ~/.config/gocalsync/config.yaml and fix the '%s' field", field),
	}
}

// WrapWithSuggestion wraps an existing error with a suggestion
func WrapWithSuggestion(err error, suggestion string) error {
	if err == nil {
		return nil
	}
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}
