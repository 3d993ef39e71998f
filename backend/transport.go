package backend

import (
	"context"
	"fmt"
	"net/url"
)

// Transport is the server API the sync core talks to.
//
// Implementations must return *TransportError (or wrap one) so callers can
// tell transient failures from rejected requests.
type Transport interface {
	CreateEntry(ctx context.Context, id string, payload EntryPayload) (*Entry, error)
	UpdateEntry(ctx context.Context, id string, payload EntryPayload) (*Entry, error)
	DeleteEntry(ctx context.Context, id string) error
	FetchEntries(ctx context.Context, calendarID string, r DateRange) ([]Entry, error)
	// Ping is a lightweight reachability probe.
	Ping(ctx context.Context) error
}

// ChangeStream delivers one calendar's push-stream notifications in
// server order. Next blocks until a change arrives; any error means the
// stream is dead and must be dialled again.
type ChangeStream interface {
	Next(ctx context.Context) (RemoteChange, error)
	Close() error
}

// StreamDialer opens a ChangeStream that resumes after cursor. An empty
// cursor starts from the server's current position.
type StreamDialer interface {
	Dial(ctx context.Context, calendarID, cursor string) (ChangeStream, error)
}

// UnsupportedSchemeError is returned for a URL no transport can serve.
type UnsupportedSchemeError struct {
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported scheme: %q", e.Scheme)
}

// CheckScheme validates that raw is an absolute URL with one of the
// allowed schemes.
func CheckScheme(raw string, allowed ...string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	for _, s := range allowed {
		if u.Scheme == s {
			return u, nil
		}
	}
	return nil, &UnsupportedSchemeError{Scheme: u.Scheme}
}
