// Package stream reads the calendar server's push-stream over WebSocket.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"gocalsync/backend"
	"gocalsync/internal/utils"
)

// FramePing is a keepalive frame; it carries no change.
const FramePing = "ping"

// readLimit bounds a single frame.
const readLimit = 1 << 20

// Frame is one JSON text message on the stream.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Date    string          `json:"date,omitempty"`
	EntryID string          `json:"entryId,omitempty"`
	Entry   json.RawMessage `json:"entry,omitempty"`
}

// FrameError reports a message that is not a valid frame at all.
type FrameError struct {
	Data []byte
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("invalid stream frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Dialer opens push-streams for calendars.
type Dialer struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *utils.Logger
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithToken sends token as a bearer credential in the handshake.
func WithToken(token string) Option {
	return func(d *Dialer) { d.token = token }
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Dialer) { d.httpClient = hc }
}

// WithLogger sets the dialer's logger.
func WithLogger(l *utils.Logger) Option {
	return func(d *Dialer) { d.log = l.Named("Stream") }
}

// NewDialer creates a dialer for the stream API rooted at streamURL.
func NewDialer(streamURL string, opts ...Option) (*Dialer, error) {
	u, err := backend.CheckScheme(streamURL, "ws", "wss", "http", "https")
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	d := &Dialer{
		baseURL: strings.TrimRight(u.String(), "/"),
		log:     utils.GetLogger().Named("Stream"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// URL returns the stream endpoint for a calendar resuming after cursor.
func (d *Dialer) URL(calendarID, cursor string) string {
	q := url.Values{}
	q.Set("last_event_id", cursor)
	return d.baseURL + "/calendars/" + url.PathEscape(calendarID) + "/events?" + q.Encode()
}

// Dial opens the calendar's stream. The cursor is sent both as the
// last_event_id query parameter and as a Last-Event-ID header.
func (d *Dialer) Dial(ctx context.Context, calendarID, cursor string) (backend.ChangeStream, error) {
	header := http.Header{}
	if cursor != "" {
		header.Set("Last-Event-ID", cursor)
	}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}

	conn, resp, err := websocket.Dial(ctx, d.URL(calendarID, cursor), &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, backend.NewTransportError("Dial", resp.StatusCode, err.Error()).WithCalendarID(calendarID)
		}
		return nil, backend.NewNetworkError("Dial", err).WithCalendarID(calendarID)
	}
	conn.SetReadLimit(readLimit)

	d.log.Debug("Connected to %s (cursor %q)", calendarID, cursor)
	return &Stream{conn: conn, calendarID: calendarID, log: d.log}, nil
}

// Stream is an open push-stream for one calendar.
type Stream struct {
	conn       *websocket.Conn
	calendarID string
	log        *utils.Logger
}

// Next returns the next change, skipping keepalives. An entry payload that
// cannot be decoded is returned with a nil Entry so the caller can still
// advance past its cursor.
func (s *Stream) Next(ctx context.Context) (backend.RemoteChange, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backend.RemoteChange{}, ctx.Err()
			}
			return backend.RemoteChange{}, backend.NewNetworkError("Read", err).WithCalendarID(s.calendarID)
		}
		if typ != websocket.MessageText {
			return backend.RemoteChange{}, &FrameError{Data: data, Err: errors.New("binary message")}
		}

		ch, ok, err := s.decode(data)
		if err != nil {
			return backend.RemoteChange{}, err
		}
		if ok {
			return ch, nil
		}
	}
}

// decode turns a frame into a change. ok is false for keepalives.
func (s *Stream) decode(data []byte) (backend.RemoteChange, bool, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return backend.RemoteChange{}, false, &FrameError{Data: data, Err: err}
	}
	if f.Type == FramePing {
		return backend.RemoteChange{}, false, nil
	}
	if f.ID == "" {
		return backend.RemoteChange{}, false, &FrameError{Data: data, Err: errors.New("missing event id")}
	}

	ch := backend.RemoteChange{
		Kind:       backend.ChangeKind(f.Type),
		Cursor:     f.ID,
		CalendarID: s.calendarID,
		Date:       f.Date,
		EntryID:    f.EntryID,
	}
	if len(f.Entry) > 0 && string(f.Entry) != "null" {
		var e backend.Entry
		if err := json.Unmarshal(f.Entry, &e); err != nil {
			s.log.Warn("Undecodable entry in event %s: %v", f.ID, err)
		} else {
			if e.CalendarID == "" {
				e.CalendarID = s.calendarID
			}
			if ch.EntryID == "" {
				ch.EntryID = e.ID
			}
			ch.Entry = &e
		}
	}
	return ch, true, nil
}

// Close closes the connection normally.
func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

var _ backend.StreamDialer = (*Dialer)(nil)
