package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocalsync/backend"
)

// serveFrames accepts one connection, records the request and writes the
// given frames, then waits for the client to go away.
func serveFrames(t *testing.T, frames []string, seen chan<- *http.Request) *Dialer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			seen <- r
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for _, f := range frames {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	d, err := NewDialer(srv.URL)
	require.NoError(t, err)
	return d
}

func TestDialSendsCursor(t *testing.T) {
	seen := make(chan *http.Request, 1)
	d := serveFrames(t, nil, seen)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := d.Dial(ctx, "cal-1", "42")
	require.NoError(t, err)
	defer s.Close()

	r := <-seen
	assert.Equal(t, "/calendars/cal-1/events", r.URL.Path)
	assert.Equal(t, "42", r.URL.Query().Get("last_event_id"))
	assert.Equal(t, "42", r.Header.Get("Last-Event-ID"))
}

func TestNextDecodesFrames(t *testing.T) {
	d := serveFrames(t, []string{
		`{"type":"ping"}`,
		`{"type":"entry-added","id":"1","date":"2025-06-01","entryId":"e1","entry":{"id":"e1","title":"Lunch","startDate":"2025-06-01"}}`,
		`{"type":"entry-deleted","id":"2","date":"2025-06-01","entryId":"e1"}`,
		`{"type":"entry-updated","id":"3","entryId":"e2","entry":"not an entry"}`,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := d.Dial(ctx, "cal-1", "")
	require.NoError(t, err)
	defer s.Close()

	ch, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, backend.ChangeAdded, ch.Kind)
	assert.Equal(t, "1", ch.Cursor)
	assert.Equal(t, "e1", ch.EntryID)
	require.NotNil(t, ch.Entry)
	assert.Equal(t, "Lunch", ch.Entry.Title)
	assert.Equal(t, "cal-1", ch.Entry.CalendarID)

	ch, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, backend.ChangeDeleted, ch.Kind)
	assert.Nil(t, ch.Entry)

	ch, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", ch.Cursor)
	assert.Nil(t, ch.Entry, "undecodable payload is surfaced without an entry")
}

func TestNextFrameError(t *testing.T) {
	d := serveFrames(t, []string{`{not json`}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := d.Dial(ctx, "cal-1", "")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next(ctx)
	var fe *FrameError
	assert.ErrorAs(t, err, &fe)
}

func TestDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	d, err := NewDialer(srv.URL)
	require.NoError(t, err)

	_, err = d.Dial(context.Background(), "cal-1", "")
	require.Error(t, err)
	assert.True(t, backend.IsRejected(err))
}

func TestNewDialerScheme(t *testing.T) {
	_, err := NewDialer("ftp://example.com")
	assert.Error(t, err)

	d, err := NewDialer("wss://example.com/stream/")
	require.NoError(t, err)
	assert.Equal(t, "wss://example.com/stream/calendars/a%20b/events?last_event_id=7", d.URL("a b", "7"))
}
