// Package rest implements backend.Transport against the calendar server's
// JSON API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gocalsync/backend"
	"gocalsync/internal/utils"
)

// DefaultTimeout bounds every request made by a Client.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept for debugging.
const maxErrorBody = 4 << 10

// Client handles HTTP communication with the calendar server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *utils.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *utils.Logger) Option {
	return func(c *Client) { c.log = l.Named("REST") }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := backend.CheckScheme(baseURL, "http", "https")
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        utils.GetLogger().Named("REST"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// createRequest is the body of a create call. The client picks the id so
// an echo can be matched to the queued operation; the server may assign
// another one in its response.
type createRequest struct {
	ID string `json:"id"`
	backend.EntryPayload
}

// doRequest performs an authenticated JSON request and returns the response
// when its status is 2xx. Any other outcome becomes a *backend.TransportError.
func (c *Client) doRequest(ctx context.Context, op, method, endpoint string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, backend.NewNetworkError(op, err)
	}
	c.log.Debug("%s %s -> %d (%s)", method, endpoint, resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, backend.NewTransportError(op, resp.StatusCode, errorMessage(resp, data)).
			WithBody(string(data))
	}
	return resp, nil
}

// errorMessage prefers the server's {"error": "..."} field over the status
// text.
func errorMessage(resp *http.Response, body []byte) string {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		if apiErr.Error != "" {
			return apiErr.Error
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}
	return http.StatusText(resp.StatusCode)
}

func decodeEntry(op string, resp *http.Response) (*backend.Entry, error) {
	defer func() { _ = resp.Body.Close() }()
	var e backend.Entry
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return nil, backend.NewNetworkError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	e.SyncStatus = backend.StatusSynced
	e.PendingOperation = backend.OpNone
	return &e, nil
}

// CreateEntry creates an entry with a client-chosen id.
func (c *Client) CreateEntry(ctx context.Context, id string, payload backend.EntryPayload) (*backend.Entry, error) {
	endpoint := "/calendars/" + url.PathEscape(payload.CalendarID) + "/entries"
	resp, err := c.doRequest(ctx, "CreateEntry", http.MethodPost, endpoint, createRequest{ID: id, EntryPayload: payload})
	if err != nil {
		return nil, withEntry(err, id)
	}
	e, err := decodeEntry("CreateEntry", resp)
	if err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = id
	}
	return e, nil
}

// UpdateEntry replaces an entry's content.
func (c *Client) UpdateEntry(ctx context.Context, id string, payload backend.EntryPayload) (*backend.Entry, error) {
	resp, err := c.doRequest(ctx, "UpdateEntry", http.MethodPut, "/entries/"+url.PathEscape(id), payload)
	if err != nil {
		return nil, withEntry(err, id)
	}
	e, err := decodeEntry("UpdateEntry", resp)
	if err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = id
	}
	return e, nil
}

// DeleteEntry removes an entry. A 404 is returned as a TransportError and
// left for the caller to interpret.
func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, "DeleteEntry", http.MethodDelete, "/entries/"+url.PathEscape(id), nil)
	if err != nil {
		return withEntry(err, id)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// FetchEntries lists a calendar's entries whose dates fall in r.
func (c *Client) FetchEntries(ctx context.Context, calendarID string, r backend.DateRange) ([]backend.Entry, error) {
	q := url.Values{}
	if !r.From.IsZero() {
		q.Set("from", r.From.Format(backend.DateLayout))
	}
	if !r.To.IsZero() {
		q.Set("to", r.To.Format(backend.DateLayout))
	}
	endpoint := "/calendars/" + url.PathEscape(calendarID) + "/entries"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	resp, err := c.doRequest(ctx, "FetchEntries", http.MethodGet, endpoint, nil)
	if err != nil {
		var te *backend.TransportError
		if errors.As(err, &te) {
			te.WithCalendarID(calendarID)
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var entries []backend.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, backend.NewNetworkError("FetchEntries", fmt.Errorf("failed to decode response: %w", err)).
			WithCalendarID(calendarID)
	}
	for i := range entries {
		entries[i].SyncStatus = backend.StatusSynced
		entries[i].PendingOperation = backend.OpNone
		if entries[i].CalendarID == "" {
			entries[i].CalendarID = calendarID
		}
	}
	return entries, nil
}

// Ping checks that the server answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "Ping", http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func withEntry(err error, id string) error {
	var te *backend.TransportError
	if errors.As(err, &te) {
		te.WithEntryID(id)
	}
	return err
}

var _ backend.Transport = (*Client)(nil)
