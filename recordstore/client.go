// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/parley-net/parley/negotiation"
)

// Compile-time interface check.
var _ negotiation.RecordStore = (*Client)(nil)

// Client is a RecordStore backed by a remote rendezvous server. Change
// hints ride a WebSocket; everything else is plain request-response.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewClient targets the server at baseURL (scheme and host, no
// trailing slash required).
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		dialer:  websocket.DefaultDialer,
		logger:  logger,
	}
}

// Get fetches the record at key.
func (c *Client) Get(ctx context.Context, key string) (negotiation.Record, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.recordURL(key), nil)
	if err != nil {
		return negotiation.Record{}, fmt.Errorf("building record request: %w", err)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return negotiation.Record{}, &negotiation.StoreError{
			Transient: true,
			Message:   "record fetch failed",
			Err:       err,
		}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return negotiation.Record{}, statusError(response)
	}

	var wire wireRecord
	if err := json.NewDecoder(response.Body).Decode(&wire); err != nil {
		return negotiation.Record{}, &negotiation.StoreError{
			Transient: true,
			Message:   "decoding record response",
			Err:       err,
		}
	}
	return fromWire(wire), nil
}

// Put writes a record, passing the expected version as If-Match.
func (c *Client) Put(ctx context.Context, record negotiation.Record, expected negotiation.Version) (negotiation.Version, error) {
	body, err := json.Marshal(toWire(record))
	if err != nil {
		return negotiation.NoVersion, fmt.Errorf("encoding record body: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, c.recordURL(record.Key), bytes.NewReader(body))
	if err != nil {
		return negotiation.NoVersion, fmt.Errorf("building record request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if expected != negotiation.NoVersion {
		request.Header.Set("If-Match", string(expected))
	}

	response, err := c.http.Do(request)
	if err != nil {
		return negotiation.NoVersion, &negotiation.StoreError{
			Transient: true,
			Message:   "record write failed",
			Err:       err,
		}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return negotiation.NoVersion, statusError(response)
	}

	var result wirePutResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		return negotiation.NoVersion, &negotiation.StoreError{
			Transient: true,
			Message:   "decoding write response",
			Err:       err,
		}
	}
	return negotiation.Version(result.Version), nil
}

// PollChanges fetches the session's records written after cursor.
func (c *Client) PollChanges(ctx context.Context, session negotiation.SessionKey, cursor negotiation.Cursor) ([]negotiation.Record, negotiation.Cursor, error) {
	query := url.Values{}
	query.Set("session", string(session))
	if cursor != "" {
		query.Set("cursor", string(cursor))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/changes?"+query.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("building changes request: %w", err)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return nil, "", &negotiation.StoreError{
			Transient: true,
			Message:   "change poll failed",
			Err:       err,
		}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, "", statusError(response)
	}

	var changes wireChanges
	if err := json.NewDecoder(response.Body).Decode(&changes); err != nil {
		return nil, "", &negotiation.StoreError{
			Transient: true,
			Message:   "decoding changes response",
			Err:       err,
		}
	}

	records := make([]negotiation.Record, 0, len(changes.Records))
	for _, wire := range changes.Records {
		records = append(records, fromWire(wire))
	}
	return records, negotiation.Cursor(changes.Cursor), nil
}

// SubscribeHints opens the server's WebSocket hint feed for the
// session. The returned channel closes if the connection drops; the
// caller falls back to polling until it resubscribes.
func (c *Client) SubscribeHints(ctx context.Context, session negotiation.SessionKey) (<-chan struct{}, func(), error) {
	endpoint, err := url.Parse(c.baseURL + "/v1/hints")
	if err != nil {
		return nil, nil, fmt.Errorf("building hints URL: %w", err)
	}
	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	}
	query := url.Values{}
	query.Set("session", string(session))
	endpoint.RawQuery = query.Encode()

	conn, response, err := c.dialer.DialContext(ctx, endpoint.String(), nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return nil, nil, &negotiation.StoreError{
			Transient: true,
			Message:   "hint subscription failed",
			Err:       err,
		}
	}

	hints := make(chan struct{}, 1)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			conn.Close()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()

	go func() {
		defer close(hints)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			select {
			case hints <- struct{}{}:
			default: // hint already pending
			}
		}
	}()

	return hints, cancel, nil
}

// recordURL escapes each key segment individually so separators like
// "|" survive the round trip while "/" keeps its path meaning.
func (c *Client) recordURL(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return c.baseURL + "/v1/records/" + strings.Join(segments, "/")
}

// statusError converts a non-OK response into the store error the
// server encoded, draining the body for the message.
func statusError(response *http.Response) error {
	var wire wireError
	message := response.Status
	if body, err := io.ReadAll(io.LimitReader(response.Body, 4096)); err == nil {
		if json.Unmarshal(body, &wire) == nil && wire.Error != "" {
			message = wire.Error
		}
	}

	switch {
	case response.StatusCode == http.StatusNotFound:
		return negotiation.ErrNotFound
	case response.StatusCode == http.StatusConflict:
		return negotiation.ErrConflict
	case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
		return &negotiation.StoreError{
			Transient: true,
			Status:    response.StatusCode,
			Message:   message,
		}
	default:
		return &negotiation.StoreError{
			Status:  response.StatusCode,
			Message: message,
		}
	}
}
