// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/parley-net/parley/negotiation"
)

// Server exposes any RecordStore over HTTP: point record reads and
// version-checked writes, incremental change polls, and a WebSocket
// change-hint feed. It is the rendezvous service two peers point
// their engines at.
type Server struct {
	backing  negotiation.RecordStore
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader
}

// NewServer wraps backing. Pass a MemoryStore for an ephemeral
// rendezvous or a SQLiteStore for a durable one.
func NewServer(backing negotiation.RecordStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		backing: backing,
		logger:  logger,
	}

	router := chi.NewRouter()
	router.Get("/v1/records/*", s.handleGet)
	router.Put("/v1/records/*", s.handlePut)
	router.Get("/v1/changes", s.handleChanges)
	router.Get("/v1/hints", s.handleHints)
	s.router = router
	return s
}

func (s *Server) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	s.router.ServeHTTP(writer, request)
}

func (s *Server) handleGet(writer http.ResponseWriter, request *http.Request) {
	key := chi.URLParam(request, "*")
	record, err := s.backing.Get(request.Context(), key)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, toWire(record))
}

func (s *Server) handlePut(writer http.ResponseWriter, request *http.Request) {
	key := chi.URLParam(request, "*")

	var wire wireRecord
	if err := json.NewDecoder(request.Body).Decode(&wire); err != nil {
		s.writeJSON(writer, http.StatusBadRequest, wireError{Error: "malformed record body: " + err.Error()})
		return
	}
	record := fromWire(wire)
	record.Key = key
	if record.Session == "" || record.Kind == "" || record.Owner == "" {
		s.writeJSON(writer, http.StatusBadRequest, wireError{Error: "record missing session, kind, or owner"})
		return
	}

	expected := negotiation.Version(request.Header.Get("If-Match"))
	version, err := s.backing.Put(request.Context(), record, expected)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, wirePutResult{Version: string(version)})
}

func (s *Server) handleChanges(writer http.ResponseWriter, request *http.Request) {
	session := negotiation.SessionKey(request.URL.Query().Get("session"))
	if session == "" {
		s.writeJSON(writer, http.StatusBadRequest, wireError{Error: "session query parameter is required"})
		return
	}
	cursor := negotiation.Cursor(request.URL.Query().Get("cursor"))

	records, next, err := s.backing.PollChanges(request.Context(), session, cursor)
	if err != nil {
		s.writeError(writer, err)
		return
	}

	response := wireChanges{Cursor: string(next), Records: make([]wireRecord, 0, len(records))}
	for _, record := range records {
		response.Records = append(response.Records, toWire(record))
	}
	s.writeJSON(writer, http.StatusOK, response)
}

// handleHints upgrades to WebSocket and forwards the backing store's
// hint channel as empty JSON messages. Delivery is best-effort by
// contract; a slow or dead subscriber is simply dropped.
func (s *Server) handleHints(writer http.ResponseWriter, request *http.Request) {
	session := negotiation.SessionKey(request.URL.Query().Get("session"))
	if session == "" {
		s.writeJSON(writer, http.StatusBadRequest, wireError{Error: "session query parameter is required"})
		return
	}

	hints, cancel, err := s.backing.SubscribeHints(request.Context(), session)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("hint subscription upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Read pump: we expect no client messages, but reading is how
	// gorilla surfaces the peer's close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-request.Context().Done():
			return
		case <-closed:
			return
		case <-hints:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("{}")); err != nil {
				return
			}
		}
	}
}

// writeError maps store errors onto HTTP statuses. The client peels
// the same mapping back off.
func (s *Server) writeError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, negotiation.ErrNotFound):
		s.writeJSON(writer, http.StatusNotFound, wireError{Error: "record not found"})
	case errors.Is(err, negotiation.ErrConflict):
		s.writeJSON(writer, http.StatusConflict, wireError{Error: "version conflict"})
	default:
		var storeErr *negotiation.StoreError
		if errors.As(err, &storeErr) && !storeErr.Transient {
			s.writeJSON(writer, http.StatusBadRequest, wireError{Error: storeErr.Message})
			return
		}
		s.logger.Error("store operation failed", "error", err)
		s.writeJSON(writer, http.StatusServiceUnavailable, wireError{Error: err.Error()})
	}
}

func (s *Server) writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		s.logger.Warn("writing response failed", "error", err)
	}
}
