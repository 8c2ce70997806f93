// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package recordstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/parley-net/parley/lib/sqlitepool"
	"github.com/parley-net/parley/negotiation"
)

// Compile-time interface check.
var _ negotiation.RecordStore = (*SQLiteStore)(nil)

// recordSchema holds the record slots and a per-write sequence number
// that doubles as the change cursor. Records are only ever replaced
// in place, so the table stays as small as the set of live slots.
const recordSchema = `
CREATE TABLE IF NOT EXISTS records (
	key         TEXT PRIMARY KEY,
	session_key TEXT NOT NULL,
	kind        TEXT NOT NULL,
	owner       TEXT NOT NULL,
	payload     BLOB NOT NULL,
	version     TEXT NOT NULL,
	seq         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS records_session_seq ON records (session_key, seq);
CREATE TABLE IF NOT EXISTS record_meta (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	seq INTEGER NOT NULL
);
INSERT OR IGNORE INTO record_meta (id, seq) VALUES (1, 0);
`

// SQLiteStore is a durable RecordStore over a SQLite database. It
// serves as the rendezvous server's persistent backing; change hints
// are fanned out in-process (the HTTP server forwards them to remote
// subscribers over WebSocket).
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger

	mu   sync.Mutex
	subs map[negotiation.SessionKey]map[*hintSub]struct{}
}

// OpenSQLiteStore opens (and if necessary creates) the database at
// path. The caller must Close the store when done.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, recordSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	return &SQLiteStore{
		pool:   pool,
		logger: logger,
		subs:   make(map[negotiation.SessionKey]map[*hintSub]struct{}),
	}, nil
}

// Close releases the connection pool.
func (s *SQLiteStore) Close() error {
	return s.pool.Close()
}

// Get returns the record at key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (negotiation.Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return negotiation.Record{}, err
	}
	defer s.pool.Put(conn)

	var record negotiation.Record
	found := false
	err = sqlitex.Execute(conn,
		`SELECT key, session_key, kind, owner, payload, version FROM records WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				record = recordFromRow(stmt)
				return nil
			},
		})
	if err != nil {
		return negotiation.Record{}, fmt.Errorf("reading record %s: %w", key, err)
	}
	if !found {
		return negotiation.Record{}, negotiation.ErrNotFound
	}
	return record, nil
}

// Put writes a record inside one transaction: version precondition,
// sequence bump, slot replacement.
func (s *SQLiteStore) Put(ctx context.Context, record negotiation.Record, expected negotiation.Version) (negotiation.Version, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return negotiation.NoVersion, err
	}
	defer s.pool.Put(conn)

	version, err := s.putInTx(conn, record, expected)
	if err != nil {
		return negotiation.NoVersion, err
	}

	s.notify(record.Session)
	return version, nil
}

func (s *SQLiteStore) putInTx(conn *sqlite.Conn, record negotiation.Record, expected negotiation.Version) (version negotiation.Version, err error) {
	release := sqlitex.Save(conn)
	defer release(&err)

	currentVersion := negotiation.NoVersion
	exists := false
	err = sqlitex.Execute(conn,
		`SELECT version FROM records WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{record.Key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				currentVersion = negotiation.Version(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return negotiation.NoVersion, fmt.Errorf("checking record %s: %w", record.Key, err)
	}
	if expected != negotiation.NoVersion && (!exists || currentVersion != expected) {
		return negotiation.NoVersion, negotiation.ErrConflict
	}

	var seq int64
	err = sqlitex.Execute(conn,
		`UPDATE record_meta SET seq = seq + 1 WHERE id = 1 RETURNING seq`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return negotiation.NoVersion, fmt.Errorf("advancing change sequence: %w", err)
	}

	version = negotiation.Version(uuid.NewString())
	err = sqlitex.Execute(conn,
		`INSERT INTO records (key, session_key, kind, owner, payload, version, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   session_key = excluded.session_key,
		   kind = excluded.kind,
		   owner = excluded.owner,
		   payload = excluded.payload,
		   version = excluded.version,
		   seq = excluded.seq`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.Key,
				string(record.Session),
				string(record.Kind),
				string(record.Owner),
				record.Payload,
				string(version),
				seq,
			},
		})
	if err != nil {
		return negotiation.NoVersion, fmt.Errorf("writing record %s: %w", record.Key, err)
	}
	return version, nil
}

// PollChanges returns the session's records written after cursor.
func (s *SQLiteStore) PollChanges(ctx context.Context, session negotiation.SessionKey, cursor negotiation.Cursor) ([]negotiation.Record, negotiation.Cursor, error) {
	after := int64(0)
	if cursor != "" {
		parsed, err := strconv.ParseInt(string(cursor), 10, 64)
		if err != nil {
			return nil, "", &negotiation.StoreError{Message: "malformed cursor " + string(cursor)}
		}
		after = parsed
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, "", err
	}
	defer s.pool.Put(conn)

	var records []negotiation.Record
	err = sqlitex.Execute(conn,
		`SELECT key, session_key, kind, owner, payload, version FROM records
		 WHERE session_key = ? AND seq > ? ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{string(session), after},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, recordFromRow(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, "", fmt.Errorf("polling changes for %s: %w", session, err)
	}

	var latest int64
	err = sqlitex.Execute(conn,
		`SELECT seq FROM record_meta WHERE id = 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				latest = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return nil, "", fmt.Errorf("reading change sequence: %w", err)
	}

	return records, negotiation.Cursor(strconv.FormatInt(latest, 10)), nil
}

// SubscribeHints registers an in-process hint channel for the
// session. Hints fire for writes through this store instance only;
// cross-process subscribers go through the HTTP server's WebSocket
// endpoint, which wraps this.
func (s *SQLiteStore) SubscribeHints(ctx context.Context, session negotiation.SessionKey) (<-chan struct{}, func(), error) {
	sub := &hintSub{ch: make(chan struct{}, 1)}

	s.mu.Lock()
	if s.subs[session] == nil {
		s.subs[session] = make(map[*hintSub]struct{})
	}
	s.subs[session][sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[session], sub)
			s.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()

	return sub.ch, cancel, nil
}

func (s *SQLiteStore) notify(session negotiation.SessionKey) {
	s.mu.Lock()
	waiting := make([]*hintSub, 0, len(s.subs[session]))
	for sub := range s.subs[session] {
		waiting = append(waiting, sub)
	}
	s.mu.Unlock()

	for _, sub := range waiting {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// recordFromRow reads the standard six-column record projection.
func recordFromRow(stmt *sqlite.Stmt) negotiation.Record {
	payload := make([]byte, stmt.ColumnLen(4))
	stmt.ColumnBytes(4, payload)
	return negotiation.Record{
		Key:     stmt.ColumnText(0),
		Session: negotiation.SessionKey(stmt.ColumnText(1)),
		Kind:    negotiation.RecordKind(stmt.ColumnText(2)),
		Owner:   negotiation.ParticipantID(stmt.ColumnText(3)),
		Payload: payload,
		Version: negotiation.Version(stmt.ColumnText(5)),
	}
}
