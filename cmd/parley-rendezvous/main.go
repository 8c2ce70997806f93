// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Parley-rendezvous serves the shared record store two peers negotiate
// through. With --db it persists records in SQLite so sessions survive
// a restart; without it the store is in-memory and ephemeral.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parley-net/parley/negotiation"
	"github.com/parley-net/parley/recordstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen string
		dbPath string
	)
	flag.StringVar(&listen, "listen", ":8730", "address to serve the record store API on")
	flag.StringVar(&dbPath, "db", "", "SQLite database path (empty for an in-memory store)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var backing negotiation.RecordStore
	if dbPath != "" {
		store, err := recordstore.OpenSQLiteStore(dbPath, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		backing = store
		logger.Info("record store opened", "path", dbPath)
	} else {
		backing = recordstore.NewMemoryStore()
		logger.Info("using in-memory record store")
	}

	server := &http.Server{
		Addr:        listen,
		Handler:     recordstore.NewServer(backing, logger),
		ReadTimeout: 30 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("rendezvous listening", "address", listen)
		errs <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
