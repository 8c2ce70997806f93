// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Parley-call negotiates one media session with a remote participant
// through a rendezvous record store and reports session state until
// the call ends or the process is interrupted.
//
// The optional --config file is YAML holding the ICE configuration:
//
//	servers:
//	  - urls: ["stun:stun.example.org:3478"]
//	  - urls: ["turn:turn.example.org:3478"]
//	    username: alice
//	    credential: secret
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parley-net/parley/media"
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
		storeURL   string
		channel    string
		localID    string
		remoteID   string
		configPath string
		verbose    bool
	)
	flag.StringVar(&storeURL, "store-url", "http://localhost:8730", "rendezvous record store base URL")
	flag.StringVar(&channel, "channel", "", "shared channel identifier (required)")
	flag.StringVar(&localID, "local", "", "local participant identifier (required)")
	flag.StringVar(&remoteID, "remote", "", "remote participant identifier (required)")
	flag.StringVar(&configPath, "config", "", "YAML file with ICE server configuration (optional)")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	if channel == "" || localID == "" || remoteID == "" {
		return fmt.Errorf("--channel, --local, and --remote are required")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var iceConfig media.ICEConfig
	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &iceConfig); err != nil {
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := negotiation.NewEngine(negotiation.Config{
		Store: recordstore.NewClient(storeURL, logger),
		NewTransport: func(_ context.Context, _ negotiation.SessionKey) (negotiation.MediaTransport, error) {
			return media.New(iceConfig, logger)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	session, err := engine.Start(ctx,
		negotiation.ChannelID(channel),
		negotiation.ParticipantID(localID),
		negotiation.ParticipantID(remoteID))
	if err != nil {
		if session == nil {
			return err
		}
		// The session survives a failed first attempt; report and let
		// the state watcher show any recovery.
		logger.Warn("initial negotiation failed", "error", err)
	}

	logger.Info("session started",
		"key", session.Key(),
		"role", fmt.Sprintf("offerer=%t polite=%t", session.Role().Offerer, session.Role().Polite),
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted, closing session")
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := session.Close(closeCtx, "interrupted"); err != nil {
				logger.Warn("close failed", "error", err)
			}
			return engine.Close(closeCtx, "shutdown")
		case state := <-session.Updates():
			logger.Info("session state", "state", state)
			if state == negotiation.StateFailed {
				if lastErr := session.LastError(); lastErr != nil {
					logger.Error("session failed", "error", lastErr)
				}
			}
		case <-session.Done():
			logger.Info("session ended", "state", session.State())
			return nil
		}
	}
}
