// companion-sync - local-first conversation sync and streaming relay.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/billybrichards/companion-sync/internal/config"
	"github.com/billybrichards/companion-sync/internal/engine"
	"github.com/billybrichards/companion-sync/internal/remote"
	"github.com/billybrichards/companion-sync/internal/server"
	"github.com/billybrichards/companion-sync/internal/storage"
	"github.com/billybrichards/companion-sync/internal/stream"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("companion-sync %s (%s)\n", Version, GitCommit)
		return
	}

	if err := run(*configPath); err != nil {
		log.Printf("FATAL | %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var store *storage.Store
	if cfg.Storage.SealPassphrase != "" {
		store, err = storage.OpenSealed(cfg.Storage.Path, cfg.Storage.SealPassphrase)
	} else {
		store, err = storage.Open(cfg.Storage.Path)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	backend := remote.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token,
		remote.WithRetryPolicy(remote.RetryPolicy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
			Multiplier:   cfg.Retry.Multiplier,
		}),
	)

	session := engine.Session{}
	if cfg.Backend.Token != "" {
		userID := cfg.Backend.UserID
		if userID == "" {
			userID = "default"
		}
		session = engine.Session{UserID: userID, Authenticated: true}
	}

	eng := engine.New(session, store, backend, engine.WithDebounce(cfg.DebounceInterval()))
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Another process writing the store (a second tab) triggers a
	// reload so both views converge on last-write-wins.
	watcher, err := storage.NewWatcher(store, cfg.WatchDebounceInterval(), func() {
		log.Printf("STORE_CHANGED | reloading conversations")
		eng.LoadConversations(ctx)
	})
	if err != nil {
		log.Printf("WATCH_DISABLED | err=%v", err)
	} else {
		defer watcher.Close()
	}

	if session.Authenticated {
		eng.Login(ctx, session.UserID)
	} else {
		eng.LoadConversations(ctx)
	}

	upstream := stream.NewUpstreamClient(cfg.Backend.BaseURL, cfg.Backend.Token)
	srv := server.New(eng, upstream, server.Options{
		AuthToken: cfg.Server.AuthToken,
		RateRPS:   cfg.Server.RateRPS,
		RateBurst: cfg.Server.RateBurst,
	})

	return srv.ListenAndServe(ctx, cfg.Server.Listen)
}
