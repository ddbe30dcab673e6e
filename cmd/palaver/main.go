// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package main runs the Palaver sync client as a long-lived process: it
// restores the last room state snapshot, keeps it current against the
// homeserver and checkpoints it back to disk.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/palaver-im/palaver/adminapi"
	"github.com/palaver-im/palaver/api"
	"github.com/palaver-im/palaver/internal/fulltext"
	"github.com/palaver-im/palaver/internal/httputil"
	"github.com/palaver-im/palaver/pagination"
	"github.com/palaver-im/palaver/setup/config"
	"github.com/palaver-im/palaver/state"
	"github.com/palaver-im/palaver/storage"
	"github.com/palaver-im/palaver/storage/sqlite3"
	syncdriver "github.com/palaver-im/palaver/sync"
)

func main() {
	configPath := flag.String("config", "palaver.yaml", "Path to the configuration file")
	resetState := flag.Bool("reset", false, "Discard the persisted snapshot and resync from scratch")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.WithField("level", cfg.Logging.Level).Warn("Unknown log level, using info")
	}

	if cfg.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			ServerName:       cfg.Homeserver.UserID,
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Panic("failed to start Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	db, err := sqlite3.NewDatabase(cfg.Storage.SnapshotPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open snapshot database")
	}
	defer db.Close() // nolint: errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *resetState {
		if err := db.Clear(ctx); err != nil {
			logrus.WithError(err).Fatal("Failed to clear snapshot database")
		}
		logrus.Info("Persisted state discarded, performing a full resync")
	}

	var indexer *fulltext.Search
	if cfg.Storage.FulltextPath != "" {
		indexer, err = fulltext.New(cfg.Storage.FulltextPath)
	} else {
		indexer, err = fulltext.NewMemOnly()
	}
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open full-text index")
	}
	defer indexer.Close() // nolint: errcheck

	store := state.NewStore(state.Options{
		UserID:           cfg.Homeserver.UserID,
		InactivityWindow: cfg.Sync.InactivityWindow,
		Fulltext:         indexer,
	})

	offline := atomic.NewBool(false)
	client, err := api.NewHTTPClient(api.Options{
		HomeserverURL: cfg.Homeserver.URL,
		AccessToken:   cfg.Homeserver.AccessToken,
		Timeout:       cfg.Homeserver.RequestTimeout + cfg.Sync.PollTimeout,
		Offline:       offline,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create homeserver client")
	}

	driver := syncdriver.NewDriver(store, client, syncdriver.Options{
		PollTimeout: cfg.Sync.PollTimeout,
		RetryDelay:  cfg.Sync.RetryDelay,
		Offline:     offline,
		OnUnknownToken: func() {
			logrus.Error("Homeserver no longer recognises our sync position, restart with -reset")
			stop()
		},
	})

	if snap, err := db.Load(ctx); err == nil {
		if store.Restore(snap) {
			driver.SetNextToken(snap.NextSyncToken)
			logrus.WithField("rooms", len(snap.Aggregates)).Info("Restored state from snapshot")
		} else {
			logrus.Warn("Persisted snapshot was empty, performing a full resync")
		}
	} else if err != storage.ErrNoSnapshot {
		logrus.WithError(err).Fatal("Failed to load snapshot")
	}

	paginator := pagination.NewPaginator(store, client, cfg.Sync.PageSize)

	if cfg.AdminAPI.Enabled {
		router := mux.NewRouter()
		adminapi.Setup(router, store, paginator, httputil.NewRateLimits(10, time.Second))
		adminSrv := &http.Server{
			Addr:         cfg.AdminAPI.ListenAddress,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		go func() {
			logrus.WithField("address", cfg.AdminAPI.ListenAddress).Info("Admin API listening")
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.WithError(err).Error("Admin API server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			adminSrv.Shutdown(shutdownCtx) // nolint: errcheck
			cancel()
		}()
	}

	checkpointer := storage.NewCheckpointer(db, store, driver, cfg.Storage.CheckpointInterval)

	logrus.WithFields(logrus.Fields{
		"homeserver": cfg.Homeserver.URL,
		"user_id":    cfg.Homeserver.UserID,
	}).Info("Starting sync")

	driver.Start(ctx)
	checkpointer.Run(ctx)

	// Run returned because ctx was cancelled; it has already taken the
	// shutdown checkpoint.
	driver.Stop()
	logrus.Info("Shutdown complete")
}
