// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package sync drives the long-poll loop against the homeserver and feeds
// payloads to the room state store in arrival order.
package sync

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/palaver-im/palaver/api"
	"github.com/palaver-im/palaver/types"
)

const (
	// bootstrapTimeout keeps the first polls short: there is always data
	// waiting, so holding the request open buys nothing.
	bootstrapTimeout = time.Second
	retryDelay       = 15 * time.Second
)

// Store is the payload sink the driver feeds.
type Store interface {
	ApplyInitialSnapshot(*types.SyncPayload) error
	ApplyInitialTimelines(*types.SyncPayload) error
	ApplyIncrementalPayload(*types.SyncPayload) error
	SetSyncComplete(bool)
}

// Syncer is the slice of the homeserver client the driver needs.
type Syncer interface {
	Sync(ctx context.Context, since string, filter api.SyncFilter, timeout time.Duration) (*types.SyncPayload, error)
}

// Options configures a Driver.
type Options struct {
	// PollTimeout bounds each steady-state long poll. Defaults to 30s.
	PollTimeout time.Duration
	// RetryDelay is the pause after a failed poll. Defaults to 15s.
	RetryDelay time.Duration
	// Offline is shared with the HTTP client so receipts can be
	// suppressed during outages. Created when nil.
	Offline *atomic.Bool
	// OnUnknownToken, when non-nil, runs once if the server invalidates
	// the access token. The loop stops afterwards.
	OnUnknownToken func()
}

// Driver runs the sync loop. One payload is fully applied before the next
// poll is issued, so the store's single-writer discipline holds.
type Driver struct {
	store  Store
	client Syncer
	opts   Options

	mu        sync.Mutex
	nextToken string

	stopped    *atomic.Bool
	offline    *atomic.Bool
	generation *atomic.Int64
	done       chan struct{}
}

// NewDriver returns a stopped driver; call Start to begin polling.
func NewDriver(store Store, client Syncer, opts Options) *Driver {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = retryDelay
	}
	if opts.Offline == nil {
		opts.Offline = atomic.NewBool(false)
	}
	return &Driver{
		store:      store,
		client:     client,
		opts:       opts,
		stopped:    atomic.NewBool(true),
		offline:    opts.Offline,
		generation: atomic.NewInt64(0),
	}
}

// Offline exposes the shared offline flag.
func (d *Driver) Offline() *atomic.Bool {
	return d.offline
}

// NextToken returns the continuation token of the last applied payload.
// Persist it alongside the store snapshot; restarting from it skips the
// bootstrap.
func (d *Driver) NextToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextToken
}

// SetNextToken primes the continuation token, typically from a restored
// snapshot before Start.
func (d *Driver) SetNextToken(token string) {
	d.mu.Lock()
	d.nextToken = token
	d.mu.Unlock()
}

// ClearNextToken drops the continuation token so the next Start runs a full
// bootstrap.
func (d *Driver) ClearNextToken() {
	d.SetNextToken("")
}

// Start launches the loop in its own goroutine. Starting again supersedes
// any previous loop: the old one exits after its current poll.
func (d *Driver) Start(ctx context.Context) {
	gen := d.generation.Inc()
	d.stopped.Store(false)
	d.done = make(chan struct{})
	go d.run(ctx, gen, d.done)
}

// Stop halts the loop after its current poll and waits for it to exit.
func (d *Driver) Stop() {
	d.stopped.Store(true)
	d.generation.Inc()
	if d.done != nil {
		<-d.done
	}
}

func (d *Driver) stale(gen int64) bool {
	return d.stopped.Load() || d.generation.Load() != gen
}

func (d *Driver) run(ctx context.Context, gen int64, done chan struct{}) {
	defer close(done)

	token := d.NextToken()
	log := logrus.WithField("component", "sync")

	if token == "" {
		if !d.bootstrap(ctx, gen, log) {
			return
		}
	}

	for !d.stale(gen) {
		token = d.NextToken()
		payload, err := d.client.Sync(ctx, token, api.StreamFilter(), d.opts.PollTimeout)
		if err != nil {
			if !d.handleSyncError(ctx, gen, err, log) {
				return
			}
			continue
		}
		d.offline.Store(false)
		if d.stale(gen) {
			return
		}

		if applyErr := d.store.ApplyIncrementalPayload(payload); applyErr != nil {
			log.WithError(applyErr).Error("Failed to apply incremental payload")
			sentry.CaptureException(applyErr)
		}
		d.SetNextToken(payload.NextBatch)
	}
}

// bootstrap performs the two-stage initial sync: a state-only snapshot
// first, so the room list appears immediately, then a token-less streaming
// poll whose timelines complete the picture.
func (d *Driver) bootstrap(ctx context.Context, gen int64, log *logrus.Entry) bool {
	for {
		snapshot, err := d.client.Sync(ctx, "", api.SnapshotFilter(), bootstrapTimeout)
		if err != nil {
			if !d.handleSyncError(ctx, gen, err, log) {
				return false
			}
			continue
		}
		if d.stale(gen) {
			return false
		}
		if applyErr := d.store.ApplyInitialSnapshot(snapshot); applyErr != nil {
			log.WithError(applyErr).Error("Failed to apply initial snapshot")
			sentry.CaptureException(applyErr)
		}
		break
	}

	for {
		payload, err := d.client.Sync(ctx, "", api.StreamFilter(), bootstrapTimeout)
		if err != nil {
			if !d.handleSyncError(ctx, gen, err, log) {
				return false
			}
			continue
		}
		if d.stale(gen) {
			return false
		}
		d.offline.Store(false)
		if applyErr := d.store.ApplyInitialTimelines(payload); applyErr != nil {
			log.WithError(applyErr).Error("Failed to apply initial timelines")
			sentry.CaptureException(applyErr)
		}
		d.SetNextToken(payload.NextBatch)
		return true
	}
}

// handleSyncError reports a failed poll and decides whether the loop
// continues. The store is marked sync-complete so the UI stops showing a
// spinner over stale-but-usable data.
func (d *Driver) handleSyncError(ctx context.Context, gen int64, err error, log *logrus.Entry) bool {
	d.offline.Store(true)
	d.store.SetSyncComplete(true)

	if api.IsUnknownToken(err) {
		log.WithError(err).Warn("Access token invalidated, stopping sync")
		if d.opts.OnUnknownToken != nil {
			d.opts.OnUnknownToken()
		}
		d.stopped.Store(true)
		return false
	}

	log.WithError(err).Warn("Sync poll failed, retrying")
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d.opts.RetryDelay):
	}
	return !d.stale(gen)
}
