// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/palaver-im/palaver/types"
)

// Snapshotter produces a point-in-time copy of the in-memory room state.
type Snapshotter interface {
	Snapshot() *types.Snapshot
}

// TokenSource reports the sync continuation token the snapshot should
// resume from.
type TokenSource interface {
	NextToken() string
}

const DefaultCheckpointInterval = 30 * time.Second

// Checkpointer periodically persists the room state so a restart can
// resume from the last sync position instead of a full snapshot fetch.
type Checkpointer struct {
	db        Database
	state     Snapshotter
	tokens    TokenSource
	interval  time.Duration
	lastToken string
}

func NewCheckpointer(db Database, state Snapshotter, tokens TokenSource, interval time.Duration) *Checkpointer {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &Checkpointer{
		db:       db,
		state:    state,
		tokens:   tokens,
		interval: interval,
	}
}

// Checkpoint persists the current state if the sync position has moved
// since the last write. It is a no-op while no continuation token exists,
// which covers the window before the initial sync completes.
func (c *Checkpointer) Checkpoint(ctx context.Context) error {
	token := c.tokens.NextToken()
	if token == "" || token == c.lastToken {
		return nil
	}
	snap := c.state.Snapshot()
	snap.NextSyncToken = token
	if err := c.db.Save(ctx, snap); err != nil {
		return err
	}
	c.lastToken = token
	return nil
}

// Run checkpoints on a fixed interval until ctx is cancelled, then takes
// a final checkpoint so shutdown never loses the last sync position.
func (c *Checkpointer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Checkpoint(ctx); err != nil {
				logrus.WithError(err).Error("Failed to checkpoint room state")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Checkpoint(shutdownCtx); err != nil {
				logrus.WithError(err).Error("Failed to checkpoint room state on shutdown")
			}
			cancel()
			return
		}
	}
}
