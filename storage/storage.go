// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage persists store snapshots between sessions, so a restart
// resumes from the last continuation token instead of a full bootstrap.
package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/palaver-im/palaver/types"
)

// ErrNoSnapshot is returned by Load when no usable snapshot exists, either
// because none was ever saved or because the saved one is unusable.
var ErrNoSnapshot = errors.New("storage: no snapshot available")

// Database is the persistence bridge. Writes replace the previous snapshot
// atomically: a crash mid-checkpoint leaves the old snapshot intact.
type Database interface {
	// Save persists snap, replacing any previous snapshot. Snapshots
	// without a continuation token are rejected; restoring one would
	// leave the sync driver with no resume point.
	Save(ctx context.Context, snap *types.Snapshot) error
	// Load returns the persisted snapshot, or ErrNoSnapshot.
	Load(ctx context.Context) (*types.Snapshot, error)
	// Clear drops the snapshot, typically at logout.
	Clear(ctx context.Context) error
	Close() error
}
