// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package sqlite3 is the SQLite implementation of the persistence bridge.
package sqlite3

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/palaver-im/palaver/internal/sqlutil"
	"github.com/palaver-im/palaver/storage"
	"github.com/palaver-im/palaver/types"
)

// Database implements storage.Database on a local SQLite file.
type Database struct {
	db       *sql.DB
	snapshot *snapshotStatements
}

// NewDatabase opens (and if needed creates) the database at path. Use
// ":memory:" for an ephemeral database in tests.
func NewDatabase(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "opening snapshot database")
	}
	// SQLite locks the whole file per writer; more connections only add
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	snapshot, err := newSnapshotTable(db)
	if err != nil {
		db.Close() // nolint: errcheck
		return nil, errors.Wrap(err, "preparing snapshot table")
	}
	return &Database{db: db, snapshot: snapshot}, nil
}

// Save implements storage.Database.
func (d *Database) Save(ctx context.Context, snap *types.Snapshot) error {
	if snap == nil || snap.NextSyncToken == "" {
		return errors.New("refusing to save a snapshot without a continuation token")
	}
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		return d.snapshot.upsert(ctx, txn, snap, time.Now().UnixMilli())
	})
}

// Load implements storage.Database.
func (d *Database) Load(ctx context.Context) (*types.Snapshot, error) {
	snap, err := d.snapshot.selectOne(ctx, nil)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	if snap.NextSyncToken == "" {
		// A token-less snapshot cannot seed the sync driver; treat it
		// the same as having none.
		return nil, storage.ErrNoSnapshot
	}
	return snap, nil
}

// Clear implements storage.Database.
func (d *Database) Clear(ctx context.Context) error {
	return sqlutil.WithTransaction(d.db, func(txn *sql.Tx) error {
		return d.snapshot.delete(ctx, txn)
	})
}

// Close implements storage.Database.
func (d *Database) Close() error {
	return d.db.Close()
}
