// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

package sqlite3

import (
	"context"
	"database/sql"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/palaver-im/palaver/internal/sqlutil"
	"github.com/palaver-im/palaver/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS palaver_snapshot (
	-- single-row table: there is exactly one snapshot per database
	id INTEGER PRIMARY KEY CHECK (id = 1),
	aggregates BLOB NOT NULL,
	last_seen BLOB NOT NULL,
	direct_rooms BLOB NOT NULL,
	next_sync_token TEXT NOT NULL,
	saved_at_ms BIGINT NOT NULL
);`

const upsertSnapshotSQL = `INSERT INTO palaver_snapshot
  (id, aggregates, last_seen, direct_rooms, next_sync_token, saved_at_ms)
  VALUES (1, $1, $2, $3, $4, $5)
  ON CONFLICT (id)
  DO UPDATE SET aggregates = $1, last_seen = $2, direct_rooms = $3, next_sync_token = $4, saved_at_ms = $5`

const selectSnapshotSQL = `SELECT aggregates, last_seen, direct_rooms, next_sync_token
  FROM palaver_snapshot WHERE id = 1`

const deleteSnapshotSQL = `DELETE FROM palaver_snapshot WHERE id = 1`

type snapshotStatements struct {
	db             *sql.DB
	upsertSnapshot *sql.Stmt
	selectSnapshot *sql.Stmt
	deleteSnapshot *sql.Stmt
}

func newSnapshotTable(db *sql.DB) (*snapshotStatements, error) {
	if _, err := db.Exec(snapshotSchema); err != nil {
		return nil, err
	}
	s := &snapshotStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.upsertSnapshot, upsertSnapshotSQL},
		{&s.selectSnapshot, selectSnapshotSQL},
		{&s.deleteSnapshot, deleteSnapshotSQL},
	}.Prepare(db)
}

func (s *snapshotStatements) upsert(ctx context.Context, txn *sql.Tx, snap *types.Snapshot, savedAtMS int64) error {
	aggregates, err := json.Marshal(snap.Aggregates)
	if err != nil {
		return errors.Wrap(err, "encoding aggregates")
	}
	lastSeen, err := json.Marshal(snap.LastSeen)
	if err != nil {
		return errors.Wrap(err, "encoding presence estimates")
	}
	directRooms, err := json.Marshal(snap.DirectRooms)
	if err != nil {
		return errors.Wrap(err, "encoding direct-room registry")
	}
	_, err = sqlutil.TxStmt(txn, s.upsertSnapshot).ExecContext(
		ctx, aggregates, lastSeen, directRooms, snap.NextSyncToken, savedAtMS,
	)
	return err
}

func (s *snapshotStatements) selectOne(ctx context.Context, txn *sql.Tx) (*types.Snapshot, error) {
	var aggregates, lastSeen, directRooms []byte
	snap := &types.Snapshot{}
	err := sqlutil.TxStmt(txn, s.selectSnapshot).QueryRowContext(ctx).Scan(
		&aggregates, &lastSeen, &directRooms, &snap.NextSyncToken,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(aggregates, &snap.Aggregates); err != nil {
		return nil, errors.Wrap(err, "decoding aggregates")
	}
	if err := json.Unmarshal(lastSeen, &snap.LastSeen); err != nil {
		return nil, errors.Wrap(err, "decoding presence estimates")
	}
	if err := json.Unmarshal(directRooms, &snap.DirectRooms); err != nil {
		return nil, errors.Wrap(err, "decoding direct-room registry")
	}
	return snap, nil
}

func (s *snapshotStatements) delete(ctx context.Context, txn *sql.Tx) error {
	_, err := sqlutil.TxStmt(txn, s.deleteSnapshot).ExecContext(ctx)
	return err
}
