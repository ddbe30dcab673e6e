// Copyright 2025 Palaver IM Contributors
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package sqlutil carries small helpers shared by the SQL storage code.
package sqlutil

import (
	"database/sql"
	"fmt"
)

// A StatementList is a list of SQL statements to prepare and a location to
// store the prepared statement.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare the SQL for each statement in the list and assign the result to
// the prepared statement.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return fmt.Errorf("preparing %q: %w", statement.SQL, err)
		}
	}
	return
}

// TxStmt wraps an SQL stmt inside an optional transaction.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	succeeded := false
	defer func() {
		if succeeded {
			err = txn.Commit()
		} else {
			txn.Rollback() // nolint: errcheck
		}
	}()

	if err = fn(txn); err != nil {
		return
	}
	succeeded = true
	return
}
