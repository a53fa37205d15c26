// Copyright 2024-2026 Aiku AI

// Package database contains the bridge's persistent state: room bindings,
// inviter records, the transaction and ghost ledgers and bridge metadata.
// All access goes through dbutil query helpers; multi-statement operations
// run inside dbutil transactions.
package database

import (
	"go.mau.fi/util/dbutil"
)

// Database bundles the individual query helpers around one dbutil database.
type Database struct {
	*dbutil.Database

	RoomBinding       *RoomBindingQuery
	Inviter           *InviterQuery
	TransactionLedger *TransactionLedgerQuery
	GhostLedger       *GhostLedgerQuery
	Meta              *MetaQuery
}

// New wraps a dbutil database with the bridge's query helpers and attaches
// the schema upgrade table. Callers must run Upgrade before first use.
func New(db *dbutil.Database) *Database {
	db.UpgradeTable = UpgradeTable
	return &Database{
		Database:          db,
		RoomBinding:       &RoomBindingQuery{dbutil.MakeQueryHelper(db, newRoomBinding)},
		Inviter:           &InviterQuery{dbutil.MakeQueryHelper(db, newInviter)},
		TransactionLedger: &TransactionLedgerQuery{db},
		GhostLedger:       &GhostLedgerQuery{db},
		Meta:              &MetaQuery{db},
	}
}
