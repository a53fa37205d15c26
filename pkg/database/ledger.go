// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"
)

// TransactionLedgerQuery tracks processed appservice transaction IDs. Each
// ID is written once; existence is checked before a transaction's event
// batch runs, giving at-most-once processing across restarts.
type TransactionLedgerQuery struct {
	db *dbutil.Database
}

func (tlq *TransactionLedgerQuery) IsProcessed(ctx context.Context, txnID string) (bool, error) {
	var exists bool
	err := tlq.db.
		QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transaction_ledger WHERE txn_id=$1)`, txnID).
		Scan(&exists)
	return exists, err
}

func (tlq *TransactionLedgerQuery) MarkProcessed(ctx context.Context, txnID string) error {
	_, err := tlq.db.Exec(ctx, `
		INSERT INTO transaction_ledger (txn_id, processed_at) VALUES ($1, $2)
		ON CONFLICT (txn_id) DO NOTHING
	`, txnID, time.Now().UnixMilli())
	return err
}

// GhostLedgerQuery tracks which ghost localparts have already been
// registered on the homeserver, so puppets are registered at most once.
type GhostLedgerQuery struct {
	db *dbutil.Database
}

func (glq *GhostLedgerQuery) IsRegistered(ctx context.Context, localpart string) (bool, error) {
	var exists bool
	err := glq.db.
		QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ghost_ledger WHERE localpart=$1)`, localpart).
		Scan(&exists)
	return exists, err
}

func (glq *GhostLedgerQuery) MarkRegistered(ctx context.Context, localpart string) error {
	_, err := glq.db.Exec(ctx, `
		INSERT INTO ghost_ledger (localpart, registered_at) VALUES ($1, $2)
		ON CONFLICT (localpart) DO NOTHING
	`, localpart, time.Now().UnixMilli())
	return err
}

// MetaQuery is a small key-value store for process-wide bridge state such
// as the persistent session ID.
type MetaQuery struct {
	db *dbutil.Database
}

func (mq *MetaQuery) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := mq.db.QueryRow(ctx, `SELECT meta_value FROM bridge_meta WHERE meta_key=$1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (mq *MetaQuery) Put(ctx context.Context, key, value string) error {
	_, err := mq.db.Exec(ctx, `
		INSERT INTO bridge_meta (meta_key, meta_value) VALUES ($1, $2)
		ON CONFLICT (meta_key) DO UPDATE SET meta_value=excluded.meta_value
	`, key, value)
	return err
}
