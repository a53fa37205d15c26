// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// Inviter records which user invited the bridge bot into a room. Only that
// user may issue connect/disconnect commands there.
type Inviter struct {
	RoomID id.RoomID
	UserID id.UserID
}

func newInviter(_ *dbutil.QueryHelper[*Inviter]) *Inviter {
	return &Inviter{}
}

func (inv *Inviter) Scan(row dbutil.Scannable) (*Inviter, error) {
	err := row.Scan(&inv.RoomID, &inv.UserID)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (inv *Inviter) sqlVariables() []any {
	return []any{inv.RoomID, inv.UserID}
}

const (
	getInviterQuery     = `SELECT room_id, user_id FROM inviter WHERE room_id=$1`
	getAllInvitersQuery = `SELECT room_id, user_id FROM inviter`
	upsertInviterQuery  = `
		INSERT INTO inviter (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET user_id=excluded.user_id
	`
	deleteInviterQuery = `DELETE FROM inviter WHERE room_id=$1`
)

type InviterQuery struct {
	*dbutil.QueryHelper[*Inviter]
}

func (iq *InviterQuery) Get(ctx context.Context, roomID id.RoomID) (*Inviter, error) {
	return iq.QueryOne(ctx, getInviterQuery, roomID)
}

func (iq *InviterQuery) GetAll(ctx context.Context) ([]*Inviter, error) {
	return iq.QueryMany(ctx, getAllInvitersQuery)
}

func (iq *InviterQuery) Put(ctx context.Context, inv *Inviter) error {
	return iq.Exec(ctx, upsertInviterQuery, inv.sqlVariables()...)
}

func (iq *InviterQuery) Delete(ctx context.Context, roomID id.RoomID) error {
	return iq.Exec(ctx, deleteInviterQuery, roomID)
}
