// Copyright 2024-2026 Aiku AI

package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// RoomBinding is one bridged pairing between a Matrix room and an XMPP
// conference. The alias encodes the conference address and is the primary
// key; a room carries at most one binding.
type RoomBinding struct {
	Alias            id.RoomAlias
	RoomID           id.RoomID
	ConferenceLocal  string
	ConferenceDomain string
}

// ConferenceAddr returns the bare conference address (local@domain).
func (rb *RoomBinding) ConferenceAddr() string {
	return rb.ConferenceLocal + "@" + rb.ConferenceDomain
}

func newRoomBinding(_ *dbutil.QueryHelper[*RoomBinding]) *RoomBinding {
	return &RoomBinding{}
}

func (rb *RoomBinding) Scan(row dbutil.Scannable) (*RoomBinding, error) {
	err := row.Scan(&rb.Alias, &rb.RoomID, &rb.ConferenceLocal, &rb.ConferenceDomain)
	if err != nil {
		return nil, err
	}
	return rb, nil
}

func (rb *RoomBinding) sqlVariables() []any {
	return []any{rb.Alias, rb.RoomID, rb.ConferenceLocal, rb.ConferenceDomain}
}

const (
	getBindingByAliasQuery = `
		SELECT alias, room_id, conf_local, conf_domain FROM room_binding WHERE alias=$1
	`
	getBindingByRoomQuery = `
		SELECT alias, room_id, conf_local, conf_domain FROM room_binding WHERE room_id=$1
	`
	getAllBindingsQuery = `
		SELECT alias, room_id, conf_local, conf_domain FROM room_binding
	`
	upsertBindingQuery = `
		INSERT INTO room_binding (alias, room_id, conf_local, conf_domain)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO UPDATE
			SET alias=excluded.alias, conf_local=excluded.conf_local, conf_domain=excluded.conf_domain
	`
	deleteBindingQuery = `
		DELETE FROM room_binding WHERE room_id=$1
	`
)

type RoomBindingQuery struct {
	*dbutil.QueryHelper[*RoomBinding]
}

func (rbq *RoomBindingQuery) GetByAlias(ctx context.Context, alias id.RoomAlias) (*RoomBinding, error) {
	return rbq.QueryOne(ctx, getBindingByAliasQuery, alias)
}

func (rbq *RoomBindingQuery) GetByRoomID(ctx context.Context, roomID id.RoomID) (*RoomBinding, error) {
	return rbq.QueryOne(ctx, getBindingByRoomQuery, roomID)
}

func (rbq *RoomBindingQuery) GetAll(ctx context.Context) ([]*RoomBinding, error) {
	return rbq.QueryMany(ctx, getAllBindingsQuery)
}

// Put inserts or refreshes a binding. Saving an existing roomID+alias pair
// is a no-op update rather than a duplicate.
func (rbq *RoomBindingQuery) Put(ctx context.Context, rb *RoomBinding) error {
	return rbq.Exec(ctx, upsertBindingQuery, rb.sqlVariables()...)
}

func (rbq *RoomBindingQuery) Delete(ctx context.Context, roomID id.RoomID) error {
	return rbq.Exec(ctx, deleteBindingQuery, roomID)
}
