// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-xmpp/pkg/database"
)

// dbStore adapts the dbutil-backed database to the Store interface.
type dbStore struct {
	db *database.Database
}

// NewStore wraps the bridge database as a Store.
func NewStore(db *database.Database) Store {
	return &dbStore{db: db}
}

func (s *dbStore) RunInTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.DoTxn(ctx, nil, fn)
}

func (s *dbStore) BindingByRoom(ctx context.Context, roomID id.RoomID) (*database.RoomBinding, error) {
	return s.db.RoomBinding.GetByRoomID(ctx, roomID)
}

func (s *dbStore) BindingByAlias(ctx context.Context, alias id.RoomAlias) (*database.RoomBinding, error) {
	return s.db.RoomBinding.GetByAlias(ctx, alias)
}

func (s *dbStore) AllBindings(ctx context.Context) ([]*database.RoomBinding, error) {
	return s.db.RoomBinding.GetAll(ctx)
}

func (s *dbStore) PutBinding(ctx context.Context, binding *database.RoomBinding) error {
	return s.db.RoomBinding.Put(ctx, binding)
}

func (s *dbStore) DeleteBinding(ctx context.Context, roomID id.RoomID) error {
	return s.db.RoomBinding.Delete(ctx, roomID)
}

func (s *dbStore) Inviter(ctx context.Context, roomID id.RoomID) (id.UserID, error) {
	inv, err := s.db.Inviter.Get(ctx, roomID)
	if err != nil || inv == nil {
		return "", err
	}
	return inv.UserID, nil
}

func (s *dbStore) AllInviters(ctx context.Context) (map[id.RoomID]id.UserID, error) {
	invs, err := s.db.Inviter.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[id.RoomID]id.UserID, len(invs))
	for _, inv := range invs {
		out[inv.RoomID] = inv.UserID
	}
	return out, nil
}

func (s *dbStore) PutInviter(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	return s.db.Inviter.Put(ctx, &database.Inviter{RoomID: roomID, UserID: userID})
}

func (s *dbStore) DeleteInviter(ctx context.Context, roomID id.RoomID) error {
	return s.db.Inviter.Delete(ctx, roomID)
}

func (s *dbStore) IsTransactionProcessed(ctx context.Context, txnID string) (bool, error) {
	return s.db.TransactionLedger.IsProcessed(ctx, txnID)
}

func (s *dbStore) MarkTransactionProcessed(ctx context.Context, txnID string) error {
	return s.db.TransactionLedger.MarkProcessed(ctx, txnID)
}

func (s *dbStore) IsGhostRegistered(ctx context.Context, localpart string) (bool, error) {
	return s.db.GhostLedger.IsRegistered(ctx, localpart)
}

func (s *dbStore) MarkGhostRegistered(ctx context.Context, localpart string) error {
	return s.db.GhostLedger.MarkRegistered(ctx, localpart)
}

func (s *dbStore) Meta(ctx context.Context, key string) (string, error) {
	return s.db.Meta.Get(ctx, key)
}

func (s *dbStore) PutMeta(ctx context.Context, key, value string) error {
	return s.db.Meta.Put(ctx, key, value)
}
