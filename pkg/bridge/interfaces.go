// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"mellium.im/xmpp/jid"

	"github.com/aiku/mautrix-xmpp/pkg/database"
)

// MatrixAPI is the homeserver surface the bridge core needs. The production
// implementation wraps appservice-authenticated mautrix clients; tests
// inject a fake.
type MatrixAPI interface {
	BotUserID() id.UserID
	GhostUserID(localpart string) id.UserID

	EnsureRegistered(ctx context.Context, localpart string) error
	SetDisplayName(ctx context.Context, user id.UserID, name string) error
	EnsureJoined(ctx context.Context, user id.UserID, room id.RoomID) error
	LeaveRoom(ctx context.Context, user id.UserID, room id.RoomID) error

	SendMessage(ctx context.Context, user id.UserID, room id.RoomID, body string) error
	SendNotice(ctx context.Context, room id.RoomID, text string) error
	SetPresence(ctx context.Context, user id.UserID, presence event.Presence) error

	CreateAlias(ctx context.Context, alias id.RoomAlias, room id.RoomID) error
	DeleteAlias(ctx context.Context, alias id.RoomAlias) error
	Aliases(ctx context.Context, room id.RoomID) ([]id.RoomAlias, error)
	JoinedMembers(ctx context.Context, room id.RoomID) ([]id.UserID, error)
	IsJoined(ctx context.Context, room id.RoomID) (bool, error)
}

// XMPPGateway is the federation surface the bridge core needs: conference
// membership under arbitrary nicknames, occupant discovery and outbound
// sends. Session establishment and stream handling live behind it.
type XMPPGateway interface {
	Connect(ctx context.Context) error
	Close() error

	EnterConference(ctx context.Context, conference jid.JID, nick string) error
	ExitConference(ctx context.Context, conference jid.JID, nick string) error
	Occupants(ctx context.Context, conference jid.JID) ([]string, error)
	SendGroupMessage(ctx context.Context, conference jid.JID, nick, body string) error
}

// Store is the persistence surface the bridge core needs. All write methods
// are individually transactional; RunInTxn groups several into one database
// transaction.
type Store interface {
	RunInTxn(ctx context.Context, fn func(ctx context.Context) error) error

	BindingByRoom(ctx context.Context, roomID id.RoomID) (*database.RoomBinding, error)
	BindingByAlias(ctx context.Context, alias id.RoomAlias) (*database.RoomBinding, error)
	AllBindings(ctx context.Context) ([]*database.RoomBinding, error)
	PutBinding(ctx context.Context, binding *database.RoomBinding) error
	DeleteBinding(ctx context.Context, roomID id.RoomID) error

	Inviter(ctx context.Context, roomID id.RoomID) (id.UserID, error)
	AllInviters(ctx context.Context) (map[id.RoomID]id.UserID, error)
	PutInviter(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	DeleteInviter(ctx context.Context, roomID id.RoomID) error

	IsTransactionProcessed(ctx context.Context, txnID string) (bool, error)
	MarkTransactionProcessed(ctx context.Context, txnID string) error

	IsGhostRegistered(ctx context.Context, localpart string) (bool, error)
	MarkGhostRegistered(ctx context.Context, localpart string) error

	Meta(ctx context.Context, key string) (string, error)
	PutMeta(ctx context.Context, key, value string) error
}
