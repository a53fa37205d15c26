// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// AppserviceMatrix implements MatrixAPI with appservice-authenticated
// mautrix clients: the bot client for room management and impersonating
// clients for ghost users.
type AppserviceMatrix struct {
	as     *appservice.AppService
	domain string
	log    zerolog.Logger
}

var _ MatrixAPI = (*AppserviceMatrix)(nil)

func NewAppserviceMatrix(as *appservice.AppService, cfg *Config, log zerolog.Logger) *AppserviceMatrix {
	return &AppserviceMatrix{
		as:     as,
		domain: cfg.Homeserver.Domain,
		log:    log.With().Str("component", "matrix_api").Logger(),
	}
}

func (a *AppserviceMatrix) BotUserID() id.UserID {
	return a.as.BotMXID()
}

func (a *AppserviceMatrix) GhostUserID(localpart string) id.UserID {
	return id.NewUserID(localpart, a.domain)
}

func (a *AppserviceMatrix) client(user id.UserID) *mautrix.Client {
	if user == a.as.BotMXID() {
		return a.as.BotClient()
	}
	return a.as.Client(user)
}

// EnsureRegistered registers the account on the homeserver. A user-in-use
// response counts as success: the account already exists.
func (a *AppserviceMatrix) EnsureRegistered(ctx context.Context, localpart string) error {
	_, _, err := a.as.BotClient().Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("failed to register %s: %w", localpart, err)
	}
	return nil
}

func (a *AppserviceMatrix) SetDisplayName(ctx context.Context, user id.UserID, name string) error {
	return a.client(user).SetDisplayName(ctx, name)
}

// EnsureJoined joins the user to the room. The join endpoint is idempotent
// on the homeserver side, so an already-joined user is not an error.
func (a *AppserviceMatrix) EnsureJoined(ctx context.Context, user id.UserID, room id.RoomID) error {
	_, err := a.client(user).JoinRoomByID(ctx, room)
	return err
}

func (a *AppserviceMatrix) LeaveRoom(ctx context.Context, user id.UserID, room id.RoomID) error {
	_, err := a.client(user).LeaveRoom(ctx, room)
	return err
}

func (a *AppserviceMatrix) SendMessage(ctx context.Context, user id.UserID, room id.RoomID, body string) error {
	_, err := a.client(user).SendText(ctx, room, body)
	return err
}

func (a *AppserviceMatrix) SendNotice(ctx context.Context, room id.RoomID, text string) error {
	_, err := a.as.BotClient().SendNotice(ctx, room, text)
	return err
}

func (a *AppserviceMatrix) SetPresence(ctx context.Context, user id.UserID, presence event.Presence) error {
	return a.client(user).SetPresence(ctx, mautrix.ReqPresence{Presence: presence})
}

func (a *AppserviceMatrix) CreateAlias(ctx context.Context, alias id.RoomAlias, room id.RoomID) error {
	_, err := a.as.BotClient().CreateAlias(ctx, alias, room)
	return err
}

func (a *AppserviceMatrix) DeleteAlias(ctx context.Context, alias id.RoomAlias) error {
	_, err := a.as.BotClient().DeleteAlias(ctx, alias)
	return err
}

func (a *AppserviceMatrix) Aliases(ctx context.Context, room id.RoomID) ([]id.RoomAlias, error) {
	resp, err := a.as.BotClient().GetAliases(ctx, room)
	if err != nil {
		return nil, err
	}
	return resp.Aliases, nil
}

func (a *AppserviceMatrix) JoinedMembers(ctx context.Context, room id.RoomID) ([]id.UserID, error) {
	resp, err := a.as.BotClient().JoinedMembers(ctx, room)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for user := range resp.Joined {
		members = append(members, user)
	}
	return members, nil
}

func (a *AppserviceMatrix) IsJoined(ctx context.Context, room id.RoomID) (bool, error) {
	resp, err := a.as.BotClient().JoinedRooms(ctx)
	if err != nil {
		return false, err
	}
	for _, joined := range resp.JoinedRooms {
		if joined == room {
			return true, nil
		}
	}
	return false, nil
}
