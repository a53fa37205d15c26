// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"mellium.im/xmpp/jid"

	"github.com/aiku/mautrix-xmpp/pkg/database"
	"github.com/aiku/mautrix-xmpp/pkg/xmpp"
)

type transportState int

const (
	transportInit transportState = iota
	transportActive
	transportClosed
)

// Transport is the runtime session for one room binding: one conference
// membership on the XMPP side, one room membership on the Matrix side, and
// the identity map between the two member lists. There is no reconnect
// state; once closed, a new Transport must be constructed to resume.
type Transport struct {
	pool       *TransportPool
	log        zerolog.Logger
	binding    *database.RoomBinding
	conference jid.JID
	users      *userMap

	// regGroup serializes ghost resolve-or-create per occupant nickname.
	regGroup singleflight.Group

	stateLock sync.Mutex
	state     transportState
}

func newTransport(pool *TransportPool, binding *database.RoomBinding) (*Transport, error) {
	conference, err := jid.New(binding.ConferenceLocal, binding.ConferenceDomain, "")
	if err != nil {
		return nil, fmt.Errorf("invalid conference address %q: %w", binding.ConferenceAddr(), err)
	}
	return &Transport{
		pool:       pool,
		binding:    binding,
		conference: conference,
		users:      newUserMap(),
		log: pool.log.With().
			Str("component", "transport").
			Stringer("room_id", binding.RoomID).
			Str("conference", binding.ConferenceAddr()).
			Logger(),
	}, nil
}

func (t *Transport) RoomID() id.RoomID {
	return t.binding.RoomID
}

// ConferenceAddr returns the bare conference address this transport serves.
func (t *Transport) ConferenceAddr() string {
	return t.binding.ConferenceAddr()
}

func (t *Transport) bridgeNick() string {
	return t.pool.cfg.XMPP.ConferenceNick
}

func (t *Transport) setState(s transportState) {
	t.stateLock.Lock()
	t.state = s
	t.stateLock.Unlock()
}

func (t *Transport) isActive() bool {
	t.stateLock.Lock()
	defer t.stateLock.Unlock()
	return t.state == transportActive
}

// start brings the transport up: the bridge enters the conference under its
// reserved nickname, existing occupants are mirrored into Matrix, and only
// then are existing Matrix members mirrored into the conference. The
// ordering prevents a freshly mirrored Matrix puppet from being rediscovered
// as a conference occupant.
func (t *Transport) start(ctx context.Context) error {
	if err := t.pool.xmpp.EnterConference(ctx, t.conference, t.bridgeNick()); err != nil {
		return fmt.Errorf("failed to enter conference: %w", err)
	}

	occupants, err := t.pool.xmpp.Occupants(ctx, t.conference)
	if err != nil {
		t.log.Warn().Err(err).Msg("Failed to discover conference occupants")
	}
	for _, nick := range occupants {
		t.mirrorOccupantJoin(ctx, nick)
	}

	if err = t.pool.matrix.EnsureJoined(ctx, t.pool.matrix.BotUserID(), t.binding.RoomID); err != nil {
		t.log.Warn().Err(err).Msg("Failed to ensure bot membership in room")
	}
	members, err := t.pool.matrix.JoinedMembers(ctx, t.binding.RoomID)
	if err != nil {
		t.log.Warn().Err(err).Msg("Failed to list joined room members")
	}
	for _, member := range members {
		t.mirrorMatrixJoin(ctx, member)
	}

	t.setState(transportActive)
	t.log.Info().Msg("Transport started")
	return nil
}

// handleMatrixEvent translates one room event into the conference.
func (t *Transport) handleMatrixEvent(ctx context.Context, evt *event.Event) {
	switch evt.Type {
	case event.EventMessage:
		t.relayMatrixMessage(ctx, evt)
	case event.StateMember:
		t.handleMatrixMembership(ctx, evt)
	default:
		t.log.Debug().Str("type", evt.Type.Type).Msg("Ignoring unhandled event type")
	}
}

func (t *Transport) relayMatrixMessage(ctx context.Context, evt *event.Event) {
	sender := evt.Sender
	if sender == t.pool.matrix.BotUserID() || t.users.isGhost(sender) {
		return
	}
	nick, ok := t.users.nickForUser(sender)
	if !ok {
		t.log.Warn().Stringer("sender", sender).Msg("No puppet mapping for message sender, dropping")
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		t.log.Warn().Msg("Message event without message content, dropping")
		return
	}
	// Only plain text bodies are bridged.
	if content.MsgType != event.MsgText {
		t.log.Debug().Str("msgtype", string(content.MsgType)).Msg("Unsupported message type, dropping")
		return
	}
	if err := t.pool.xmpp.SendGroupMessage(ctx, t.conference, nick, content.Body); err != nil {
		t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to relay message to conference")
	}
}

func (t *Transport) handleMatrixMembership(ctx context.Context, evt *event.Event) {
	target := id.UserID(evt.GetStateKey())
	if target == t.pool.matrix.BotUserID() {
		return
	}
	content := evt.Content.AsMember()
	if content == nil {
		return
	}
	switch content.Membership {
	case event.MembershipJoin:
		t.mirrorMatrixJoin(ctx, target)
	case event.MembershipLeave, event.MembershipBan:
		t.mirrorMatrixLeave(ctx, target)
	default:
		// Invites and knocks have no conference counterpart.
	}
}

// deriveNick builds the conference nickname for a Matrix user. On collision
// with an existing mapping a random integer is appended once; a residual
// collision after that is accepted rather than retried.
func (t *Transport) deriveNick(user id.UserID) string {
	localpart, _, err := user.Parse()
	if err != nil || localpart == "" {
		localpart = string(user)
	}
	if t.users.hasNick(localpart) {
		return fmt.Sprintf("%s#%d", localpart, rand.IntN(10000))
	}
	return localpart
}

// mirrorMatrixJoin creates the conference presence for a joining Matrix
// member. No-op for the bot, ghosts and already-mapped users.
func (t *Transport) mirrorMatrixJoin(ctx context.Context, user id.UserID) {
	if user == t.pool.matrix.BotUserID() || t.users.isGhost(user) {
		return
	}
	if _, ok := t.users.nickForUser(user); ok {
		return
	}
	nick := t.deriveNick(user)
	if err := t.pool.xmpp.EnterConference(ctx, t.conference, nick); err != nil {
		t.log.Warn().Err(err).Stringer("user_id", user).Str("nick", nick).
			Msg("Failed to enter conference for puppet")
		return
	}
	if !t.users.putMatrixUser(user, nick) {
		t.log.Warn().Stringer("user_id", user).Str("nick", nick).
			Msg("Puppet mapping raced, exiting duplicate conference presence")
		if err := t.pool.xmpp.ExitConference(ctx, t.conference, nick); err != nil {
			t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to exit duplicate presence")
		}
		return
	}
	t.log.Debug().Stringer("user_id", user).Str("nick", nick).Msg("Mirrored Matrix join into conference")
}

// mirrorMatrixLeave exits the conference presence of a leaving Matrix
// member and removes the mapping. No-op with a log line if unmapped.
func (t *Transport) mirrorMatrixLeave(ctx context.Context, user id.UserID) {
	if user == t.pool.matrix.BotUserID() {
		return
	}
	nick, ok := t.users.popMatrixUser(user)
	if !ok {
		t.log.Warn().Stringer("user_id", user).Msg("Leave for unmapped user, nothing to mirror")
		return
	}
	if err := t.pool.xmpp.ExitConference(ctx, t.conference, nick); err != nil {
		t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to exit conference for puppet")
	}
	t.log.Debug().Stringer("user_id", user).Str("nick", nick).Msg("Mirrored Matrix leave out of conference")
}

// handleXMPPMessage relays a conference message into the Matrix room as the
// sender's ghost. Messages not addressed to the bridge's own in-room
// identity are dropped so private chatter never leaks into the room.
func (t *Transport) handleXMPPMessage(ctx context.Context, msg xmpp.MessageStanza) {
	nick := msg.From.Resourcepart()
	if nick == "" || nick == t.bridgeNick() {
		return
	}
	if msg.To.Resourcepart() != t.bridgeNick() && msg.To.Localpart() != t.bridgeNick() {
		t.log.Debug().Str("to", msg.To.String()).Msg("Message not addressed to bridge occupant, dropping")
		return
	}
	ghost, ok := t.users.ghostForNick(nick)
	if !ok {
		t.log.Warn().Str("nick", nick).Msg("No ghost mapping for message sender, dropping")
		return
	}
	if err := t.pool.matrix.SendMessage(ctx, ghost, t.binding.RoomID, msg.Body); err != nil {
		t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to relay conference message to room")
	}
}

// matrixPresence maps the XMPP presence vocabulary onto Matrix's.
func matrixPresence(p xmpp.PresenceStanza) event.Presence {
	if p.Unavailable {
		return event.PresenceUnavailable
	}
	switch p.Show {
	case "away", "xa":
		return event.PresenceOffline
	case "dnd":
		return event.PresenceUnavailable
	default:
		return event.PresenceOnline
	}
}

func (t *Transport) handleXMPPPresence(ctx context.Context, p xmpp.PresenceStanza) {
	nick := p.From.Resourcepart()
	if nick == "" || nick == t.bridgeNick() {
		return
	}
	ghost, ok := t.users.ghostForNick(nick)
	if !ok {
		t.log.Debug().Str("nick", nick).Msg("Presence from unmapped occupant, dropping")
		return
	}
	if err := t.pool.matrix.SetPresence(ctx, ghost, matrixPresence(p)); err != nil {
		t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to set ghost presence")
	}
}

func (t *Transport) handleOccupant(ctx context.Context, up xmpp.OccupantUpdate) {
	switch up.Change {
	case xmpp.OccupantEntered:
		t.mirrorOccupantJoin(ctx, up.Nick)
	case xmpp.OccupantExited, xmpp.OccupantKicked, xmpp.OccupantBanned:
		t.mirrorOccupantLeave(ctx, up.Nick)
	}
}

// resolveGhost returns the ghost user for a conference occupant, lazily
// registering it on the homeserver the first time. Registration, ledger
// write and display-name setup run at most once per nickname at a time.
func (t *Transport) resolveGhost(ctx context.Context, nick string) (id.UserID, error) {
	v, err, _ := t.regGroup.Do(nick, func() (any, error) {
		localpart := t.pool.cfg.Bridge.GhostPrefix + id.EncodeUserLocalpart(nick)
		ghost := t.pool.matrix.GhostUserID(localpart)
		registered, err := t.pool.store.IsGhostRegistered(ctx, localpart)
		if err != nil {
			return id.UserID(""), fmt.Errorf("failed to check ghost ledger: %w", err)
		}
		if !registered {
			if err = t.pool.matrix.EnsureRegistered(ctx, localpart); err != nil {
				return id.UserID(""), fmt.Errorf("failed to register ghost: %w", err)
			}
			if err = t.pool.store.MarkGhostRegistered(ctx, localpart); err != nil {
				return id.UserID(""), fmt.Errorf("failed to record ghost registration: %w", err)
			}
			if err = t.pool.matrix.SetDisplayName(ctx, ghost, t.pool.cfg.Bridge.FormatDisplayname(nick)); err != nil {
				t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to set ghost display name")
			}
		}
		return ghost, nil
	})
	if err != nil {
		return "", err
	}
	return v.(id.UserID), nil
}

// mirrorOccupantJoin joins the ghost for a conference occupant into the
// Matrix room. Idempotent: no-op for the bridge's own nick, nicks already
// mapped on either side.
func (t *Transport) mirrorOccupantJoin(ctx context.Context, nick string) {
	if nick == "" || nick == t.bridgeNick() {
		return
	}
	if _, ok := t.users.ghostForNick(nick); ok {
		return
	}
	if _, ok := t.users.userForNick(nick); ok {
		// One of our own Matrix puppets echoed back as an occupant.
		return
	}
	ghost, err := t.resolveGhost(ctx, nick)
	if err != nil {
		t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to resolve ghost for occupant")
		return
	}
	if err = t.pool.matrix.EnsureJoined(ctx, ghost, t.binding.RoomID); err != nil {
		t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to join ghost to room")
		return
	}
	if !t.users.putXMPPUser(nick, ghost) {
		t.log.Warn().Str("nick", nick).Msg("Ghost mapping raced, leaving duplicate")
		return
	}
	t.log.Debug().Str("nick", nick).Stringer("ghost", ghost).Msg("Mirrored occupant into room")
}

func (t *Transport) mirrorOccupantLeave(ctx context.Context, nick string) {
	if nick == "" || nick == t.bridgeNick() {
		return
	}
	ghost, ok := t.users.popXMPPUser(nick)
	if !ok {
		t.log.Debug().Str("nick", nick).Msg("Exit for unmapped occupant, nothing to mirror")
		return
	}
	if err := t.pool.matrix.LeaveRoom(ctx, ghost, t.binding.RoomID); err != nil {
		t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to part ghost from room")
	}
	t.log.Debug().Str("nick", nick).Stringer("ghost", ghost).Msg("Mirrored occupant exit out of room")
}

// shutdown releases the transport's live protocol state for a process stop:
// puppet presences and the bridge's own presence are exited and the mapping
// tables cleared, but the persisted binding stays for the next startup.
// Every step is best-effort.
func (t *Transport) shutdown(ctx context.Context) {
	t.setState(transportClosed)
	matrixSide, _ := t.users.snapshot()
	for user, nick := range matrixSide {
		if err := t.pool.xmpp.ExitConference(ctx, t.conference, nick); err != nil {
			t.log.Warn().Err(err).Stringer("user_id", user).Str("nick", nick).
				Msg("Failed to exit puppet presence during shutdown")
		}
	}
	if err := t.pool.xmpp.ExitConference(ctx, t.conference, t.bridgeNick()); err != nil {
		t.log.Warn().Err(err).Msg("Failed to exit bridge presence during shutdown")
	}
	t.users.clear()
	t.log.Info().Msg("Transport shut down")
}

// remove is the full teardown: alias and binding are deleted, the bot
// leaves the room, all puppets on both sides are parted. Failures at each
// step are logged and do not stop the rest of the teardown, so a partial
// failure still releases the in-memory state.
func (t *Transport) remove(ctx context.Context) {
	t.setState(transportClosed)

	if err := t.pool.matrix.DeleteAlias(ctx, t.binding.Alias); err != nil {
		t.log.Warn().Err(err).Stringer("alias", t.binding.Alias).Msg("Failed to delete room alias")
	}
	if joined, err := t.pool.matrix.IsJoined(ctx, t.binding.RoomID); err == nil && joined {
		if err = t.pool.matrix.LeaveRoom(ctx, t.pool.matrix.BotUserID(), t.binding.RoomID); err != nil {
			t.log.Warn().Err(err).Msg("Failed to leave room")
		}
	}

	matrixSide, xmppSide := t.users.snapshot()
	for _, nick := range matrixSide {
		if err := t.pool.xmpp.ExitConference(ctx, t.conference, nick); err != nil {
			t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to exit puppet presence")
		}
	}
	for nick, ghost := range xmppSide {
		if err := t.pool.matrix.LeaveRoom(ctx, ghost, t.binding.RoomID); err != nil {
			t.log.Warn().Err(err).Str("nick", nick).Msg("Failed to part ghost from room")
		}
	}
	if err := t.pool.xmpp.ExitConference(ctx, t.conference, t.bridgeNick()); err != nil {
		t.log.Warn().Err(err).Msg("Failed to exit bridge presence")
	}
	t.users.clear()

	err := t.pool.store.RunInTxn(ctx, func(ctx context.Context) error {
		return t.pool.store.DeleteBinding(ctx, t.binding.RoomID)
	})
	if err != nil {
		t.log.Warn().Err(err).Msg("Failed to delete room binding")
	}
	t.log.Info().Msg("Transport removed")
}
