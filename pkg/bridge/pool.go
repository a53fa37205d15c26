// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge implements the Matrix-XMPP bridging engine: the transport
// pool that owns all per-room transports, routes inbound traffic from both
// networks, parses bridge commands and keeps the persistent room/identity
// bookkeeping consistent.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-xmpp/pkg/database"
	"github.com/aiku/mautrix-xmpp/pkg/xmpp"
)

// PoolState is the lifecycle state of the transport pool. STARTING and
// STOPPING double as the maintenance flag that suppresses membership side
// effects during bulk load and teardown.
type PoolState int

const (
	PoolStopped PoolState = iota
	PoolStarting
	PoolRunning
	PoolStopping
)

func (s PoolState) String() string {
	switch s {
	case PoolStopped:
		return "stopped"
	case PoolStarting:
		return "starting"
	case PoolRunning:
		return "running"
	case PoolStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const sessionIDKey = "session_id"

// TransportPool is the process-wide bridging engine: one Matrix client, one
// XMPP federation gateway, and every active transport.
type TransportPool struct {
	cfg    *Config
	log    zerolog.Logger
	store  Store
	matrix MatrixAPI
	xmpp   XMPPGateway

	// byRoom and byConference are kept in sync as a pair: transports are
	// inserted into and removed from both under mapLock, never one alone.
	byRoom       *exsync.Map[id.RoomID, *Transport]
	byConference *exsync.Map[string, *Transport]
	mapLock      sync.Mutex

	inviters *exsync.Map[id.RoomID, id.UserID]

	// txnGroup collapses concurrent deliveries of the same transaction ID
	// into a single execution; the persistent ledger covers redeliveries
	// across restarts.
	txnGroup singleflight.Group

	router *Router

	stateLock sync.Mutex
	state     PoolState
}

// NewTransportPool wires the pool against its collaborators and registers
// the built-in dispatch routes.
func NewTransportPool(cfg *Config, store Store, matrix MatrixAPI, gateway XMPPGateway, log zerolog.Logger) *TransportPool {
	p := &TransportPool{
		cfg:          cfg,
		log:          log.With().Str("component", "transport_pool").Logger(),
		store:        store,
		matrix:       matrix,
		xmpp:         gateway,
		byRoom:       exsync.NewMap[id.RoomID, *Transport](),
		byConference: exsync.NewMap[string, *Transport](),
		inviters:     exsync.NewMap[id.RoomID, id.UserID](),
		router:       NewRouter(),
	}
	p.router.Add(event.StateMember, Route{
		Match:  p.targetsBot,
		Handle: p.handleBotMembership,
	})
	p.router.Add(event.EventMessage, Route{
		Match:  p.isCommand,
		Handle: p.handleCommand,
	})
	p.router.Add(event.StateCanonicalAlias, Route{
		Handle: p.handleAliasChange,
	})
	return p
}

func (p *TransportPool) State() PoolState {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	return p.state
}

func (p *TransportPool) setState(s PoolState) {
	p.stateLock.Lock()
	p.state = s
	p.stateLock.Unlock()
}

// transition moves the pool from one state to another, failing if the pool
// is not in the expected state.
func (p *TransportPool) transition(from, to PoolState) error {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	if p.state != from {
		return fmt.Errorf("pool is %s, expected %s", p.state, from)
	}
	p.state = to
	return nil
}

// inMaintenance reports whether membership side effects should be
// suppressed because the pool is bulk-loading or tearing down.
func (p *TransportPool) inMaintenance() bool {
	s := p.State()
	return s == PoolStarting || s == PoolStopping
}

// Start brings the bridge up: registers the bot account if needed, loads
// the inviter registry, connects the federation gateway and re-establishes
// a transport for every persisted binding. A failure on one binding is
// logged and does not abort the rest of startup.
func (p *TransportPool) Start(ctx context.Context) error {
	if err := p.transition(PoolStopped, PoolStarting); err != nil {
		return err
	}
	ok := false
	defer func() {
		if ok {
			p.setState(PoolRunning)
		} else {
			p.setState(PoolStopped)
		}
	}()

	if err := p.ensureBotRegistered(ctx); err != nil {
		return err
	}
	if err := p.ensureSessionID(ctx); err != nil {
		return err
	}

	inviters, err := p.store.AllInviters(ctx)
	if err != nil {
		return fmt.Errorf("failed to load inviter registry: %w", err)
	}
	for roomID, userID := range inviters {
		p.inviters.Set(roomID, userID)
	}

	if err = p.xmpp.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect federation gateway: %w", err)
	}

	bindings, err := p.store.AllBindings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load room bindings: %w", err)
	}
	for _, binding := range bindings {
		if _, err = p.runTransport(ctx, binding); err != nil {
			p.log.Error().Err(err).
				Stringer("room_id", binding.RoomID).
				Str("conference", binding.ConferenceAddr()).
				Msg("Failed to start transport for persisted binding")
		}
	}

	p.log.Info().Int("transports", len(p.byRoom.CopyData())).Msg("Transport pool started")
	ok = true
	return nil
}

// Stop shuts every transport down and closes the federation connection.
// Persisted bindings stay in place for the next start.
func (p *TransportPool) Stop(ctx context.Context) {
	if err := p.transition(PoolRunning, PoolStopping); err != nil {
		p.log.Debug().Err(err).Msg("Stop requested while not running")
		return
	}
	defer p.setState(PoolStopped)

	for _, t := range p.byRoom.CopyData() {
		t.shutdown(ctx)
	}
	p.mapLock.Lock()
	p.byRoom.Clear()
	p.byConference.Clear()
	p.mapLock.Unlock()

	if err := p.xmpp.Close(); err != nil {
		p.log.Warn().Err(err).Msg("Failed to close federation gateway")
	}
	p.log.Info().Msg("Transport pool stopped")
}

func (p *TransportPool) ensureBotRegistered(ctx context.Context) error {
	localpart := p.cfg.Appservice.Bot.Username
	registered, err := p.store.IsGhostRegistered(ctx, localpart)
	if err != nil {
		return fmt.Errorf("failed to check bot registration: %w", err)
	}
	if registered {
		return nil
	}
	if err = p.matrix.EnsureRegistered(ctx, localpart); err != nil {
		return fmt.Errorf("failed to register bot account: %w", err)
	}
	if err = p.matrix.SetDisplayName(ctx, p.matrix.BotUserID(), p.cfg.Appservice.Bot.Displayname); err != nil {
		p.log.Warn().Err(err).Msg("Failed to set bot display name")
	}
	return p.store.MarkGhostRegistered(ctx, localpart)
}

func (p *TransportPool) ensureSessionID(ctx context.Context) error {
	sessionID, err := p.store.Meta(ctx, sessionIDKey)
	if err != nil {
		return fmt.Errorf("failed to load session ID: %w", err)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
		if err = p.store.PutMeta(ctx, sessionIDKey, sessionID); err != nil {
			return fmt.Errorf("failed to store session ID: %w", err)
		}
	}
	p.log.Info().Str("session_id", sessionID).Msg("Bridge session")
	return nil
}

// ProcessTransaction runs one inbound appservice transaction. The dedup
// check and the final mark-processed write bracket the whole event batch,
// so a transaction executes at most once even across restarts; events
// inside the batch run with bounded parallelism against each other.
func (p *TransportPool) ProcessTransaction(ctx context.Context, txnID string, events []*event.Event) error {
	_, err, _ := p.txnGroup.Do(txnID, func() (any, error) {
		processed, err := p.store.IsTransactionProcessed(ctx, txnID)
		if err != nil {
			return nil, fmt.Errorf("failed to check transaction ledger: %w", err)
		}
		if processed {
			p.log.Debug().Str("txn_id", txnID).Msg("Transaction already processed, skipping")
			return nil, nil
		}

		var wg errgroup.Group
		wg.SetLimit(p.cfg.Bridge.EventWorkers)
		for _, evt := range events {
			wg.Go(func() error {
				p.HandleMatrixEvent(ctx, evt)
				return nil
			})
		}
		_ = wg.Wait()

		return nil, p.store.MarkTransactionProcessed(ctx, txnID)
	})
	return err
}

// HandleMatrixEvent classifies and routes one decoded room event: built-in
// routes first (bot membership, commands, alias changes), then room-scoped
// transport dispatch with best-effort recovery of a missing transport.
func (p *TransportPool) HandleMatrixEvent(ctx context.Context, evt *event.Event) {
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		p.log.Debug().Err(err).Str("type", evt.Type.Type).Msg("Failed to parse event content, dropping")
		return
	}

	handled, err := p.router.Dispatch(ctx, evt)
	if err != nil {
		p.log.Warn().Err(err).
			Str("type", evt.Type.Type).
			Stringer("room_id", evt.RoomID).
			Msg("Event route failed")
	}
	if handled {
		return
	}
	p.dispatchToTransport(ctx, evt)
}

func (p *TransportPool) targetsBot(evt *event.Event) bool {
	return id.UserID(evt.GetStateKey()) == p.matrix.BotUserID()
}

// handleBotMembership processes membership changes of the bridge bot
// itself. During maintenance the event falls through unhandled.
func (p *TransportPool) handleBotMembership(ctx context.Context, evt *event.Event) (bool, error) {
	if p.inMaintenance() {
		return false, nil
	}
	content := evt.Content.AsMember()
	if content == nil {
		return false, nil
	}
	switch content.Membership {
	case event.MembershipInvite:
		p.inviters.Set(evt.RoomID, evt.Sender)
		if err := p.store.PutInviter(ctx, evt.RoomID, evt.Sender); err != nil {
			p.log.Warn().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to persist inviter")
		}
		if err := p.matrix.EnsureJoined(ctx, p.matrix.BotUserID(), evt.RoomID); err != nil {
			return true, fmt.Errorf("failed to accept invite: %w", err)
		}
		p.log.Info().Stringer("room_id", evt.RoomID).Stringer("inviter", evt.Sender).
			Msg("Accepted room invite")
		return true, nil
	case event.MembershipJoin:
		// Already handled at invite time.
		return true, nil
	case event.MembershipLeave, event.MembershipBan:
		joined, err := p.matrix.IsJoined(ctx, evt.RoomID)
		if err != nil {
			return true, fmt.Errorf("failed to check bot membership: %w", err)
		}
		if joined {
			// Stale event, the bot is still a member.
			return true, nil
		}
		p.dropInviter(ctx, evt.RoomID)
		p.removeTransport(ctx, evt.RoomID)
		p.log.Info().Stringer("room_id", evt.RoomID).Str("membership", string(content.Membership)).
			Msg("Bridge removed from room, binding torn down")
		return true, nil
	default:
		return false, nil
	}
}

// handleAliasChange provisions or tears down a transport when a room's
// alias set changes.
func (p *TransportPool) handleAliasChange(ctx context.Context, evt *event.Event) (bool, error) {
	if p.inMaintenance() {
		return false, nil
	}
	content := evt.Content.AsCanonicalAlias()
	if content == nil {
		return false, nil
	}
	aliases := append([]id.RoomAlias{content.Alias}, content.AltAliases...)
	alias, local, domain, found := p.cfg.findConferenceAlias(aliases)
	if found {
		_, err := p.runTransportForAlias(ctx, evt.RoomID, alias, local, domain)
		return true, err
	}
	if _, ok := p.byRoom.Get(evt.RoomID); !ok {
		return true, nil
	}
	joined, err := p.matrix.IsJoined(ctx, evt.RoomID)
	if err == nil && !joined {
		p.removeTransport(ctx, evt.RoomID)
	}
	return true, nil
}

// dispatchToTransport forwards an event to the room's transport, attempting
// best-effort recovery via live alias discovery if none exists.
func (p *TransportPool) dispatchToTransport(ctx context.Context, evt *event.Event) {
	t, ok := p.byRoom.Get(evt.RoomID)
	if !ok {
		t = p.tryToRunTransport(ctx, evt.RoomID)
		if t == nil {
			p.log.Debug().Stringer("room_id", evt.RoomID).Str("type", evt.Type.Type).
				Msg("No transport for room, dropping event")
			return
		}
	}
	t.handleMatrixEvent(ctx, evt)
}

// tryToRunTransport recovers a missing transport by checking bot membership
// and re-reading the room's current alias list. Best effort only: if no
// recognized alias is present, the event is dropped.
func (p *TransportPool) tryToRunTransport(ctx context.Context, roomID id.RoomID) *Transport {
	joined, err := p.matrix.IsJoined(ctx, roomID)
	if err != nil || !joined {
		return nil
	}
	aliases, err := p.matrix.Aliases(ctx, roomID)
	if err != nil {
		p.log.Debug().Err(err).Stringer("room_id", roomID).Msg("Failed to fetch aliases for recovery")
		return nil
	}
	alias, local, domain, found := p.cfg.findConferenceAlias(aliases)
	if !found {
		p.log.Info().Stringer("room_id", roomID).Msg("No recognized alias on room, not recovering transport")
		return nil
	}
	t, err := p.runTransportForAlias(ctx, roomID, alias, local, domain)
	if err != nil {
		p.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Transport recovery failed")
		return nil
	}
	p.log.Info().Stringer("room_id", roomID).Stringer("alias", alias).Msg("Recovered transport via alias discovery")
	return t
}

// runTransportForAlias saves (or refreshes) the binding for a room/alias
// pair and starts its transport.
func (p *TransportPool) runTransportForAlias(ctx context.Context, roomID id.RoomID, alias id.RoomAlias, local, domain string) (*Transport, error) {
	if t, ok := p.byRoom.Get(roomID); ok {
		if t.binding.Alias == alias {
			return t, nil
		}
		// The room was re-pointed at a different conference.
		t.shutdown(ctx)
		p.popTransport(t)
	}
	binding := &database.RoomBinding{
		Alias:            alias,
		RoomID:           roomID,
		ConferenceLocal:  local,
		ConferenceDomain: domain,
	}
	err := p.store.RunInTxn(ctx, func(ctx context.Context) error {
		return p.store.PutBinding(ctx, binding)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save room binding: %w", err)
	}
	return p.runTransport(ctx, binding)
}

// runTransport constructs and starts a transport for a binding and enters
// it into both lookup maps.
func (p *TransportPool) runTransport(ctx context.Context, binding *database.RoomBinding) (*Transport, error) {
	t, err := newTransport(p, binding)
	if err != nil {
		return nil, err
	}
	if err = t.start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start transport: %w", err)
	}
	p.mapLock.Lock()
	p.byRoom.Set(binding.RoomID, t)
	p.byConference.Set(binding.ConferenceAddr(), t)
	p.mapLock.Unlock()
	return t, nil
}

// popTransport removes a transport from both lookup maps as a pair.
func (p *TransportPool) popTransport(t *Transport) {
	p.mapLock.Lock()
	p.byRoom.Delete(t.RoomID())
	p.byConference.Delete(t.ConferenceAddr())
	p.mapLock.Unlock()
}

// removeTransport fully tears down the transport for a room, if any. If no
// transport is live but a binding exists, the binding alone is deleted.
func (p *TransportPool) removeTransport(ctx context.Context, roomID id.RoomID) {
	t, ok := p.byRoom.Get(roomID)
	if ok {
		p.popTransport(t)
		t.remove(ctx)
		return
	}
	binding, err := p.store.BindingByRoom(ctx, roomID)
	if err != nil || binding == nil {
		return
	}
	err = p.store.RunInTxn(ctx, func(ctx context.Context) error {
		return p.store.DeleteBinding(ctx, roomID)
	})
	if err != nil {
		p.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to delete orphaned binding")
	}
}

func (p *TransportPool) dropInviter(ctx context.Context, roomID id.RoomID) {
	p.inviters.Delete(roomID)
	if err := p.store.DeleteInviter(ctx, roomID); err != nil {
		p.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to delete inviter record")
	}
}

// DeliverStanza routes one decoded inbound stanza to the transport bound to
// its conference. Stanzas for unrecognized conferences are dropped: a
// federation message to a conference this bridge does not serve is not its
// concern.
func (p *TransportPool) DeliverStanza(ctx context.Context, s xmpp.Stanza) {
	switch s := s.(type) {
	case xmpp.MessageStanza:
		if t, ok := p.byConference.Get(s.From.Bare().String()); ok {
			t.handleXMPPMessage(ctx, s)
			return
		}
	case xmpp.PresenceStanza:
		if t, ok := p.byConference.Get(s.From.Bare().String()); ok {
			t.handleXMPPPresence(ctx, s)
			return
		}
	case xmpp.OccupantUpdate:
		if t, ok := p.byConference.Get(s.Conference.Bare().String()); ok {
			t.handleOccupant(ctx, s)
			return
		}
	}
	p.log.Debug().Type("stanza", s).Msg("Stanza for unrecognized conference, dropping")
}
