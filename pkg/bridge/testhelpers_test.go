// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
	"mellium.im/xmpp/jid"

	"github.com/aiku/mautrix-xmpp/pkg/database"
)

// sentMessage records one outbound Matrix message or notice.
type sentMessage struct {
	User id.UserID
	Room id.RoomID
	Body string
}

// fakeMatrix is an in-memory MatrixAPI that records every call for
// assertions. Rooms listed in JoinedRooms count as bot-joined; RoomAliases
// and RoomMembers seed the read endpoints.
type fakeMatrix struct {
	mu sync.Mutex

	Bot    id.UserID
	Domain string

	JoinedRooms map[id.RoomID]bool
	RoomAliases map[id.RoomID][]id.RoomAlias
	RoomMembers map[id.RoomID][]id.UserID

	RegisterCalls  int
	Registered     []string
	DisplayNames   map[id.UserID]string
	Joins          []sentMessage
	Leaves         []sentMessage
	Messages       []sentMessage
	Notices        []sentMessage
	Presences      map[id.UserID]event.Presence
	CreatedAliases map[id.RoomAlias]id.RoomID
	DeletedAliases []id.RoomAlias
}

var _ MatrixAPI = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		Bot:            id.UserID("@xmppbot:example.com"),
		Domain:         "example.com",
		JoinedRooms:    make(map[id.RoomID]bool),
		RoomAliases:    make(map[id.RoomID][]id.RoomAlias),
		RoomMembers:    make(map[id.RoomID][]id.UserID),
		DisplayNames:   make(map[id.UserID]string),
		Presences:      make(map[id.UserID]event.Presence),
		CreatedAliases: make(map[id.RoomAlias]id.RoomID),
	}
}

func (f *fakeMatrix) BotUserID() id.UserID { return f.Bot }

func (f *fakeMatrix) GhostUserID(localpart string) id.UserID {
	return id.NewUserID(localpart, f.Domain)
}

func (f *fakeMatrix) EnsureRegistered(_ context.Context, localpart string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RegisterCalls++
	f.Registered = append(f.Registered, localpart)
	return nil
}

func (f *fakeMatrix) SetDisplayName(_ context.Context, user id.UserID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DisplayNames[user] = name
	return nil
}

func (f *fakeMatrix) EnsureJoined(_ context.Context, user id.UserID, room id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Joins = append(f.Joins, sentMessage{User: user, Room: room})
	if user == f.Bot {
		f.JoinedRooms[room] = true
	}
	return nil
}

func (f *fakeMatrix) LeaveRoom(_ context.Context, user id.UserID, room id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Leaves = append(f.Leaves, sentMessage{User: user, Room: room})
	if user == f.Bot {
		delete(f.JoinedRooms, room)
	}
	return nil
}

func (f *fakeMatrix) SendMessage(_ context.Context, user id.UserID, room id.RoomID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, sentMessage{User: user, Room: room, Body: body})
	return nil
}

func (f *fakeMatrix) SendNotice(_ context.Context, room id.RoomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notices = append(f.Notices, sentMessage{User: f.Bot, Room: room, Body: text})
	return nil
}

func (f *fakeMatrix) SetPresence(_ context.Context, user id.UserID, presence event.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Presences[user] = presence
	return nil
}

func (f *fakeMatrix) CreateAlias(_ context.Context, alias id.RoomAlias, room id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreatedAliases[alias] = room
	f.RoomAliases[room] = append(f.RoomAliases[room], alias)
	return nil
}

func (f *fakeMatrix) DeleteAlias(_ context.Context, alias id.RoomAlias) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeletedAliases = append(f.DeletedAliases, alias)
	return nil
}

func (f *fakeMatrix) Aliases(_ context.Context, room id.RoomID) ([]id.RoomAlias, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.RoomAlias(nil), f.RoomAliases[room]...), nil
}

func (f *fakeMatrix) JoinedMembers(_ context.Context, room id.RoomID) ([]id.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]id.UserID(nil), f.RoomMembers[room]...), nil
}

func (f *fakeMatrix) IsJoined(_ context.Context, room id.RoomID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.JoinedRooms[room], nil
}

func (f *fakeMatrix) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Messages)
}

// groupMessage records one outbound conference message.
type groupMessage struct {
	Conference string
	Nick       string
	Body       string
}

// fakeGateway is an in-memory XMPPGateway. SeedOccupants preloads the
// occupant list returned for a conference.
type fakeGateway struct {
	mu sync.Mutex

	Connected     bool
	Closed        bool
	Enters        []groupMessage
	Exits         []groupMessage
	GroupMessages []groupMessage
	SeedOccupants map[string][]string
}

var _ XMPPGateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{SeedOccupants: make(map[string][]string)}
}

func (f *fakeGateway) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connected = true
	return nil
}

func (f *fakeGateway) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func (f *fakeGateway) EnterConference(_ context.Context, conference jid.JID, nick string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Enters = append(f.Enters, groupMessage{Conference: conference.Bare().String(), Nick: nick})
	return nil
}

func (f *fakeGateway) ExitConference(_ context.Context, conference jid.JID, nick string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Exits = append(f.Exits, groupMessage{Conference: conference.Bare().String(), Nick: nick})
	return nil
}

func (f *fakeGateway) Occupants(_ context.Context, conference jid.JID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.SeedOccupants[conference.Bare().String()]...), nil
}

func (f *fakeGateway) SendGroupMessage(_ context.Context, conference jid.JID, nick, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GroupMessages = append(f.GroupMessages, groupMessage{
		Conference: conference.Bare().String(),
		Nick:       nick,
		Body:       body,
	})
	return nil
}

func (f *fakeGateway) entered(nick string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.Enters {
		if e.Nick == nick {
			return true
		}
	}
	return false
}

// memStore is an in-memory Store for tests. RunInTxn just runs the function;
// transactionality itself is covered by the database package.
type memStore struct {
	mu sync.Mutex

	bindings     map[id.RoomID]*database.RoomBinding
	inviters     map[id.RoomID]id.UserID
	transactions map[string]bool
	ghosts       map[string]bool
	meta         map[string]string
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		bindings:     make(map[id.RoomID]*database.RoomBinding),
		inviters:     make(map[id.RoomID]id.UserID),
		transactions: make(map[string]bool),
		ghosts:       make(map[string]bool),
		meta:         make(map[string]string),
	}
}

func (s *memStore) RunInTxn(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *memStore) BindingByRoom(_ context.Context, roomID id.RoomID) (*database.RoomBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings[roomID], nil
}

func (s *memStore) BindingByAlias(_ context.Context, alias id.RoomAlias) (*database.RoomBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		if b.Alias == alias {
			return b, nil
		}
	}
	return nil, nil
}

func (s *memStore) AllBindings(_ context.Context) ([]*database.RoomBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bindings := make([]*database.RoomBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, b)
	}
	return bindings, nil
}

func (s *memStore) PutBinding(_ context.Context, binding *database.RoomBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[binding.RoomID] = binding
	return nil
}

func (s *memStore) DeleteBinding(_ context.Context, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, roomID)
	return nil
}

func (s *memStore) Inviter(_ context.Context, roomID id.RoomID) (id.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inviters[roomID], nil
}

func (s *memStore) AllInviters(_ context.Context) (map[id.RoomID]id.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[id.RoomID]id.UserID, len(s.inviters))
	for k, v := range s.inviters {
		cp[k] = v
	}
	return cp, nil
}

func (s *memStore) PutInviter(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inviters[roomID] = userID
	return nil
}

func (s *memStore) DeleteInviter(_ context.Context, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inviters, roomID)
	return nil
}

func (s *memStore) IsTransactionProcessed(_ context.Context, txnID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions[txnID], nil
}

func (s *memStore) MarkTransactionProcessed(_ context.Context, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[txnID] = true
	return nil
}

func (s *memStore) IsGhostRegistered(_ context.Context, localpart string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ghosts[localpart], nil
}

func (s *memStore) MarkGhostRegistered(_ context.Context, localpart string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ghosts[localpart] = true
	return nil
}

func (s *memStore) Meta(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[key], nil
}

func (s *memStore) PutMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{}
	cfg.Homeserver.Domain = "example.com"
	cfg.Appservice.Bot.Username = "xmppbot"
	cfg.Appservice.Bot.Displayname = "XMPP Bridge"
	cfg.XMPP.Domain = "bridge.example.com"
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	return cfg
}

// testPool bundles a pool with its injected fakes.
type testPool struct {
	pool    *TransportPool
	matrix  *fakeMatrix
	gateway *fakeGateway
	store   *memStore
}

func newTestPool(t *testing.T) *testPool {
	t.Helper()
	matrix := newFakeMatrix()
	gateway := newFakeGateway()
	store := newMemStore()
	pool := NewTransportPool(newTestConfig(t), store, matrix, gateway, zerolog.Nop())
	return &testPool{pool: pool, matrix: matrix, gateway: gateway, store: store}
}

// startTestPool starts the pool and fails the test on error.
func startTestPool(t *testing.T, tp *testPool) {
	t.Helper()
	if err := tp.pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

// connectRoom provisions a transport for a room/conference pair through the
// same path production uses: a saved binding plus runTransport.
func connectRoom(t *testing.T, tp *testPool, roomID id.RoomID, local, domain string) *Transport {
	t.Helper()
	binding := &database.RoomBinding{
		Alias:            tp.pool.cfg.FormatConferenceAlias(local, domain),
		RoomID:           roomID,
		ConferenceLocal:  local,
		ConferenceDomain: domain,
	}
	if err := tp.store.PutBinding(context.Background(), binding); err != nil {
		t.Fatalf("PutBinding: %v", err)
	}
	tr, err := tp.pool.runTransport(context.Background(), binding)
	if err != nil {
		t.Fatalf("runTransport: %v", err)
	}
	return tr
}

// messageEvent builds a decoded m.room.message event.
func messageEvent(roomID id.RoomID, sender id.UserID, body string) *event.Event {
	content := event.MessageEventContent{MsgType: event.MsgText, Body: body}
	evt := &event.Event{
		Type:    event.EventMessage,
		RoomID:  roomID,
		Sender:  sender,
		Content: event.Content{Parsed: &content},
	}
	return evt
}

// memberEvent builds a decoded m.room.member state event.
func memberEvent(roomID id.RoomID, sender, target id.UserID, membership event.Membership) *event.Event {
	key := string(target)
	content := event.MemberEventContent{Membership: membership}
	return &event.Event{
		Type:     event.StateMember,
		RoomID:   roomID,
		Sender:   sender,
		StateKey: &key,
		Content:  event.Content{Parsed: &content},
	}
}

// aliasEvent builds a decoded m.room.canonical_alias state event.
func aliasEvent(roomID id.RoomID, aliases ...id.RoomAlias) *event.Event {
	key := ""
	content := event.CanonicalAliasEventContent{}
	if len(aliases) > 0 {
		content.Alias = aliases[0]
		content.AltAliases = aliases[1:]
	}
	return &event.Event{
		Type:     event.StateCanonicalAlias,
		RoomID:   roomID,
		StateKey: &key,
		Content:  event.Content{Parsed: &content},
	}
}
