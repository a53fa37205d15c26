// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Encoder sends one marshalable XML element over an established XMPP
// session. *xmpp.Session from mellium.im/xmpp satisfies it; tests inject
// a recorder.
type Encoder interface {
	Encode(ctx context.Context, v interface{}) error
}

// mucNS is the namespace of the <x/> element announcing MUC support when
// entering a conference.
const mucNS = "http://jabber.org/protocol/muc"

type mucX struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc x"`
}

type presenceStanza struct {
	stanza.Presence
	Show string `xml:"show,omitempty"`
	MUC  *mucX
}

type messageBody struct {
	stanza.Message
	Body string `xml:"body"`
}

// ComponentGateway implements the outbound conference surface over a single
// XMPP component session. All puppet identities live under one component
// domain; the federation serving layer feeds inbound traffic back through
// RecordOccupant/DropOccupant and the pool's stanza delivery.
type ComponentGateway struct {
	dial   func(ctx context.Context) (Encoder, error)
	domain string
	log    zerolog.Logger

	mu  sync.Mutex
	enc Encoder

	occupants *exsync.Map[string, *occupantSet]
}

type occupantSet struct {
	mu    sync.Mutex
	nicks map[string]struct{}
}

// NewComponentGateway creates a gateway for the given component domain.
// dial is invoked on Connect and must return a ready-to-use session encoder.
func NewComponentGateway(dial func(ctx context.Context) (Encoder, error), domain string, log zerolog.Logger) *ComponentGateway {
	return &ComponentGateway{
		dial:      dial,
		domain:    domain,
		log:       log.With().Str("component", "xmpp_gateway").Logger(),
		occupants: exsync.NewMap[string, *occupantSet](),
	}
}

func (g *ComponentGateway) Connect(ctx context.Context) error {
	enc, err := g.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to establish component session: %w", err)
	}
	g.mu.Lock()
	g.enc = enc
	g.mu.Unlock()
	g.log.Info().Str("domain", g.domain).Msg("Component session established")
	return nil
}

func (g *ComponentGateway) Close() error {
	g.mu.Lock()
	enc := g.enc
	g.enc = nil
	g.mu.Unlock()
	if closer, ok := enc.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (g *ComponentGateway) encoder() (Encoder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enc == nil {
		return nil, fmt.Errorf("component session not connected")
	}
	return g.enc, nil
}

// puppetJID builds the component-local JID a puppet sends from.
func (g *ComponentGateway) puppetJID(nick string) (jid.JID, error) {
	return jid.New(nick, g.domain, "")
}

// EnterConference sends an available presence into the conference under the
// given nickname, from the matching puppet JID on the component domain.
func (g *ComponentGateway) EnterConference(ctx context.Context, conference jid.JID, nick string) error {
	enc, err := g.encoder()
	if err != nil {
		return err
	}
	from, err := g.puppetJID(nick)
	if err != nil {
		return fmt.Errorf("invalid puppet nick %q: %w", nick, err)
	}
	to, err := conference.WithResource(nick)
	if err != nil {
		return fmt.Errorf("invalid conference nick %q: %w", nick, err)
	}
	return enc.Encode(ctx, presenceStanza{
		Presence: stanza.Presence{From: from, To: to},
		MUC:      &mucX{},
	})
}

// ExitConference sends an unavailable presence for the given nickname.
func (g *ComponentGateway) ExitConference(ctx context.Context, conference jid.JID, nick string) error {
	enc, err := g.encoder()
	if err != nil {
		return err
	}
	from, err := g.puppetJID(nick)
	if err != nil {
		return fmt.Errorf("invalid puppet nick %q: %w", nick, err)
	}
	to, err := conference.WithResource(nick)
	if err != nil {
		return fmt.Errorf("invalid conference nick %q: %w", nick, err)
	}
	return enc.Encode(ctx, presenceStanza{
		Presence: stanza.Presence{From: from, To: to, Type: stanza.UnavailablePresence},
	})
}

// SendGroupMessage posts a groupchat message into the conference from the
// puppet JID built from the mapped nickname.
func (g *ComponentGateway) SendGroupMessage(ctx context.Context, conference jid.JID, nick, body string) error {
	enc, err := g.encoder()
	if err != nil {
		return err
	}
	from, err := g.puppetJID(nick)
	if err != nil {
		return fmt.Errorf("invalid puppet nick %q: %w", nick, err)
	}
	return enc.Encode(ctx, messageBody{
		Message: stanza.Message{From: from, To: conference.Bare(), Type: stanza.GroupChatMessage},
		Body:    body,
	})
}

// SendPresence sends a directed presence to an arbitrary address.
func (g *ComponentGateway) SendPresence(ctx context.Context, to jid.JID, nick string, unavailable bool) error {
	enc, err := g.encoder()
	if err != nil {
		return err
	}
	from, err := g.puppetJID(nick)
	if err != nil {
		return fmt.Errorf("invalid puppet nick %q: %w", nick, err)
	}
	p := presenceStanza{Presence: stanza.Presence{From: from, To: to}}
	if unavailable {
		p.Type = stanza.UnavailablePresence
	}
	return enc.Encode(ctx, p)
}

// Occupants returns the currently known occupant nicknames of a conference.
// The set is maintained from presence traffic recorded by the serving layer,
// so it only reflects conferences the bridge has already seen activity in.
func (g *ComponentGateway) Occupants(_ context.Context, conference jid.JID) ([]string, error) {
	set, ok := g.occupants.Get(conference.Bare().String())
	if !ok {
		return nil, nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	nicks := make([]string, 0, len(set.nicks))
	for nick := range set.nicks {
		nicks = append(nicks, nick)
	}
	sort.Strings(nicks)
	return nicks, nil
}

// RecordOccupant marks a nickname as present in a conference. Called by the
// federation serving layer when it observes an available occupant presence.
func (g *ComponentGateway) RecordOccupant(conference jid.JID, nick string) {
	set, _ := g.occupants.GetOrSet(conference.Bare().String(), &occupantSet{nicks: make(map[string]struct{})})
	set.mu.Lock()
	set.nicks[nick] = struct{}{}
	set.mu.Unlock()
}

// DropOccupant removes a nickname from a conference's occupant set.
func (g *ComponentGateway) DropOccupant(conference jid.JID, nick string) {
	set, ok := g.occupants.Get(conference.Bare().String())
	if !ok {
		return
	}
	set.mu.Lock()
	delete(set.nicks, nick)
	set.mu.Unlock()
}
