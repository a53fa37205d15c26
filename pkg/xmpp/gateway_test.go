// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package xmpp

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// recordingEncoder captures every encoded element.
type recordingEncoder struct {
	mu       sync.Mutex
	elements []interface{}
	closed   bool
}

func (r *recordingEncoder) Encode(_ context.Context, v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elements = append(r.elements, v)
	return nil
}

func (r *recordingEncoder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func newTestGateway(t *testing.T) (*ComponentGateway, *recordingEncoder) {
	t.Helper()
	enc := &recordingEncoder{}
	g := NewComponentGateway(func(context.Context) (Encoder, error) {
		return enc, nil
	}, "bridge.example.com", zerolog.Nop())
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return g, enc
}

func conf(t *testing.T) jid.JID {
	t.Helper()
	return jid.MustParse("myconf@conference.jabber.org")
}

func TestGatewayRequiresConnection(t *testing.T) {
	t.Parallel()
	g := NewComponentGateway(func(context.Context) (Encoder, error) {
		return &recordingEncoder{}, nil
	}, "bridge.example.com", zerolog.Nop())

	err := g.SendGroupMessage(context.Background(), conf(t), "alice", "hi")
	if err == nil {
		t.Error("SendGroupMessage succeeded without a session")
	}
}

func TestGatewayEnterConference(t *testing.T) {
	t.Parallel()
	g, enc := newTestGateway(t)
	if err := g.EnterConference(context.Background(), conf(t), "alice"); err != nil {
		t.Fatalf("EnterConference: %v", err)
	}

	if len(enc.elements) != 1 {
		t.Fatalf("encoded elements: got %d, want 1", len(enc.elements))
	}
	p, ok := enc.elements[0].(presenceStanza)
	if !ok {
		t.Fatalf("encoded element: got %T, want presenceStanza", enc.elements[0])
	}
	if p.From.String() != "alice@bridge.example.com" {
		t.Errorf("presence from: got %q", p.From.String())
	}
	if p.To.String() != "myconf@conference.jabber.org/alice" {
		t.Errorf("presence to: got %q", p.To.String())
	}
	if p.MUC == nil {
		t.Error("enter presence missing MUC announcement")
	}
	if p.Type == stanza.UnavailablePresence {
		t.Error("enter presence marked unavailable")
	}
}

func TestGatewayExitConference(t *testing.T) {
	t.Parallel()
	g, enc := newTestGateway(t)
	if err := g.ExitConference(context.Background(), conf(t), "alice"); err != nil {
		t.Fatalf("ExitConference: %v", err)
	}

	p := enc.elements[0].(presenceStanza)
	if p.Type != stanza.UnavailablePresence {
		t.Errorf("exit presence type: got %q", p.Type)
	}
	if p.MUC != nil {
		t.Error("exit presence carries MUC announcement")
	}
}

func TestGatewaySendGroupMessage(t *testing.T) {
	t.Parallel()
	g, enc := newTestGateway(t)
	if err := g.SendGroupMessage(context.Background(), conf(t), "alice", "hello muc"); err != nil {
		t.Fatalf("SendGroupMessage: %v", err)
	}

	m, ok := enc.elements[0].(messageBody)
	if !ok {
		t.Fatalf("encoded element: got %T, want messageBody", enc.elements[0])
	}
	if m.Type != stanza.GroupChatMessage {
		t.Errorf("message type: got %q", m.Type)
	}
	if m.To.String() != "myconf@conference.jabber.org" {
		t.Errorf("message to: got %q, want bare conference", m.To.String())
	}
	if m.From.String() != "alice@bridge.example.com" || m.Body != "hello muc" {
		t.Errorf("message: got from=%q body=%q", m.From.String(), m.Body)
	}
}

func TestGatewaySendPresence(t *testing.T) {
	t.Parallel()
	g, enc := newTestGateway(t)
	to := jid.MustParse("someone@jabber.org")
	if err := g.SendPresence(context.Background(), to, "alice", true); err != nil {
		t.Fatalf("SendPresence: %v", err)
	}

	p := enc.elements[0].(presenceStanza)
	if p.Type != stanza.UnavailablePresence {
		t.Errorf("presence type: got %q, want unavailable", p.Type)
	}
	if p.To.String() != "someone@jabber.org" {
		t.Errorf("presence to: got %q", p.To.String())
	}
}

func TestGatewayInvalidNick(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)
	// A nick that cannot form a localpart is rejected before encoding.
	if err := g.SendGroupMessage(context.Background(), conf(t), "bad@nick", "hi"); err == nil {
		t.Error("SendGroupMessage accepted an invalid nick")
	}
}

func TestGatewayOccupantTracking(t *testing.T) {
	t.Parallel()
	g, _ := newTestGateway(t)
	c := conf(t)

	if nicks, _ := g.Occupants(context.Background(), c); len(nicks) != 0 {
		t.Fatalf("fresh conference occupants: got %v", nicks)
	}

	g.RecordOccupant(c, "juliet")
	g.RecordOccupant(c, "romeo")
	g.RecordOccupant(c, "juliet") // repeat is a no-op
	g.RecordOccupant(jid.MustParse("other@muc.example.org"), "stranger")

	nicks, err := g.Occupants(context.Background(), c)
	if err != nil {
		t.Fatalf("Occupants: %v", err)
	}
	if len(nicks) != 2 || nicks[0] != "juliet" || nicks[1] != "romeo" {
		t.Errorf("occupants: got %v, want [juliet romeo]", nicks)
	}

	g.DropOccupant(c, "juliet")
	nicks, _ = g.Occupants(context.Background(), c)
	if len(nicks) != 1 || nicks[0] != "romeo" {
		t.Errorf("occupants after drop: got %v", nicks)
	}
	// Dropping from an unknown conference is a no-op.
	g.DropOccupant(jid.MustParse("ghost@muc.example.org"), "nobody")
}

func TestGatewayClose(t *testing.T) {
	t.Parallel()
	g, enc := newTestGateway(t)
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !enc.closed {
		t.Error("underlying session not closed")
	}
	if err := g.SendGroupMessage(context.Background(), conf(t), "alice", "hi"); err == nil {
		t.Error("send succeeded after close")
	}
}

func TestOccupantChangeString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		change OccupantChange
		want   string
	}{
		{OccupantEntered, "entered"},
		{OccupantExited, "exited"},
		{OccupantKicked, "kicked"},
		{OccupantBanned, "banned"},
		{OccupantChange(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.change.String(); got != tt.want {
			t.Errorf("OccupantChange(%d).String(): got %q, want %q", tt.change, got, tt.want)
		}
	}
}
