// Copyright 2024-2026 Aiku AI

// Package xmpp holds the decoded stanza model the bridge core consumes and
// the component-session gateway used to reach the XMPP network. Wire-level
// XML framing, dialback and SASL live in the federation layer outside this
// repository; everything here works with already-decoded values.
package xmpp

import (
	"mellium.im/xmpp/jid"
)

// Stanza is the closed set of decoded inbound stanza kinds delivered to the
// bridge. The marker method keeps the set sealed so dispatch can switch
// exhaustively over the known variants.
type Stanza interface {
	stanza()
}

// MessageStanza is a decoded message addressed to a bridged conference or to
// the bridge's own occupant JID inside one.
type MessageStanza struct {
	From jid.JID
	To   jid.JID
	Body string
	// GroupChat is true for type="groupchat" messages. Private messages to
	// the bridge occupant arrive with this unset.
	GroupChat bool
}

func (MessageStanza) stanza() {}

// PresenceStanza is a decoded presence update from a conference occupant.
type PresenceStanza struct {
	From jid.JID
	To   jid.JID
	// Show carries the <show/> value: "", "chat", "away", "xa" or "dnd".
	Show        string
	Unavailable bool
}

func (PresenceStanza) stanza() {}

// OccupantChange enumerates the ways a conference occupant list can change.
type OccupantChange int

const (
	OccupantEntered OccupantChange = iota
	OccupantExited
	OccupantKicked
	OccupantBanned
)

func (oc OccupantChange) String() string {
	switch oc {
	case OccupantEntered:
		return "entered"
	case OccupantExited:
		return "exited"
	case OccupantKicked:
		return "kicked"
	case OccupantBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// OccupantUpdate reports a single occupant entering or leaving a conference.
type OccupantUpdate struct {
	// Conference is the bare conference address the change happened in.
	Conference jid.JID
	Nick       string
	Change     OccupantChange
}

func (OccupantUpdate) stanza() {}
