// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const commandUsage = "Usage: connect <room>@<conference-domain> | disconnect | info | members"

// isCommand reports whether a message event addresses the bridge bot as its
// first whitespace token.
func (p *TransportPool) isCommand(evt *event.Event) bool {
	if evt.Sender == p.matrix.BotUserID() {
		return false
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return false
	}
	fields := strings.Fields(content.Body)
	return len(fields) > 0 && p.isBotMention(fields[0])
}

// isBotMention accepts the bot's full user ID or bare localpart, with or
// without a trailing colon from mention completion.
func (p *TransportPool) isBotMention(token string) bool {
	token = strings.TrimSuffix(token, ":")
	localpart := p.cfg.Appservice.Bot.Username
	return token == p.matrix.BotUserID().String() ||
		token == localpart ||
		token == "@"+localpart
}

// handleCommand parses and executes a bridge command. Unknown subcommands
// report not-handled so ordinary messages that happen to start with a
// mention still relay through the transport.
func (p *TransportPool) handleCommand(ctx context.Context, evt *event.Event) (bool, error) {
	content := evt.Content.AsMessage()
	if content == nil {
		return false, nil
	}
	fields := strings.Fields(content.Body)
	if len(fields) < 2 {
		p.notice(ctx, evt.RoomID, commandUsage)
		return true, nil
	}
	switch strings.ToLower(fields[1]) {
	case "connect":
		return true, p.cmdConnect(ctx, evt, fields[2:])
	case "disconnect":
		return true, p.cmdDisconnect(ctx, evt)
	case "info":
		return true, p.cmdInfo(ctx, evt)
	case "members":
		return true, p.cmdMembers(ctx, evt)
	default:
		return false, nil
	}
}

// cmdConnect tags the room with a conference alias. The transport itself is
// provisioned by the alias-change event that follows. Rooms that already
// carry a recognized binding are left untouched without a reply.
func (p *TransportPool) cmdConnect(ctx context.Context, evt *event.Event, args []string) error {
	if len(args) != 1 {
		p.notice(ctx, evt.RoomID, commandUsage)
		return nil
	}
	local, domain, ok := strings.Cut(args[0], "@")
	if !ok || !aliasLocalRegex.MatchString(local) || !aliasDomainRegex.MatchString(domain) {
		p.notice(ctx, evt.RoomID, fmt.Sprintf("Invalid conference address %q. %s", args[0], commandUsage))
		return nil
	}
	if _, live := p.byRoom.Get(evt.RoomID); live {
		return nil
	}
	if binding, err := p.store.BindingByRoom(ctx, evt.RoomID); err == nil && binding != nil {
		return nil
	}
	alias := p.cfg.FormatConferenceAlias(local, domain)
	if err := p.matrix.CreateAlias(ctx, alias, evt.RoomID); err != nil {
		p.notice(ctx, evt.RoomID, "Failed to create the conference alias on this room.")
		return fmt.Errorf("failed to create alias %s: %w", alias, err)
	}
	p.log.Info().Stringer("room_id", evt.RoomID).Stringer("alias", alias).Msg("Connect command set alias")
	return nil
}

// cmdDisconnect tears the binding down. Only the user who invited the
// bridge into the room may issue it.
func (p *TransportPool) cmdDisconnect(ctx context.Context, evt *event.Event) error {
	inviter, ok := p.inviters.Get(evt.RoomID)
	if !ok {
		if stored, err := p.store.Inviter(ctx, evt.RoomID); err == nil && stored != "" {
			inviter, ok = stored, true
		}
	}
	if !ok || inviter != evt.Sender {
		p.notice(ctx, evt.RoomID, "Only the user who invited the bridge may disconnect this room.")
		return nil
	}
	p.removeTransport(ctx, evt.RoomID)
	p.dropInviter(ctx, evt.RoomID)
	if joined, err := p.matrix.IsJoined(ctx, evt.RoomID); err == nil && joined {
		if err = p.matrix.LeaveRoom(ctx, p.matrix.BotUserID(), evt.RoomID); err != nil {
			p.log.Warn().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to leave room after disconnect")
		}
	}
	p.log.Info().Stringer("room_id", evt.RoomID).Stringer("sender", evt.Sender).Msg("Room disconnected")
	return nil
}

// cmdInfo renders the room's binding. Read-only; a missing transport
// renders as not connected rather than failing.
func (p *TransportPool) cmdInfo(ctx context.Context, evt *event.Event) error {
	t, ok := p.byRoom.Get(evt.RoomID)
	if !ok {
		p.notice(ctx, evt.RoomID, "This room is not connected to a conference.")
		return nil
	}
	matrixSide, xmppSide := t.users.snapshot()
	p.notice(ctx, evt.RoomID, fmt.Sprintf(
		"Connected to %s via alias %s (%d Matrix puppets, %d XMPP ghosts).",
		t.ConferenceAddr(), t.binding.Alias, len(matrixSide), len(xmppSide)))
	return nil
}

// cmdMembers renders the current puppet mappings in both directions.
func (p *TransportPool) cmdMembers(ctx context.Context, evt *event.Event) error {
	t, ok := p.byRoom.Get(evt.RoomID)
	if !ok {
		p.notice(ctx, evt.RoomID, "This room is not connected to a conference.")
		return nil
	}
	matrixSide, xmppSide := t.users.snapshot()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Members bridged with %s:\n", t.ConferenceAddr()))
	sb.WriteString("Matrix \u2192 XMPP:\n")
	users := make([]id.UserID, 0, len(matrixSide))
	for user := range matrixSide {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	for _, user := range users {
		sb.WriteString(fmt.Sprintf("  %s as %s\n", user, matrixSide[user]))
	}
	sb.WriteString("XMPP \u2192 Matrix:\n")
	nicks := make([]string, 0, len(xmppSide))
	for nick := range xmppSide {
		nicks = append(nicks, nick)
	}
	sort.Strings(nicks)
	for _, nick := range nicks {
		sb.WriteString(fmt.Sprintf("  %s as %s\n", nick, xmppSide[nick]))
	}
	p.notice(ctx, evt.RoomID, strings.TrimRight(sb.String(), "\n"))
	return nil
}

// notice sends a formatted notice, logging instead of failing if the send
// does not go through.
func (p *TransportPool) notice(ctx context.Context, roomID id.RoomID, text string) {
	if err := p.matrix.SendNotice(ctx, roomID, text); err != nil {
		p.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to send notice")
	}
}
