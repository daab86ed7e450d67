// mautrix-irc - A Matrix-IRC puppeting bridge.
// Copyright (C) 2026 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/irc.v3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ircSubRoom is a room bound to one IRC destination (a nick or a channel)
// on a network, fed by the NetworkRoom's dispatcher.
type ircSubRoom interface {
	Room
	Target() string
	NetworkName() string
	HandleIRCEvent(ctx context.Context, net *NetworkRoom, msg *irc.Message)
}

// PrivateRoom bridges a one-on-one IRC conversation with a single nick.
type PrivateRoom struct {
	*RoomBase
	name    string // lowercased peer nick
	network string
}

var _ ircSubRoom = (*PrivateRoom)(nil)

func (br *IRCBridge) newPrivateRoom(roomID id.RoomID, userID id.UserID, network, name string) *PrivateRoom {
	pr := &PrivateRoom{name: strings.ToLower(name), network: network}
	pr.RoomBase = newRoomBase(br, pr, roomID, userID, roomTypePrivate)
	pr.OnMX(event.EventMessage, pr.handleMatrixMessage)
	return pr
}

func (pr *PrivateRoom) Target() string {
	return pr.name
}

func (pr *PrivateRoom) NetworkName() string {
	return pr.network
}

// Network resolves the weak back-reference to the owning NetworkRoom.
func (pr *PrivateRoom) Network() *NetworkRoom {
	return pr.bridge.GetNetworkRoom(pr.userID, pr.network)
}

// IsValid requires the owning user to still be in the room.
func (pr *PrivateRoom) IsValid() bool {
	return pr.InRoom(pr.userID)
}

func (pr *PrivateRoom) SaveConfig() *RoomConfig {
	cfg := pr.baseConfig(roomTypePrivate)
	cfg.Name = pr.name
	cfg.Network = pr.network
	return cfg
}

func (pr *PrivateRoom) handleMatrixMessage(ctx context.Context, evt *event.Event) error {
	if evt.Sender != pr.userID {
		return nil
	}
	net := pr.Network()
	if net == nil || !net.IRCConnected() {
		pr.SendNotice(fmt.Sprintf("Not connected to %s.", pr.network))
		return nil
	}
	net.RelayToIRC(ctx, pr.name, evt.Content.AsMessage())
	return nil
}

// HandleIRCEvent processes IRC traffic addressed to (or from) the peer.
func (pr *PrivateRoom) HandleIRCEvent(ctx context.Context, net *NetworkRoom, msg *irc.Message) {
	switch msg.Command {
	case "PRIVMSG", "NOTICE":
		pr.handleIRCMessage(net, msg)
	case "NICK":
		// Rekeying is done by the NetworkRoom; just tell the user.
		pr.SendNotice(fmt.Sprintf("%s is now known as %s", msg.Prefix.Name, msg.Params[0]))
	case "QUIT":
		reason := msg.Trailing()
		pr.SendNotice(fmt.Sprintf("%s has quit (%s)", msg.Prefix.Name, reason))
	}
}

func (pr *PrivateRoom) handleIRCMessage(net *NetworkRoom, msg *irc.Message) {
	nick := msg.Prefix.Name
	text := msg.Trailing()
	msgType := event.MsgText
	if msg.Command == "NOTICE" {
		msgType = event.MsgNotice
	}
	if action, ok := parseCTCPAction(text); ok {
		text = action
		msgType = event.MsgEmote
	}
	pr.runner.Schedule("puppet message", func(ctx context.Context) error {
		puppet, err := pr.bridge.puppets.Ensure(ctx, pr.network, nick)
		if err != nil {
			return fmt.Errorf("failed to ensure puppet for %s: %w", nick, err)
		}
		if !pr.InRoom(puppet) {
			if err = pr.bridge.matrix.EnsureJoined(ctx, puppet, pr.roomID); err != nil {
				return fmt.Errorf("failed to join puppet %s: %w", puppet, err)
			}
		}
		body, formatted := ircToMatrix(text)
		pr.SendAs(puppet, msgType, body, formatted)
		return nil
	})
}

// parseCTCPAction unwraps a CTCP ACTION ("/me") payload.
func parseCTCPAction(text string) (string, bool) {
	if strings.HasPrefix(text, "\x01ACTION ") && strings.HasSuffix(text, "\x01") {
		return strings.TrimSuffix(strings.TrimPrefix(text, "\x01ACTION "), "\x01"), true
	}
	return "", false
}

// createPrivateRoom makes a fresh DM-style room for a nick, invites the
// owner and the puppet, and attaches it to the network.
func (br *IRCBridge) createPrivateRoom(ctx context.Context, net *NetworkRoom, nick string) (*PrivateRoom, error) {
	puppet, err := br.puppets.Ensure(ctx, net.name, nick)
	if err != nil {
		return nil, err
	}
	roomID, err := br.matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "trusted_private_chat",
		Name:       fmt.Sprintf("%s (%s)", nick, net.name),
		IsDirect:   true,
		Invite:     []id.UserID{net.userID, puppet},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	pr := br.newPrivateRoom(roomID, net.userID, net.name, nick)
	pr.SetMembers([]id.UserID{br.userID, net.userID})
	br.RegisterRoom(pr)
	net.AttachRoom(pr)
	pr.PersistConfig(ctx)
	if err = br.matrix.EnsureJoined(ctx, puppet, roomID); err != nil {
		pr.log.Warn().Err(err).Msg("Failed to join puppet to new private room")
	}
	return pr, nil
}
