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

	"go.mau.fi/mautrix-irc/config"
)

// ChannelRoom bridges one IRC channel. The channel's occupants are
// mirrored as puppets according to the member_sync policy.
type ChannelRoom struct {
	*PrivateRoom
	key string

	// evictPuppetsOnly keeps NAMES reconciliation away from real users in
	// shared (plumbed) rooms.
	evictPuppetsOnly bool

	// namesBuffer collects RPL_NAMREPLY entries until RPL_ENDOFNAMES.
	// Only touched from the connection's read goroutine.
	namesBuffer []string
}

var _ ircSubRoom = (*ChannelRoom)(nil)

func (br *IRCBridge) newChannelRoom(roomID id.RoomID, userID id.UserID, network, name, key string) *ChannelRoom {
	cr := &ChannelRoom{
		PrivateRoom: &PrivateRoom{name: strings.ToLower(name), network: network},
		key:         key,
	}
	cr.RoomBase = newRoomBase(br, cr, roomID, userID, roomTypeChannel)
	cr.OnMX(event.EventMessage, cr.handleMatrixMessage)
	return cr
}

// IsValid requires the owning user to still be in the room.
func (cr *ChannelRoom) IsValid() bool {
	return cr.InRoom(cr.userID)
}

func (cr *ChannelRoom) SaveConfig() *RoomConfig {
	cfg := cr.baseConfig(roomTypeChannel)
	cfg.Name = cr.name
	cfg.Network = cr.network
	cfg.Key = cr.key
	return cfg
}

// Cleanup makes the puppets leave before the room is forgotten.
func (cr *ChannelRoom) Cleanup(ctx context.Context) {
	for _, member := range cr.Members() {
		if cr.bridge.IsPuppet(member) {
			if err := cr.bridge.matrix.LeaveRoom(ctx, member, cr.roomID); err != nil {
				cr.log.Debug().Err(err).Stringer("puppet", member).Msg("Failed to remove puppet during cleanup")
			}
		}
	}
	cr.RoomBase.Cleanup(ctx)
}

// HandleIRCEvent processes IRC traffic for the channel.
func (cr *ChannelRoom) HandleIRCEvent(ctx context.Context, net *NetworkRoom, msg *irc.Message) {
	switch msg.Command {
	case "PRIVMSG", "NOTICE":
		cr.handleIRCMessage(net, msg)
	case "JOIN":
		cr.handleIRCJoin(net, msg)
	case "PART":
		cr.handleIRCPart(net, msg)
	case "KICK":
		cr.handleIRCKick(net, msg)
	case "QUIT":
		cr.handlePuppetLeave(net, msg.Prefix.Name, "quit: "+msg.Trailing())
	case "NICK":
		cr.handleIRCNick(net, msg.Prefix.Name, msg.Params[0])
	case "MODE":
		if len(msg.Params) > 1 {
			cr.SendNotice(fmt.Sprintf("%s set mode %s", msg.Prefix.Name, strings.Join(msg.Params[1:], " ")))
		}
	case "TOPIC":
		cr.setTopic(msg.Trailing())
		cr.SendNotice(fmt.Sprintf("%s changed the topic", msg.Prefix.Name))
	case irc.RPL_TOPIC:
		// 332 <me> <channel> :topic
		cr.setTopic(msg.Trailing())
	case irc.RPL_NOTOPIC:
		cr.setTopic("")
	case irc.RPL_NAMREPLY:
		// 353 <me> <symbol> <channel> :nick nick nick
		cr.namesBuffer = append(cr.namesBuffer, strings.Fields(msg.Trailing())...)
	case irc.RPL_ENDOFNAMES:
		names := cr.namesBuffer
		cr.namesBuffer = nil
		cr.reconcileNames(net, names)
	}
}

func (cr *ChannelRoom) setTopic(topic string) {
	cr.runner.Schedule("set topic", func(ctx context.Context) error {
		return cr.bridge.matrix.SendStateEvent(ctx, cr.roomID, event.StateTopic, "", &event.TopicEventContent{Topic: topic})
	})
}

func (cr *ChannelRoom) handleIRCJoin(net *NetworkRoom, msg *irc.Message) {
	nick := msg.Prefix.Name
	if net.IsSelf(nick) {
		return
	}
	if cr.bridge.MemberSync() == config.MemberSyncLazy {
		return
	}
	cr.runner.Schedule("puppet join", func(ctx context.Context) error {
		puppet, err := cr.bridge.puppets.Ensure(ctx, cr.network, nick)
		if err != nil {
			return err
		}
		return cr.joinPuppet(ctx, puppet)
	})
}

func (cr *ChannelRoom) joinPuppet(ctx context.Context, puppet id.UserID) error {
	if cr.InRoom(puppet) {
		return nil
	}
	if err := cr.bridge.matrix.EnsureJoined(ctx, puppet, cr.roomID); err != nil {
		return fmt.Errorf("failed to join puppet %s: %w", puppet, err)
	}
	cr.membersLock.Lock()
	cr.members[puppet] = struct{}{}
	cr.membersLock.Unlock()
	return nil
}

func (cr *ChannelRoom) handleIRCPart(net *NetworkRoom, msg *irc.Message) {
	nick := msg.Prefix.Name
	if net.IsSelf(nick) {
		cr.SendNotice(fmt.Sprintf("You parted %s.", cr.name))
		return
	}
	cr.handlePuppetLeave(net, nick, "")
}

func (cr *ChannelRoom) handleIRCKick(net *NetworkRoom, msg *irc.Message) {
	// KICK <channel> <target> :reason
	if len(msg.Params) < 2 {
		return
	}
	target := msg.Params[1]
	reason := msg.Trailing()
	if net.IsSelf(target) {
		cr.SendNotice(fmt.Sprintf("You were kicked from %s by %s (%s)", cr.name, msg.Prefix.Name, reason))
		return
	}
	cr.handlePuppetLeave(net, target, "kicked by "+msg.Prefix.Name)
}

func (cr *ChannelRoom) handlePuppetLeave(net *NetworkRoom, nick, reason string) {
	puppet := cr.bridge.puppets.MXID(cr.network, nick)
	if !cr.InRoom(puppet) {
		return
	}
	cr.runner.Schedule("puppet leave", func(ctx context.Context) error {
		if reason != "" {
			cr.log.Debug().Str("nick", nick).Str("reason", reason).Msg("Removing puppet from channel")
		}
		if err := cr.bridge.matrix.LeaveRoom(ctx, puppet, cr.roomID); err != nil {
			return err
		}
		cr.membersLock.Lock()
		delete(cr.members, puppet)
		cr.membersLock.Unlock()
		return nil
	})
}

func (cr *ChannelRoom) handleIRCNick(net *NetworkRoom, oldNick, newNick string) {
	oldPuppet := cr.bridge.puppets.MXID(cr.network, oldNick)
	if !cr.InRoom(oldPuppet) {
		return
	}
	cr.runner.Schedule("puppet nick change", func(ctx context.Context) error {
		newPuppet, err := cr.bridge.puppets.Ensure(ctx, cr.network, newNick)
		if err != nil {
			return err
		}
		if err = cr.joinPuppet(ctx, newPuppet); err != nil {
			return err
		}
		if err = cr.bridge.matrix.LeaveRoom(ctx, oldPuppet, cr.roomID); err != nil {
			return err
		}
		cr.membersLock.Lock()
		delete(cr.members, oldPuppet)
		cr.membersLock.Unlock()
		return nil
	})
}

// reconcileNames synchronizes the Matrix member list with the channel's
// occupants after an end-of-names reply: stale puppets leave, missing ones
// are invited and joined (unless member syncing is lazy).
func (cr *ChannelRoom) reconcileNames(net *NetworkRoom, names []string) {
	lazy := cr.bridge.MemberSync() == config.MemberSyncLazy
	cr.runner.Schedule("names reconciliation", func(ctx context.Context) error {
		toRemove := make(map[id.UserID]struct{})
		for _, member := range cr.Members() {
			toRemove[member] = struct{}{}
		}
		for _, nick := range names {
			nick = strings.TrimLeft(nick, "~&@%+")
			if nick == "" || net.IsSelf(nick) {
				continue
			}
			puppet, err := cr.bridge.puppets.Ensure(ctx, cr.network, nick)
			if err != nil {
				cr.log.Warn().Err(err).Str("nick", nick).Msg("Failed to ensure puppet during names sync")
				continue
			}
			if _, present := toRemove[puppet]; present {
				delete(toRemove, puppet)
			} else if !cr.InRoom(puppet) && !lazy {
				if err = cr.joinPuppet(ctx, puppet); err != nil {
					cr.log.Warn().Err(err).Stringer("puppet", puppet).Msg("Failed to join puppet during names sync")
				}
			}
		}
		delete(toRemove, cr.userID)
		delete(toRemove, cr.bridge.userID)
		for member := range toRemove {
			var err error
			if cr.bridge.IsPuppet(member) {
				err = cr.bridge.matrix.LeaveRoom(ctx, member, cr.roomID)
			} else if cr.evictPuppetsOnly {
				continue
			} else {
				// Real users can't be impersonated, the bot kicks them.
				err = cr.bridge.matrix.KickUser(ctx, cr.roomID, member, "Not in the IRC channel")
			}
			if err != nil {
				cr.log.Warn().Err(err).Stringer("member", member).Msg("Failed to remove stale member during names sync")
				continue
			}
			cr.membersLock.Lock()
			delete(cr.members, member)
			cr.membersLock.Unlock()
		}
		return nil
	})
}

// createChannelRoom makes a fresh room for a channel the user joined.
func (br *IRCBridge) createChannelRoom(ctx context.Context, net *NetworkRoom, channel, key string) (*ChannelRoom, error) {
	roomID, err := br.matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       fmt.Sprintf("%s (%s)", channel, net.name),
		Invite:     []id.UserID{net.userID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	cr := br.newChannelRoom(roomID, net.userID, net.name, channel, key)
	cr.SetMembers([]id.UserID{br.userID, net.userID})
	br.RegisterRoom(cr)
	net.AttachRoom(cr)
	cr.PersistConfig(ctx)
	return cr, nil
}
