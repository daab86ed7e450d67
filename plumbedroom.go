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
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	defaultMaxLines = 5
	zwsp            = "​"
)

// PlumbedRoom is a pre-existing shared Matrix room attached to an IRC
// channel. Unlike a ChannelRoom it may contain non-puppet Matrix users
// whose messages are relayed to IRC with a sender prefix.
type PlumbedRoom struct {
	*ChannelRoom
	maxLines        int
	usePastebin     bool
	useDisplaynames bool
	needInvite      bool
}

var _ ircSubRoom = (*PlumbedRoom)(nil)

func (br *IRCBridge) newPlumbedRoom(roomID id.RoomID, userID id.UserID, network, name, key string, cfg *RoomConfig) *PlumbedRoom {
	plumbed := &PlumbedRoom{
		ChannelRoom: &ChannelRoom{
			PrivateRoom:      &PrivateRoom{name: strings.ToLower(name), network: network},
			key:              key,
			evictPuppetsOnly: true,
		},
		maxLines: defaultMaxLines,
	}
	if cfg != nil {
		if cfg.MaxLines > 0 {
			plumbed.maxLines = cfg.MaxLines
		}
		plumbed.usePastebin = cfg.UsePastebin
		plumbed.useDisplaynames = cfg.UseDisplaynames
		plumbed.needInvite = cfg.NeedInvite
	}
	plumbed.RoomBase = newRoomBase(br, plumbed, roomID, userID, roomTypePlumbed)
	plumbed.OnMX(event.EventMessage, plumbed.handleMatrixRelay)
	return plumbed
}

// IsValid only requires the room to still have someone besides the bridge:
// plumbed rooms are shared and don't belong to their creator.
func (pl *PlumbedRoom) IsValid() bool {
	return pl.MemberCount() > 1
}

func (pl *PlumbedRoom) SaveConfig() *RoomConfig {
	cfg := pl.baseConfig(roomTypePlumbed)
	cfg.Name = pl.name
	cfg.Network = pl.network
	cfg.Key = pl.key
	cfg.MaxLines = pl.maxLines
	cfg.UsePastebin = pl.usePastebin
	cfg.UseDisplaynames = pl.useDisplaynames
	cfg.NeedInvite = pl.needInvite
	return cfg
}

// senderPrefix renders the relay prefix for a Matrix sender. A zero-width
// space keeps the name from pinging the sender back through other bridges.
func (pl *PlumbedRoom) senderPrefix(sender id.UserID) string {
	if pl.useDisplaynames {
		if name := pl.bridge.UserDisplayname(sender); name != "" {
			return mangleName(name)
		}
	}
	return mangleName(string(sender))
}

// mangleName inserts a ZWSP after the first visible character.
func mangleName(name string) string {
	runes := []rune(name)
	if len(runes) < 2 {
		return name
	}
	at := 1
	// Keep the @ sigil together with the first letter of the localpart.
	if runes[0] == '@' && len(runes) > 2 {
		at = 2
	}
	return string(runes[:at]) + zwsp + string(runes[at:])
}

func (pl *PlumbedRoom) handleMatrixRelay(ctx context.Context, evt *event.Event) error {
	if evt.Sender == pl.bridge.userID || pl.bridge.IsPuppet(evt.Sender) {
		return nil
	}
	net := pl.Network()
	if net == nil || !net.IRCConnected() {
		return nil
	}
	content := evt.Content.AsMessage()

	switch content.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		if url := pl.bridge.publicMediaURL(content.URL); url != "" {
			net.SendPrivmsg(pl.name, fmt.Sprintf("<%s> %s %s", pl.senderPrefix(evt.Sender), content.Body, url))
		}
		return nil
	case event.MsgText, event.MsgEmote, event.MsgNotice:
	default:
		return nil
	}

	body := pl.bridge.matrixToIRC(ctx, content)
	body = stripReplyFallback(body)
	if pl.useDisplaynames {
		body = pl.rewriteMentions(body)
	}
	if body == "" {
		return nil
	}

	prefix := pl.senderPrefix(evt.Sender)
	budget := net.PayloadBudget(pl.name)
	var lines []string
	for _, line := range splitLong(body, budget-len(prefix)-3) {
		switch content.MsgType {
		case event.MsgEmote:
			lines = append(lines, fmt.Sprintf("* %s %s", prefix, line))
		default:
			lines = append(lines, fmt.Sprintf("<%s> %s", prefix, line))
		}
	}

	if len(lines) > pl.maxLines {
		if pl.usePastebin {
			url, err := pl.uploadPaste(ctx, body, evt.Sender)
			if err != nil {
				pl.log.Warn().Err(err).Msg("Failed to upload long message as paste")
				lines = lines[:pl.maxLines]
			} else {
				lines = []string{fmt.Sprintf("<%s> long message: %s", prefix, url)}
				pl.react(ctx, evt.ID, "\U0001f4dd")
			}
		} else {
			lines = lines[:pl.maxLines]
			pl.react(ctx, evt.ID, "✂️")
		}
	}
	for _, line := range lines {
		net.SendPrivmsg(pl.name, line)
	}
	return nil
}

// rewriteMentions replaces raw @mxid mentions with displaynames of room
// members where known.
func (pl *PlumbedRoom) rewriteMentions(body string) string {
	for _, member := range pl.Members() {
		if pl.bridge.IsPuppet(member) || member == pl.bridge.userID {
			continue
		}
		name := pl.bridge.UserDisplayname(member)
		if name == "" {
			continue
		}
		body = strings.ReplaceAll(body, string(member), name)
	}
	return body
}

func (pl *PlumbedRoom) uploadPaste(ctx context.Context, body string, sender id.UserID) (string, error) {
	data := []byte(body + "\n")
	contentType := mimetype.Detect(data).String()
	uri, err := pl.bridge.matrix.UploadMedia(ctx, data, contentType, fmt.Sprintf("%s.txt", sender))
	if err != nil {
		return "", err
	}
	return pl.bridge.publicMediaURL(uri.CUString()), nil
}

func (pl *PlumbedRoom) react(ctx context.Context, eventID id.EventID, key string) {
	if err := pl.bridge.matrix.SendReaction(ctx, pl.roomID, eventID, key); err != nil {
		pl.log.Debug().Err(err).Msg("Failed to react to relayed event")
	}
}

// splitLong word-wraps text so every line fits the given byte budget.
// Overlong words are hard-split.
func splitLong(text string, budget int) []string {
	if budget < 16 {
		budget = 16
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for len(line) > budget {
			cut := strings.LastIndexByte(line[:budget+1], ' ')
			if cut <= 0 {
				cut = budget
				// A hard split must not land inside a multi-byte rune.
				for !utf8.RuneStart(line[cut]) {
					cut--
				}
			}
			out = append(out, strings.TrimRight(line[:cut], " "))
			line = strings.TrimLeft(line[cut:], " ")
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
