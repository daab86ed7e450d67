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
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// roomAccountDataKey is where each room's bridge metadata is persisted on
// the homeserver.
const roomAccountDataKey = "irc"

const (
	roomTypeControl = "ControlRoom"
	roomTypeNetwork = "NetworkRoom"
	roomTypePrivate = "PrivateRoom"
	roomTypeChannel = "ChannelRoom"
	roomTypePlumbed = "PlumbedRoom"
)

// RoomConfig is the tagged variant persisted as per-room account data. Type
// selects the room class; the remaining fields are class-specific payload.
type RoomConfig struct {
	Type   string    `json:"type"`
	UserID id.UserID `json:"user_id"`

	// NetworkRoom: network name and connection preferences.
	Name      string `json:"name,omitempty"`
	Nick      string `json:"nick,omitempty"`
	Username  string `json:"username,omitempty"`
	Ircname   string `json:"ircname,omitempty"`
	Password  string `json:"password,omitempty"`
	Autocmd   string `json:"autocmd,omitempty"`
	Connected bool   `json:"connected,omitempty"`

	// Private/Channel/Plumbed rooms: owning network and join key.
	Network string `json:"network,omitempty"`
	Key     string `json:"key,omitempty"`

	// PlumbedRoom relay options.
	MaxLines        int  `json:"max_lines,omitempty"`
	UsePastebin     bool `json:"use_pastebin,omitempty"`
	UseDisplaynames bool `json:"use_displaynames,omitempty"`
	NeedInvite      bool `json:"need_invite,omitempty"`
}

// errRoomInvalid is raised by a room handler when the room's defining
// membership disappeared. The bridge catches it and cleans up, leaves and
// forgets the room.
var errRoomInvalid = errors.New("room is no longer valid")

// errStopHandling halts dispatch to later handlers for the same event.
var errStopHandling = errors.New("stop handling")

// MatrixHandler processes one Matrix event routed to a room.
type MatrixHandler func(ctx context.Context, evt *event.Event) error

// Room is the common contract of all bridged room classes.
type Room interface {
	ID() id.RoomID
	OwnerID() id.UserID
	Base() *RoomBase
	IsValid() bool
	SaveConfig() *RoomConfig
	HandleMatrixEvent(ctx context.Context, evt *event.Event) error
	Cleanup(ctx context.Context)
}

// RoomBase carries the state shared by every room class: membership, the
// outbound event queue, the per-room serial runner and the Matrix event
// handler table.
type RoomBase struct {
	bridge *IRCBridge
	self   Room
	log    zerolog.Logger

	roomID id.RoomID
	userID id.UserID

	membersLock sync.Mutex
	members     map[id.UserID]struct{}

	runner   *SerialRunner
	queue    *EventQueue
	handlers map[event.Type][]MatrixHandler
}

func newRoomBase(br *IRCBridge, self Room, roomID id.RoomID, userID id.UserID, roomType string) *RoomBase {
	rb := &RoomBase{
		bridge:   br,
		self:     self,
		log:      br.log.With().Str("room_type", roomType).Stringer("room_id", roomID).Logger(),
		roomID:   roomID,
		userID:   userID,
		members:  make(map[id.UserID]struct{}),
		handlers: make(map[event.Type][]MatrixHandler),
	}
	rb.runner = NewSerialRunner(rb.log)
	rb.queue = NewEventQueue(rb.runner, rb.sendQueued)
	rb.OnMX(event.StateMember, rb.handleMember)
	return rb
}

func (rb *RoomBase) ID() id.RoomID {
	return rb.roomID
}

func (rb *RoomBase) OwnerID() id.UserID {
	return rb.userID
}

func (rb *RoomBase) Base() *RoomBase {
	return rb
}

// OnMX registers a handler for a Matrix event type. Handlers run in
// registration order; returning errStopHandling halts the chain.
func (rb *RoomBase) OnMX(evtType event.Type, fn MatrixHandler) {
	rb.handlers[evtType] = append(rb.handlers[evtType], fn)
}

// HandleMatrixEvent dispatches an event to the registered handlers.
func (rb *RoomBase) HandleMatrixEvent(ctx context.Context, evt *event.Event) error {
	for _, fn := range rb.handlers[evt.Type] {
		err := fn(ctx, evt)
		if errors.Is(err, errStopHandling) {
			return nil
		} else if err != nil {
			return err
		}
	}
	return nil
}

// Cleanup stops the room's background machinery. Subclasses wrap this with
// their own teardown.
func (rb *RoomBase) Cleanup(ctx context.Context) {
	rb.queue.Flush()
	rb.runner.Stop()
}

func (rb *RoomBase) handleMember(ctx context.Context, evt *event.Event) error {
	member := evt.Content.AsMember()
	target := id.UserID(evt.GetStateKey())
	rb.membersLock.Lock()
	switch member.Membership {
	case event.MembershipJoin:
		rb.members[target] = struct{}{}
	case event.MembershipLeave, event.MembershipBan:
		delete(rb.members, target)
	}
	rb.membersLock.Unlock()
	if member.Membership == event.MembershipJoin && !rb.bridge.IsPuppet(target) && target != rb.bridge.userID {
		rb.bridge.trackUser(target, member.Displayname)
	}
	if member.Membership == event.MembershipLeave || member.Membership == event.MembershipBan {
		if !rb.self.IsValid() {
			return errRoomInvalid
		}
	}
	return nil
}

// SetMembers replaces the tracked member set, used during startup sync.
func (rb *RoomBase) SetMembers(members []id.UserID) {
	rb.membersLock.Lock()
	defer rb.membersLock.Unlock()
	rb.members = make(map[id.UserID]struct{}, len(members))
	for _, userID := range members {
		rb.members[userID] = struct{}{}
	}
}

func (rb *RoomBase) InRoom(userID id.UserID) bool {
	rb.membersLock.Lock()
	defer rb.membersLock.Unlock()
	_, ok := rb.members[userID]
	return ok
}

func (rb *RoomBase) Members() []id.UserID {
	rb.membersLock.Lock()
	defer rb.membersLock.Unlock()
	members := make([]id.UserID, 0, len(rb.members))
	for userID := range rb.members {
		members = append(members, userID)
	}
	return members
}

func (rb *RoomBase) MemberCount() int {
	rb.membersLock.Lock()
	defer rb.membersLock.Unlock()
	return len(rb.members)
}

func (rb *RoomBase) sendQueued(ctx context.Context, evt *QueuedEvent) error {
	return rb.bridge.matrix.SendEvent(ctx, evt.UserID, rb.roomID, evt.Type, evt.Content)
}

// SendNotice queues an m.notice from the bridge bot.
func (rb *RoomBase) SendNotice(text string) {
	rb.SendAs("", event.MsgNotice, text, "")
}

// SendMessage queues an m.text from the bridge bot.
func (rb *RoomBase) SendMessage(text string) {
	rb.SendAs("", event.MsgText, text, "")
}

// SendEmote queues an m.emote from the bridge bot.
func (rb *RoomBase) SendEmote(text string) {
	rb.SendAs("", event.MsgEmote, text, "")
}

// SendAs queues a message event sent as the given puppet (empty = bot).
// A non-empty formattedBody marks the content as org.matrix.custom.html.
func (rb *RoomBase) SendAs(userID id.UserID, msgType event.MessageType, body, formattedBody string) {
	content := &event.MessageEventContent{
		MsgType: msgType,
		Body:    body,
	}
	if formattedBody != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formattedBody
	}
	rb.queue.Enqueue(&QueuedEvent{
		Type:    event.EventMessage,
		UserID:  userID,
		Content: content,
	})
}

// PersistConfig writes the room's current config as room account data.
func (rb *RoomBase) PersistConfig(ctx context.Context) {
	err := rb.bridge.matrix.SetRoomAccountData(ctx, rb.roomID, roomAccountDataKey, rb.self.SaveConfig())
	if err != nil {
		rb.log.Err(err).Msg("Failed to persist room config")
	}
}

func (rb *RoomBase) baseConfig(roomType string) *RoomConfig {
	return &RoomConfig{
		Type:   roomType,
		UserID: rb.userID,
	}
}
