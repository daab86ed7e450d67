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
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-irc/config"
)

type sentEvent struct {
	AsUser  id.UserID
	RoomID  id.RoomID
	Type    event.Type
	Content *event.MessageEventContent
}

// fakeMatrix is an in-memory MatrixAPI for room and bridge tests.
type fakeMatrix struct {
	mu sync.Mutex

	botID        id.UserID
	registered   map[id.UserID]bool
	displaynames map[id.UserID]string
	members      map[id.RoomID]map[id.UserID]bool
	accountData  map[string]json.RawMessage
	roomData     map[id.RoomID]map[string]json.RawMessage
	synapseAdmin map[id.UserID]bool
	sent         []sentEvent
	reactions    []string
	joined       []id.RoomID
	left         []string
	nextRoom     int
}

var _ MatrixAPI = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		botID:        "@irc:example.com",
		registered:   make(map[id.UserID]bool),
		displaynames: make(map[id.UserID]string),
		members:      make(map[id.RoomID]map[id.UserID]bool),
		accountData:  make(map[string]json.RawMessage),
		roomData:     make(map[id.RoomID]map[string]json.RawMessage),
		synapseAdmin: make(map[id.UserID]bool),
	}
}

func (fm *fakeMatrix) BotUserID() id.UserID { return fm.botID }

func (fm *fakeMatrix) Whoami(ctx context.Context) (id.UserID, error) { return fm.botID, nil }

func (fm *fakeMatrix) SendEvent(ctx context.Context, asUser id.UserID, roomID id.RoomID, evtType event.Type, content *event.MessageEventContent) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	clone := *content
	fm.sent = append(fm.sent, sentEvent{AsUser: asUser, RoomID: roomID, Type: evtType, Content: &clone})
	return nil
}

func (fm *fakeMatrix) SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	return nil
}

func (fm *fakeMatrix) GetStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, into any) error {
	return mautrix.MNotFound
}

func (fm *fakeMatrix) SendReaction(ctx context.Context, roomID id.RoomID, eventID id.EventID, key string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.reactions = append(fm.reactions, key)
	return nil
}

func (fm *fakeMatrix) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.nextRoom++
	roomID := id.RoomID(fmt.Sprintf("!room%d:example.com", fm.nextRoom))
	fm.members[roomID] = map[id.UserID]bool{fm.botID: true}
	return roomID, nil
}

func (fm *fakeMatrix) InviteUser(ctx context.Context, asUser id.UserID, roomID id.RoomID, userID id.UserID) error {
	return nil
}

func (fm *fakeMatrix) JoinRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID) error {
	return fm.EnsureJoined(ctx, asUser, roomID)
}

func (fm *fakeMatrix) EnsureJoined(ctx context.Context, asUser id.UserID, roomID id.RoomID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if asUser == "" {
		asUser = fm.botID
	}
	if fm.members[roomID] == nil {
		fm.members[roomID] = make(map[id.UserID]bool)
	}
	fm.members[roomID][asUser] = true
	fm.joined = append(fm.joined, roomID)
	return nil
}

func (fm *fakeMatrix) LeaveRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if asUser == "" {
		asUser = fm.botID
	}
	delete(fm.members[roomID], asUser)
	fm.left = append(fm.left, fmt.Sprintf("%s/%s", asUser, roomID))
	return nil
}

func (fm *fakeMatrix) ForgetRoom(ctx context.Context, roomID id.RoomID) error { return nil }

func (fm *fakeMatrix) KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	return nil
}

func (fm *fakeMatrix) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var rooms []id.RoomID
	for roomID, members := range fm.members {
		if members[fm.botID] {
			rooms = append(rooms, roomID)
		}
	}
	return rooms, nil
}

func (fm *fakeMatrix) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var members []id.UserID
	for userID := range fm.members[roomID] {
		members = append(members, userID)
	}
	return members, nil
}

func (fm *fakeMatrix) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	return "", mautrix.MNotFound
}

func (fm *fakeMatrix) RegisterPuppet(ctx context.Context, userID id.UserID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.registered[userID] = true
	return nil
}

func (fm *fakeMatrix) SetDisplayName(ctx context.Context, asUser id.UserID, name string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.displaynames[asUser] = name
	return nil
}

func (fm *fakeMatrix) SetAvatarURL(ctx context.Context, asUser id.UserID, url id.ContentURI) error {
	return nil
}

func (fm *fakeMatrix) UploadMedia(ctx context.Context, data []byte, contentType, fileName string) (id.ContentURI, error) {
	return id.ContentURI{Homeserver: "example.com", FileID: "paste"}, nil
}

func (fm *fakeMatrix) SetAccountData(ctx context.Context, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.accountData[key] = raw
	return nil
}

func (fm *fakeMatrix) GetAccountData(ctx context.Context, key string, into any) error {
	fm.mu.Lock()
	raw, ok := fm.accountData[key]
	fm.mu.Unlock()
	if !ok {
		return mautrix.MNotFound
	}
	return json.Unmarshal(raw, into)
}

func (fm *fakeMatrix) SetRoomAccountData(ctx context.Context, roomID id.RoomID, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.roomData[roomID] == nil {
		fm.roomData[roomID] = make(map[string]json.RawMessage)
	}
	fm.roomData[roomID][key] = raw
	return nil
}

func (fm *fakeMatrix) GetRoomAccountData(ctx context.Context, roomID id.RoomID, key string, into any) error {
	fm.mu.Lock()
	raw, ok := fm.roomData[roomID][key]
	fm.mu.Unlock()
	if !ok {
		return mautrix.MNotFound
	}
	return json.Unmarshal(raw, into)
}

func (fm *fakeMatrix) IsSynapseAdmin(ctx context.Context, userID id.UserID) (bool, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.synapseAdmin[userID], nil
}

func (fm *fakeMatrix) sentBodies() []string {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	bodies := make([]string, len(fm.sent))
	for i, evt := range fm.sent {
		bodies[i] = evt.Content.Body
	}
	return bodies
}

func (fm *fakeMatrix) snapshotSent() []sentEvent {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]sentEvent(nil), fm.sent...)
}

func (fm *fakeMatrix) snapshotJoined() []id.RoomID {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return append([]id.RoomID(nil), fm.joined...)
}

func (fm *fakeMatrix) isJoined(roomID id.RoomID, userID id.UserID) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.members[roomID][userID]
}

func newTestBridge(t *testing.T) (*IRCBridge, *fakeMatrix) {
	t.Helper()
	fake := newFakeMatrix()
	br := &IRCBridge{
		log:          zerolog.Nop(),
		matrix:       fake,
		serverName:   "example.com",
		endpoint:     "http://localhost:8008",
		userID:       fake.botID,
		puppetPrefix: "irc",
		version:      "test",
		config:       &config.BridgeConfig{},
		rooms:        make(map[id.RoomID]Room),
		users:        make(map[id.UserID]string),
	}
	br.config.EnsureDefaults()
	br.puppets = NewPuppetRegistry(br)
	br.htmlParser = newMatrixToIRCParser(br.UserDisplayname)
	return br, fake
}
