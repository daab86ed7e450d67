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
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-irc/config"
)

// bridgeAccountDataKey is where the bridge-wide config lives in the bot
// user's account data.
const bridgeAccountDataKey = "irc"

const (
	inviteJoinRetries = 6
	inviteJoinDelay   = 5 * time.Second
)

// IRCBridge is the appservice controller: it owns the room registry, the
// puppet registry, the persisted bridge config and the transaction intake.
type IRCBridge struct {
	log    zerolog.Logger
	as     *appservice.AppService
	matrix MatrixAPI

	serverName   string
	endpoint     string
	userID       id.UserID
	puppetPrefix string
	version      string

	puppets    *PuppetRegistry
	htmlParser *format.HTMLParser

	configLock sync.Mutex
	config     *config.BridgeConfig

	roomsLock sync.RWMutex
	rooms     map[id.RoomID]Room

	usersLock sync.Mutex
	users     map[id.UserID]string

	identd *IdentServer
}

func NewIRCBridge(as *appservice.AppService, log zerolog.Logger, endpoint, serverName, puppetPrefix, version string) *IRCBridge {
	br := &IRCBridge{
		log:          log,
		as:           as,
		serverName:   serverName,
		endpoint:     strings.TrimRight(endpoint, "/"),
		puppetPrefix: puppetPrefix,
		version:      version,
		config:       &config.BridgeConfig{},
		rooms:        make(map[id.RoomID]Room),
		users:        make(map[id.UserID]string),
	}
	br.matrix = newMatrixClient(as, log.With().Str("component", "matrix").Logger())
	br.puppets = NewPuppetRegistry(br)
	br.htmlParser = newMatrixToIRCParser(br.UserDisplayname)
	br.config.EnsureDefaults()
	return br
}

// Start brings the bridge up: registers the bot, loads persisted state,
// replays the room inventory and begins consuming appservice transactions.
func (br *IRCBridge) Start(ctx context.Context) error {
	if err := br.as.BotIntent().EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register bridge bot: %w", err)
	}
	userID, err := br.matrix.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("whoami failed: %w", err)
	}
	br.userID = userID
	br.log.Info().Stringer("user_id", userID).Msg("Bridge bot identified")

	if err = br.loadConfig(ctx); err != nil {
		return err
	}
	if err = br.syncRooms(ctx); err != nil {
		return err
	}

	go br.eventLoop()

	// Bring persisted connections back up.
	for _, nr := range br.NetworkRooms() {
		nr.prefsLock.Lock()
		wantConnected := nr.connected
		nr.prefsLock.Unlock()
		if wantConnected {
			nr.Connect()
		}
	}
	return nil
}

// Stop disconnects every IRC session and stops room machinery.
func (br *IRCBridge) Stop() {
	br.roomsLock.RLock()
	rooms := make([]Room, 0, len(br.rooms))
	for _, room := range br.rooms {
		rooms = append(rooms, room)
	}
	br.roomsLock.RUnlock()
	for _, room := range rooms {
		room.Cleanup(context.Background())
	}
	if br.identd != nil {
		br.identd.Stop()
	}
}

func (br *IRCBridge) loadConfig(ctx context.Context) error {
	cfg := &config.BridgeConfig{}
	err := br.matrix.GetAccountData(ctx, bridgeAccountDataKey, cfg)
	if err != nil && !errors.Is(err, mautrix.MNotFound) {
		return fmt.Errorf("failed to load bridge config: %w", err)
	}
	cfg.EnsureDefaults()
	br.configLock.Lock()
	br.config = cfg
	br.configLock.Unlock()
	return nil
}

func (br *IRCBridge) saveConfigLocked(ctx context.Context) {
	if err := br.matrix.SetAccountData(ctx, bridgeAccountDataKey, br.config); err != nil {
		br.log.Err(err).Msg("Failed to persist bridge config")
	}
}

// MutateConfig applies fn to the bridge config under the lock and persists
// the result.
func (br *IRCBridge) MutateConfig(ctx context.Context, fn func(cfg *config.BridgeConfig)) {
	br.configLock.Lock()
	defer br.configLock.Unlock()
	fn(br.config)
	br.saveConfigLocked(ctx)
}

// ConfigSnapshot returns a copy safe to read without holding the lock.
func (br *IRCBridge) ConfigSnapshot() config.BridgeConfig {
	br.configLock.Lock()
	defer br.configLock.Unlock()
	snapshot := *br.config
	snapshot.Allow = make(map[string]config.PermissionLevel, len(br.config.Allow))
	for mask, level := range br.config.Allow {
		snapshot.Allow[mask] = level
	}
	snapshot.Idents = make(map[id.UserID]string, len(br.config.Idents))
	for userID, ident := range br.config.Idents {
		snapshot.Idents[userID] = ident
	}
	return snapshot
}

// ConfigNetwork returns a copy of one network's config, or nil.
func (br *IRCBridge) ConfigNetwork(name string) *config.Network {
	br.configLock.Lock()
	defer br.configLock.Unlock()
	network, ok := br.config.Networks[name]
	if !ok {
		return nil
	}
	servers := make([]config.Server, len(network.Servers))
	copy(servers, network.Servers)
	return &config.Network{Servers: servers}
}

// NetworkNames lists the configured networks in order.
func (br *IRCBridge) NetworkNames() []string {
	br.configLock.Lock()
	defer br.configLock.Unlock()
	names := make([]string, 0, len(br.config.Networks))
	for name := range br.config.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (br *IRCBridge) MemberSync() config.MemberSync {
	br.configLock.Lock()
	defer br.configLock.Unlock()
	return br.config.MemberSync
}

// Ident returns the configured ident override for a user, or empty.
func (br *IRCBridge) Ident(userID id.UserID) string {
	br.configLock.Lock()
	defer br.configLock.Unlock()
	return br.config.Idents[userID]
}

func (br *IRCBridge) IsAdmin(userID id.UserID) bool {
	br.configLock.Lock()
	defer br.configLock.Unlock()
	level, ok := br.config.Permission(userID)
	return ok && level == config.PermissionAdmin
}

// IsPuppet reports whether the user ID is in our reserved namespace.
func (br *IRCBridge) IsPuppet(userID id.UserID) bool {
	if userID == br.userID {
		return false
	}
	prefix := strings.TrimSuffix(br.puppetPrefix, "_")
	return strings.HasPrefix(string(userID), "@"+prefix+"_") &&
		strings.HasSuffix(string(userID), ":"+br.serverName)
}

// trackUser caches a real user's displayname for mention rewriting.
func (br *IRCBridge) trackUser(userID id.UserID, displayname string) {
	if displayname == "" {
		return
	}
	br.usersLock.Lock()
	br.users[userID] = displayname
	br.usersLock.Unlock()
}

// UserDisplayname resolves a displayname from the user cache or, for
// puppets, the puppet registry.
func (br *IRCBridge) UserDisplayname(userID id.UserID) string {
	br.usersLock.Lock()
	name := br.users[userID]
	br.usersLock.Unlock()
	if name != "" {
		return name
	}
	return br.puppets.Displayname(userID)
}

func (br *IRCBridge) VersionString() string {
	return fmt.Sprintf("mautrix-irc %s", br.version)
}

// publicMediaURL renders an mxc:// URI as an HTTP download URL using the
// configured media_url (or the homeserver endpoint).
func (br *IRCBridge) publicMediaURL(uri id.ContentURIString) string {
	if uri == "" {
		return ""
	}
	parsed, err := uri.Parse()
	if err != nil {
		return ""
	}
	br.configLock.Lock()
	base := br.config.MediaURL
	br.configLock.Unlock()
	if base == "" {
		base = br.endpoint
	}
	return fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s", base, parsed.Homeserver, parsed.FileID)
}

// Room registry

func (br *IRCBridge) RegisterRoom(room Room) {
	br.roomsLock.Lock()
	br.rooms[room.ID()] = room
	br.roomsLock.Unlock()
}

func (br *IRCBridge) GetRoom(roomID id.RoomID) Room {
	br.roomsLock.RLock()
	defer br.roomsLock.RUnlock()
	return br.rooms[roomID]
}

// GetNetworkRoom finds the user's room for a network name.
func (br *IRCBridge) GetNetworkRoom(userID id.UserID, network string) *NetworkRoom {
	br.roomsLock.RLock()
	defer br.roomsLock.RUnlock()
	for _, room := range br.rooms {
		if nr, ok := room.(*NetworkRoom); ok && nr.name == network && nr.OwnerID() == userID {
			return nr
		}
	}
	return nil
}

// NetworkRooms returns every registered network room.
func (br *IRCBridge) NetworkRooms() []*NetworkRoom {
	br.roomsLock.RLock()
	defer br.roomsLock.RUnlock()
	var rooms []*NetworkRoom
	for _, room := range br.rooms {
		if nr, ok := room.(*NetworkRoom); ok {
			rooms = append(rooms, nr)
		}
	}
	return rooms
}

// attachDanglingRooms binds registered sub-rooms that name this network but
// aren't dispatched to it yet, e.g. after a restart.
func (br *IRCBridge) attachDanglingRooms(nr *NetworkRoom) {
	br.roomsLock.RLock()
	defer br.roomsLock.RUnlock()
	for _, room := range br.rooms {
		sub, ok := room.(ircSubRoom)
		if !ok || sub.NetworkName() != nr.name || sub.OwnerID() != nr.userID {
			continue
		}
		if nr.subroom(sub.Target()) == nil {
			nr.AttachRoom(sub)
		}
	}
}

// cleanupRoom tears a room down: subclass cleanup, leave, forget, unregister.
func (br *IRCBridge) cleanupRoom(ctx context.Context, room Room) {
	br.log.Info().Stringer("room_id", room.ID()).Msg("Cleaning up room")
	room.Cleanup(ctx)
	if sub, ok := room.(ircSubRoom); ok {
		if nr := br.GetNetworkRoom(sub.OwnerID(), sub.NetworkName()); nr != nil {
			nr.DetachRoom(sub.Target())
		}
	}
	if err := br.matrix.LeaveRoom(ctx, "", room.ID()); err != nil {
		br.log.Debug().Err(err).Stringer("room_id", room.ID()).Msg("Failed to leave room during cleanup")
	}
	if err := br.matrix.ForgetRoom(ctx, room.ID()); err != nil {
		br.log.Debug().Err(err).Stringer("room_id", room.ID()).Msg("Failed to forget room during cleanup")
	}
	br.roomsLock.Lock()
	delete(br.rooms, room.ID())
	br.roomsLock.Unlock()
}

// ForgetUser removes every room owned by the user.
func (br *IRCBridge) ForgetUser(ctx context.Context, userID id.UserID) {
	br.roomsLock.RLock()
	var owned []Room
	for _, room := range br.rooms {
		if room.OwnerID() == userID {
			owned = append(owned, room)
		}
	}
	br.roomsLock.RUnlock()
	// Network rooms last so sub-room cleanup can still find them.
	sort.Slice(owned, func(i, j int) bool {
		_, iNet := owned[i].(*NetworkRoom)
		_, jNet := owned[j].(*NetworkRoom)
		return !iNet && jNet
	})
	for _, room := range owned {
		br.cleanupRoom(ctx, room)
	}
}

// Startup room sync

// syncRooms rebuilds the room registry from the homeserver: every joined
// room either carries valid bridge account data or is left behind.
func (br *IRCBridge) syncRooms(ctx context.Context) error {
	joined, err := br.matrix.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}
	for _, roomID := range joined {
		room := br.recoverRoom(ctx, roomID)
		if room == nil {
			br.log.Info().Stringer("room_id", roomID).Msg("Leaving unrecoverable room")
			_ = br.matrix.LeaveRoom(ctx, "", roomID)
			_ = br.matrix.ForgetRoom(ctx, roomID)
			continue
		}
		br.RegisterRoom(room)
	}
	br.log.Info().Int("rooms", len(br.rooms)).Msg("Room sync complete")

	for _, nr := range br.NetworkRooms() {
		br.attachDanglingRooms(nr)
	}
	return nil
}

func (br *IRCBridge) recoverRoom(ctx context.Context, roomID id.RoomID) Room {
	var cfg RoomConfig
	err := br.matrix.GetRoomAccountData(ctx, roomID, roomAccountDataKey, &cfg)
	if err != nil {
		if !errors.Is(err, mautrix.MNotFound) {
			br.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to load room config")
		}
		return nil
	}
	room := br.roomFromConfig(roomID, &cfg)
	if room == nil {
		return nil
	}
	members, err := br.matrix.JoinedMembers(ctx, roomID)
	if err != nil {
		br.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to load room members")
		return nil
	}
	room.Base().SetMembers(members)
	if !room.IsValid() {
		return nil
	}
	return room
}

func (br *IRCBridge) roomFromConfig(roomID id.RoomID, cfg *RoomConfig) Room {
	switch cfg.Type {
	case roomTypeControl:
		return br.newControlRoom(roomID, cfg.UserID)
	case roomTypeNetwork:
		return br.newNetworkRoom(roomID, cfg.UserID, cfg.Name, cfg)
	case roomTypePrivate:
		return br.newPrivateRoom(roomID, cfg.UserID, cfg.Network, cfg.Name)
	case roomTypeChannel:
		return br.newChannelRoom(roomID, cfg.UserID, cfg.Network, cfg.Name, cfg.Key)
	case roomTypePlumbed:
		return br.newPlumbedRoom(roomID, cfg.UserID, cfg.Network, cfg.Name, cfg.Key, cfg)
	default:
		br.log.Warn().Str("type", cfg.Type).Stringer("room_id", roomID).Msg("Unknown room type in account data")
		return nil
	}
}

// Transaction intake

// eventLoop consumes appservice transactions. Events within one transaction
// arrive in order on the channel and are processed serially here; per-room
// work that can block is pushed onto the room's serial runner.
func (br *IRCBridge) eventLoop() {
	for evt := range br.as.Events {
		br.handleEvent(context.Background(), evt)
	}
}

func (br *IRCBridge) handleEvent(ctx context.Context, evt *event.Event) {
	defer func() {
		if panicked := recover(); panicked != nil {
			br.log.Error().
				Any("panic", panicked).
				Str("stack", string(debug.Stack())).
				Stringer("room_id", evt.RoomID).
				Msg("Panic while handling Matrix event")
		}
	}()
	if br.IsPuppet(evt.Sender) || evt.Sender == br.userID {
		return
	}
	room := br.GetRoom(evt.RoomID)
	if room == nil {
		br.maybeBootstrap(ctx, evt)
		return
	}
	err := room.HandleMatrixEvent(ctx, evt)
	if errors.Is(err, errRoomInvalid) {
		br.cleanupRoom(ctx, room)
	} else if err != nil {
		br.log.Warn().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to handle Matrix event")
	}
}

// maybeBootstrap handles a DM invite to the bridge bot: the first local
// inviter becomes the owner, allowed users get a control room.
func (br *IRCBridge) maybeBootstrap(ctx context.Context, evt *event.Event) {
	if evt.Type != event.StateMember {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || id.UserID(evt.GetStateKey()) != br.userID {
		return
	}
	if !member.IsDirect {
		br.log.Debug().Stringer("room_id", evt.RoomID).Msg("Ignoring non-direct invite")
		return
	}

	br.configLock.Lock()
	if br.config.Owner == "" && strings.HasSuffix(string(evt.Sender), ":"+br.serverName) {
		br.config.Owner = evt.Sender
		br.saveConfigLocked(ctx)
		br.log.Info().Stringer("owner", evt.Sender).Msg("Assigned bridge owner")
	}
	_, allowed := br.config.Permission(evt.Sender)
	br.configLock.Unlock()

	if !allowed {
		if isAdmin, err := br.matrix.IsSynapseAdmin(ctx, evt.Sender); err == nil && isAdmin {
			allowed = true
		}
	}
	if !allowed {
		br.log.Info().Stringer("sender", evt.Sender).Msg("Ignoring invite from disallowed user")
		return
	}

	cr := br.createControlRoom(ctx, evt.RoomID, evt.Sender)
	if !br.joinWithRetry(ctx, evt.RoomID) {
		br.cleanupRoom(ctx, cr)
		return
	}
	cr.SendNotice(fmt.Sprintf("Welcome to %s!", br.VersionString()))
	cr.ShowHelp(ctx)
}

// joinWithRetry accepts an invite, retrying on Forbidden because some
// homeservers race the invite event against the join.
func (br *IRCBridge) joinWithRetry(ctx context.Context, roomID id.RoomID) bool {
	for attempt := 1; attempt <= inviteJoinRetries; attempt++ {
		err := br.matrix.JoinRoom(ctx, "", roomID)
		if err == nil {
			return true
		}
		if !errors.Is(err, mautrix.MForbidden) || attempt == inviteJoinRetries {
			br.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to join control room")
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * inviteJoinDelay):
		}
	}
	return false
}

// Reset leaves and forgets every joined room and clears the stored config.
func (br *IRCBridge) Reset(ctx context.Context) error {
	joined, err := br.matrix.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}
	for _, roomID := range joined {
		br.log.Info().Stringer("room_id", roomID).Msg("Leaving room")
		if err = br.matrix.LeaveRoom(ctx, "", roomID); err != nil {
			br.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to leave room")
		}
		_ = br.matrix.ForgetRoom(ctx, roomID)
	}
	br.configLock.Lock()
	br.config = &config.BridgeConfig{}
	br.config.EnsureDefaults()
	br.saveConfigLocked(ctx)
	br.configLock.Unlock()
	return nil
}
