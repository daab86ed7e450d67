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
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/irc.v3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-irc/config"
	"go.mau.fi/mautrix-irc/pkg/cmdparser"
	"go.mau.fi/mautrix-irc/pkg/ircconn"
)

const (
	// RPL_VISIBLEHOST (396) is not named in irc.v3.
	rplVisibleHost = "396"

	serverRetryDelay    = 10 * time.Second
	reconnectDelay      = 10 * time.Second
	initialBackoff      = 10
	backoffStep         = 5
	maxBackoff          = 60
	preAutocmdDelay     = 2 * time.Second
	postAutocmdDelay    = 4 * time.Second
	maxIRCFrame         = 512
	fallbackUserhost    = "%s!%s@255.255.255.255"
	disconnectedQuitMsg = "Disconnecting"
)

// NetworkRoom owns the connection to one IRC network and routes its traffic
// to the private/channel/plumbed sub-rooms attached to it.
type NetworkRoom struct {
	*RoomBase
	name     string
	commands *cmdparser.Parser

	// prefsLock guards the connection preferences and the persisted
	// desired-connection state.
	prefsLock sync.Mutex
	nick      string
	username  string
	ircname   string
	password  string
	autocmd   string
	connected bool

	// disconnect is the transient user intent that stops the connect loop
	// and suppresses automatic reconnects.
	disconnect atomic.Bool

	// connLock guards the whole connect attempt so sessions can't overlap.
	connLock sync.Mutex

	connMu sync.Mutex
	conn   *ircconn.Conn

	stateLock   sync.Mutex
	currentNick string
	visibleHost string

	subLock  sync.Mutex
	subrooms map[string]ircSubRoom
}

func (br *IRCBridge) newNetworkRoom(roomID id.RoomID, userID id.UserID, name string, cfg *RoomConfig) *NetworkRoom {
	nr := &NetworkRoom{
		name:     name,
		subrooms: make(map[string]ircSubRoom),
	}
	nr.nick = userID.Localpart()
	if cfg != nil {
		if cfg.Nick != "" {
			nr.nick = cfg.Nick
		}
		nr.username = cfg.Username
		nr.ircname = cfg.Ircname
		nr.password = cfg.Password
		nr.autocmd = cfg.Autocmd
		nr.connected = cfg.Connected
	}
	nr.RoomBase = newRoomBase(br, nr, roomID, userID, roomTypeNetwork)
	nr.registerCommands()
	nr.OnMX(event.EventMessage, nr.handleMatrixCommand)
	return nr
}

// IsValid requires the owning user to still be in the room.
func (nr *NetworkRoom) IsValid() bool {
	return nr.InRoom(nr.userID)
}

func (nr *NetworkRoom) SaveConfig() *RoomConfig {
	nr.prefsLock.Lock()
	defer nr.prefsLock.Unlock()
	cfg := nr.baseConfig(roomTypeNetwork)
	cfg.Name = nr.name
	cfg.Nick = nr.nick
	cfg.Username = nr.username
	cfg.Ircname = nr.ircname
	cfg.Password = nr.password
	cfg.Autocmd = nr.autocmd
	cfg.Connected = nr.connected
	return cfg
}

// Cleanup disconnects the IRC session before the room machinery stops.
func (nr *NetworkRoom) Cleanup(ctx context.Context) {
	nr.disconnect.Store(true)
	if conn := nr.Conn(); conn != nil {
		conn.Disconnect(disconnectedQuitMsg)
	}
	nr.RoomBase.Cleanup(ctx)
}

// Conn returns the live connection, or nil.
func (nr *NetworkRoom) Conn() *ircconn.Conn {
	nr.connMu.Lock()
	defer nr.connMu.Unlock()
	return nr.conn
}

// IRCConnected reports whether there's a live socket to the network.
func (nr *NetworkRoom) IRCConnected() bool {
	conn := nr.Conn()
	return conn != nil && conn.Connected()
}

// IsSelf reports whether the nick is our own on this connection.
func (nr *NetworkRoom) IsSelf(nick string) bool {
	nr.stateLock.Lock()
	defer nr.stateLock.Unlock()
	return strings.EqualFold(nick, nr.currentNick)
}

// CurrentNick returns the nick in use on the connection (or the preference
// when disconnected).
func (nr *NetworkRoom) CurrentNick() string {
	nr.stateLock.Lock()
	nick := nr.currentNick
	nr.stateLock.Unlock()
	if nick != "" {
		return nick
	}
	nr.prefsLock.Lock()
	defer nr.prefsLock.Unlock()
	return nr.nick
}

// Ident is the username offered to the IRC server and the ident responder.
func (nr *NetworkRoom) Ident() string {
	if ident := nr.bridge.Ident(nr.userID); ident != "" {
		return ident
	}
	nr.prefsLock.Lock()
	defer nr.prefsLock.Unlock()
	if nr.username != "" {
		return nr.username
	}
	return strings.ToLower(nr.nick)
}

// AttachRoom binds a sub-room to its IRC target for dispatch.
func (nr *NetworkRoom) AttachRoom(room ircSubRoom) {
	nr.subLock.Lock()
	defer nr.subLock.Unlock()
	nr.subrooms[strings.ToLower(room.Target())] = room
}

// DetachRoom unbinds a target, used when a sub-room is cleaned up.
func (nr *NetworkRoom) DetachRoom(target string) {
	nr.subLock.Lock()
	defer nr.subLock.Unlock()
	delete(nr.subrooms, strings.ToLower(target))
}

func (nr *NetworkRoom) subroom(target string) ircSubRoom {
	nr.subLock.Lock()
	defer nr.subLock.Unlock()
	return nr.subrooms[strings.ToLower(target)]
}

func (nr *NetworkRoom) subroomList() []ircSubRoom {
	nr.subLock.Lock()
	defer nr.subLock.Unlock()
	rooms := make([]ircSubRoom, 0, len(nr.subrooms))
	for _, room := range nr.subrooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func isChannelName(target string) bool {
	return target != "" && strings.ContainsRune("#&+!", rune(target[0]))
}

// Matrix command surface

func (nr *NetworkRoom) handleMatrixCommand(ctx context.Context, evt *event.Event) error {
	if evt.Sender != nr.userID {
		return nil
	}
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText {
		return nil
	}
	nr.commands.Dispatch(ctx, content.Body, nr.bridge.IsAdmin(nr.userID), nr.SendNotice)
	return nil
}

func (nr *NetworkRoom) registerCommands() {
	nr.commands = cmdparser.NewParser()
	nr.commands.Register(
		&cmdparser.Command{
			Name: "NICK", Help: "Show or set the nick for this network", Usage: "NICK [nick]",
			Func: nr.cmdNick,
		},
		&cmdparser.Command{
			Name: "USERNAME", Help: "Show or set the username sent on connect", Usage: "USERNAME [username|--remove]",
			Flags: []cmdparser.Flag{{Name: "remove"}},
			Func:  nr.prefCommand(&nr.username, "username"),
		},
		&cmdparser.Command{
			Name: "IRCNAME", Help: "Show or set the realname sent on connect", Usage: "IRCNAME [realname|--remove]",
			Flags: []cmdparser.Flag{{Name: "remove"}},
			Func:  nr.prefCommand(&nr.ircname, "ircname"),
		},
		&cmdparser.Command{
			Name: "PASSWORD", Help: "Show or set the server password", Usage: "PASSWORD [password|--remove]",
			Flags: []cmdparser.Flag{{Name: "remove"}},
			Func:  nr.prefCommand(&nr.password, "password"),
		},
		&cmdparser.Command{
			Name: "AUTOCMD", Help: "Show or set a raw command sent after connecting", Usage: "AUTOCMD [command…|--remove]",
			Flags: []cmdparser.Flag{{Name: "remove"}},
			Func:  nr.prefCommand(&nr.autocmd, "autocmd"),
		},
		&cmdparser.Command{
			Name: "CONNECT", Help: "Connect to the network", Usage: "CONNECT",
			Func: nr.cmdConnect,
		},
		&cmdparser.Command{
			Name: "DISCONNECT", Help: "Disconnect and stay disconnected", Usage: "DISCONNECT",
			Func: nr.cmdDisconnect,
		},
		&cmdparser.Command{
			Name: "RECONNECT", Help: "Drop the connection and reconnect", Usage: "RECONNECT",
			Func: nr.cmdReconnect,
		},
		&cmdparser.Command{
			Name: "RAW", Help: "Send a raw IRC line", Usage: "RAW <line…>", MinArgs: 1,
			Func: nr.cmdRaw,
		},
		&cmdparser.Command{
			Name: "QUERY", Help: "Open a private conversation with a nick", Usage: "QUERY <nick> [message…]", MinArgs: 1,
			Func: nr.cmdQuery,
		},
		&cmdparser.Command{
			Name: "MSG", Help: "Send a message without opening a room", Usage: "MSG <nick> <message…>", MinArgs: 2,
			Func: nr.cmdMsg,
		},
		&cmdparser.Command{
			Name: "JOIN", Help: "Join a channel", Usage: "JOIN <channel> [key]", MinArgs: 1,
			Func: nr.cmdJoin,
		},
		&cmdparser.Command{
			Name: "PLUMB", Help: "Bridge an existing Matrix room to a channel", Usage: "PLUMB <room ID or alias> <channel> [key]",
			MinArgs: 2, Admin: true,
			Func: nr.cmdPlumb,
		},
	)
}

func (nr *NetworkRoom) cmdNick(ctx context.Context, ev *cmdparser.Event) error {
	if len(ev.Args) == 0 {
		ev.Reply(fmt.Sprintf("Nick: %s", nr.CurrentNick()))
		return nil
	}
	nick := ev.Args[0]
	nr.prefsLock.Lock()
	nr.nick = nick
	nr.prefsLock.Unlock()
	nr.PersistConfig(ctx)
	if conn := nr.Conn(); conn != nil && conn.Connected() {
		conn.Send(&irc.Message{Command: "NICK", Params: []string{nick}})
	} else {
		ev.Reply(fmt.Sprintf("Nick set to %s.", nick))
	}
	return nil
}

// prefCommand builds the show/set/remove handler shared by the plain string
// preferences.
func (nr *NetworkRoom) prefCommand(field *string, label string) func(context.Context, *cmdparser.Event) error {
	return func(ctx context.Context, ev *cmdparser.Event) error {
		nr.prefsLock.Lock()
		switch {
		case ev.Flag("remove"):
			*field = ""
		case len(ev.Args) > 0:
			*field = strings.Join(ev.Args, " ")
		default:
			value := *field
			nr.prefsLock.Unlock()
			if value == "" {
				ev.Reply(fmt.Sprintf("No %s set.", label))
			} else {
				ev.Reply(fmt.Sprintf("%s: %s", label, value))
			}
			return nil
		}
		nr.prefsLock.Unlock()
		nr.PersistConfig(ctx)
		ev.Reply(fmt.Sprintf("Updated %s.", label))
		return nil
	}
}

func (nr *NetworkRoom) cmdConnect(ctx context.Context, ev *cmdparser.Event) error {
	if nr.IRCConnected() {
		ev.Reply("Already connected.")
		return nil
	}
	nr.Connect()
	return nil
}

func (nr *NetworkRoom) cmdDisconnect(ctx context.Context, ev *cmdparser.Event) error {
	nr.disconnect.Store(true)
	nr.prefsLock.Lock()
	nr.connected = false
	nr.prefsLock.Unlock()
	nr.PersistConfig(ctx)
	if conn := nr.Conn(); conn != nil {
		conn.Disconnect(disconnectedQuitMsg)
	} else {
		ev.Reply("Not connected.")
	}
	return nil
}

func (nr *NetworkRoom) cmdReconnect(ctx context.Context, ev *cmdparser.Event) error {
	conn := nr.Conn()
	if conn == nil || !conn.Connected() {
		nr.Connect()
		return nil
	}
	// The close callback sees connected && !disconnect and reconnects.
	nr.disconnect.Store(false)
	conn.Disconnect("Reconnecting")
	return nil
}

func (nr *NetworkRoom) cmdRaw(ctx context.Context, ev *cmdparser.Event) error {
	conn := nr.Conn()
	if conn == nil || !conn.Connected() {
		ev.Reply("Not connected.")
		return nil
	}
	conn.SendRaw(strings.Join(ev.Args, " "))
	return nil
}

func (nr *NetworkRoom) cmdQuery(ctx context.Context, ev *cmdparser.Event) error {
	nick := ev.Args[0]
	if isChannelName(nick) {
		ev.Reply("QUERY is for nicks; use JOIN for channels.")
		return nil
	}
	if sub := nr.subroom(nick); sub != nil {
		if err := nr.bridge.matrix.InviteUser(ctx, "", sub.ID(), nr.userID); err != nil {
			nr.log.Debug().Err(err).Msg("Failed to re-invite user to private room")
		}
	} else if _, err := nr.bridge.createPrivateRoom(ctx, nr, nick); err != nil {
		return fmt.Errorf("failed to open private room: %w", err)
	}
	if len(ev.Args) > 1 {
		if !nr.IRCConnected() {
			ev.Reply("Not connected, message not sent.")
			return nil
		}
		nr.SendPrivmsg(nick, strings.Join(ev.Args[1:], " "))
	}
	return nil
}

func (nr *NetworkRoom) cmdMsg(ctx context.Context, ev *cmdparser.Event) error {
	if !nr.IRCConnected() {
		ev.Reply("Not connected.")
		return nil
	}
	nr.SendPrivmsg(ev.Args[0], strings.Join(ev.Args[1:], " "))
	return nil
}

func (nr *NetworkRoom) cmdJoin(ctx context.Context, ev *cmdparser.Event) error {
	channel := ev.Args[0]
	if !isChannelName(channel) {
		channel = "#" + channel
	}
	var key string
	if len(ev.Args) > 1 {
		key = ev.Args[1]
	}
	if sub := nr.subroom(channel); sub != nil {
		if err := nr.bridge.matrix.InviteUser(ctx, "", sub.ID(), nr.userID); err != nil {
			nr.log.Debug().Err(err).Msg("Failed to re-invite user to channel room")
		}
	} else if _, err := nr.bridge.createChannelRoom(ctx, nr, channel, key); err != nil {
		return fmt.Errorf("failed to create channel room: %w", err)
	}
	nr.sendJoin(channel, key)
	return nil
}

func (nr *NetworkRoom) sendJoin(channel, key string) {
	conn := nr.Conn()
	if conn == nil || !conn.Connected() {
		return
	}
	params := []string{channel}
	if key != "" {
		params = append(params, key)
	}
	conn.Send(&irc.Message{Command: "JOIN", Params: params})
}

func (nr *NetworkRoom) cmdPlumb(ctx context.Context, ev *cmdparser.Event) error {
	target, channel := ev.Args[0], ev.Args[1]
	var key string
	if len(ev.Args) > 2 {
		key = ev.Args[2]
	}
	if !isChannelName(channel) {
		channel = "#" + channel
	}
	roomID := id.RoomID(target)
	if strings.HasPrefix(target, "#") {
		resolved, err := nr.bridge.matrix.ResolveAlias(ctx, id.RoomAlias(target))
		if err != nil {
			return fmt.Errorf("failed to resolve alias %s: %w", target, err)
		}
		roomID = resolved
	}
	plumbed := nr.bridge.newPlumbedRoom(roomID, nr.userID, nr.name, channel, key, nil)
	if err := nr.bridge.matrix.JoinRoom(ctx, "", roomID); err != nil {
		plumbed.needInvite = true
		ev.Reply(fmt.Sprintf("Could not join %s (%v). Invite %s to the room and run PLUMB again.", roomID, err, nr.bridge.userID))
		return nil
	}
	if members, err := nr.bridge.matrix.JoinedMembers(ctx, roomID); err == nil {
		plumbed.SetMembers(members)
	}
	nr.bridge.RegisterRoom(plumbed)
	nr.AttachRoom(plumbed)
	plumbed.PersistConfig(ctx)
	nr.sendJoin(channel, key)
	ev.Reply(fmt.Sprintf("Plumbed %s into %s.", roomID, channel))
	return nil
}

// Connection lifecycle

// Connect starts the connect loop unless one is already running.
func (nr *NetworkRoom) Connect() {
	if !nr.connLock.TryLock() {
		nr.SendNotice("Already connecting.")
		return
	}
	nr.disconnect.Store(false)
	go func() {
		defer nr.connLock.Unlock()
		nr.connectLoop()
	}()
}

// wait sleeps in one-second slices so DISCONNECT can cancel it.
func (nr *NetworkRoom) wait(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if nr.disconnect.Load() {
			return false
		}
		time.Sleep(time.Second)
	}
	return !nr.disconnect.Load()
}

func (nr *NetworkRoom) connectLoop() {
	ctx := context.Background()
	nr.bridge.attachDanglingRooms(nr)

	backoff := initialBackoff
	for !nr.disconnect.Load() {
		network := nr.bridge.ConfigNetwork(nr.name)
		if network == nil {
			nr.SendNotice(fmt.Sprintf("Network %s has been deleted.", nr.name))
			return
		}
		if len(network.Servers) == 0 {
			nr.prefsLock.Lock()
			nr.connected = false
			nr.prefsLock.Unlock()
			nr.PersistConfig(ctx)
			nr.SendNotice(fmt.Sprintf("Network %s has no servers configured.", nr.name))
			return
		}
		for i, server := range network.Servers {
			if nr.disconnect.Load() {
				return
			}
			nr.SendNotice(fmt.Sprintf("Connecting to %s...", server))
			if err := nr.connectOnce(ctx, server); err != nil {
				nr.SendNotice(fmt.Sprintf("Failed to connect to %s: %v", server, err))
				if i < len(network.Servers)-1 && !nr.wait(serverRetryDelay) {
					return
				}
				continue
			}
			nr.prefsLock.Lock()
			nr.connected = true
			nr.prefsLock.Unlock()
			nr.PersistConfig(ctx)
			return
		}
		nr.SendNotice(fmt.Sprintf("All servers failed, retrying in %d seconds.", backoff))
		if !nr.wait(time.Duration(backoff) * time.Second) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(current int) int {
	current += backoffStep
	if current > maxBackoff {
		return maxBackoff
	}
	return current
}

func (nr *NetworkRoom) connectOnce(ctx context.Context, server config.Server) error {
	nr.prefsLock.Lock()
	cfg := ircconn.Config{
		Address:     fmt.Sprintf("%s:%d", server.Address, server.Port),
		TLS:         server.TLS,
		TLSInsecure: server.TLSInsecure,
		Proxy:       server.Proxy,
		Nick:        nr.nick,
		Username:    nr.username,
		Realname:    nr.ircname,
		Password:    nr.password,
	}
	nr.prefsLock.Unlock()
	if ident := nr.bridge.Ident(nr.userID); ident != "" {
		cfg.Username = ident
	}
	if cfg.Username == "" {
		cfg.Username = strings.ToLower(cfg.Nick)
	}
	if cfg.Realname = strings.TrimSpace(cfg.Realname); cfg.Realname == "" {
		cfg.Realname = cfg.Nick
	}

	conn := ircconn.New(cfg, nr.log.With().Str("server", cfg.Address).Logger(), nr.onConnClosed)
	conn.Handle("*", func(msg *irc.Message) bool {
		nr.routeIRC(msg)
		return ircconn.Stop
	})

	nr.stateLock.Lock()
	nr.currentNick = cfg.Nick
	nr.visibleHost = ""
	nr.stateLock.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := conn.Connect(dialCtx); err != nil {
		return err
	}
	nr.connMu.Lock()
	nr.conn = conn
	nr.connMu.Unlock()
	return nil
}

func (nr *NetworkRoom) onConnClosed(err error) {
	nr.connMu.Lock()
	nr.conn = nil
	nr.connMu.Unlock()

	if err != nil && err != ircconn.ErrClosed {
		nr.SendNotice(fmt.Sprintf("Disconnected from %s: %v", nr.name, err))
	} else {
		nr.SendNotice(fmt.Sprintf("Disconnected from %s.", nr.name))
	}

	if nr.shouldReconnect() {
		go func() {
			if nr.wait(reconnectDelay) {
				nr.Connect()
			}
		}()
	}
}

// shouldReconnect gates the automatic reconnect after a connection drop:
// the session must still be wanted and not explicitly disconnected.
func (nr *NetworkRoom) shouldReconnect() bool {
	nr.prefsLock.Lock()
	wantConnected := nr.connected
	nr.prefsLock.Unlock()
	return wantConnected && !nr.disconnect.Load()
}

// IRC dispatch (runs on the connection's read goroutine)

func (nr *NetworkRoom) routeIRC(msg *irc.Message) {
	ctx := context.Background()
	switch msg.Command {
	case irc.RPL_WELCOME:
		nr.handleWelcome(msg)
	case irc.ERR_NICKNAMEINUSE, irc.ERR_NICKCOLLISION:
		nr.handleNickInUse(msg)
	case rplVisibleHost:
		// 396 <me> <host> :is now your displayed host
		if len(msg.Params) > 1 {
			nr.stateLock.Lock()
			nr.visibleHost = msg.Params[1]
			nr.stateLock.Unlock()
		}
	case "PING", "PONG":
		// PING is answered inside the connection layer.
	case "ERROR":
		nr.SendNotice(fmt.Sprintf("Server error: %s", msg.Trailing()))
	case "KILL":
		if len(msg.Params) > 0 && nr.IsSelf(msg.Params[0]) {
			nr.handleKilled(ctx, msg.Trailing())
		}
	case "NICK":
		nr.handleNick(ctx, msg)
	case "QUIT":
		for _, sub := range nr.subroomList() {
			sub.HandleIRCEvent(ctx, nr, msg)
		}
	case "JOIN", "PART":
		nr.handleJoinPart(ctx, msg)
	case "KICK":
		nr.handleKick(ctx, msg)
	case "MODE", "TOPIC":
		if len(msg.Params) > 0 && isChannelName(msg.Params[0]) {
			nr.routeToChannel(ctx, msg.Params[0], msg)
		}
	case irc.RPL_TOPIC, irc.RPL_NOTOPIC, irc.RPL_ENDOFNAMES:
		// 331/332/366 <me> <channel> ...
		if len(msg.Params) > 1 {
			nr.routeToChannel(ctx, msg.Params[1], msg)
		}
	case irc.RPL_NAMREPLY:
		// 353 <me> <symbol> <channel> :names
		if len(msg.Params) > 2 {
			nr.routeToChannel(ctx, msg.Params[2], msg)
		}
	case "PRIVMSG", "NOTICE":
		nr.handleMessage(ctx, msg)
	default:
		nr.handleNumeric(msg)
	}
}

func (nr *NetworkRoom) routeToChannel(ctx context.Context, channel string, msg *irc.Message) {
	if sub := nr.subroom(channel); sub != nil {
		sub.HandleIRCEvent(ctx, nr, msg)
	}
}

func (nr *NetworkRoom) handleWelcome(msg *irc.Message) {
	if len(msg.Params) > 0 {
		nr.stateLock.Lock()
		nr.currentNick = msg.Params[0]
		nr.stateLock.Unlock()
	}
	nr.SendNotice(fmt.Sprintf("Connected to %s.", nr.name))
	conn := nr.Conn()
	nr.prefsLock.Lock()
	autocmd := nr.autocmd
	nr.prefsLock.Unlock()
	go func() {
		if conn == nil {
			return
		}
		time.Sleep(preAutocmdDelay)
		if autocmd != "" && conn.Connected() {
			conn.SendRaw(autocmd)
		}
		time.Sleep(postAutocmdDelay)
		if conn.Connected() {
			nr.joinAttachedChannels(conn)
		}
	}()
}

// joinAttachedChannels batch-joins every attached channel. Keyed channels go
// first so the comma-separated key list stays aligned.
func (nr *NetworkRoom) joinAttachedChannels(conn *ircconn.Conn) {
	var keyed, plain, keys []string
	for _, sub := range nr.subroomList() {
		var channel, key string
		switch room := sub.(type) {
		case *ChannelRoom:
			channel, key = room.name, room.key
		case *PlumbedRoom:
			channel, key = room.name, room.key
		default:
			continue
		}
		if key != "" {
			keyed = append(keyed, channel)
			keys = append(keys, key)
		} else {
			plain = append(plain, channel)
		}
	}
	channels := append(keyed, plain...)
	if len(channels) == 0 {
		return
	}
	params := []string{strings.Join(channels, ",")}
	if len(keys) > 0 {
		params = append(params, strings.Join(keys, ","))
	}
	conn.Send(&irc.Message{Command: "JOIN", Params: params})
}

func (nr *NetworkRoom) handleNickInUse(msg *irc.Message) {
	conn := nr.Conn()
	if conn == nil {
		return
	}
	nr.stateLock.Lock()
	nr.currentNick += "_"
	next := nr.currentNick
	nr.stateLock.Unlock()
	nr.SendNotice(fmt.Sprintf("Nick is in use, trying %s.", next))
	conn.Send(&irc.Message{Command: "NICK", Params: []string{next}})
}

// handleKilled suppresses the automatic reconnect: a KILL is an operator
// decision, not a network hiccup.
func (nr *NetworkRoom) handleKilled(ctx context.Context, reason string) {
	nr.prefsLock.Lock()
	nr.connected = false
	nr.prefsLock.Unlock()
	nr.PersistConfig(ctx)
	nr.SendNotice(fmt.Sprintf("You were killed from the server (%s). Use CONNECT to reconnect.", reason))
}

func (nr *NetworkRoom) handleNick(ctx context.Context, msg *irc.Message) {
	if len(msg.Params) == 0 {
		return
	}
	oldNick, newNick := msg.Prefix.Name, msg.Params[0]
	if nr.IsSelf(oldNick) {
		nr.stateLock.Lock()
		nr.currentNick = newNick
		nr.stateLock.Unlock()
		nr.SendNotice(fmt.Sprintf("You are now known as %s.", newNick))
		return
	}
	// Re-key the private room so future traffic finds it under the new nick.
	if sub := nr.subroom(oldNick); sub != nil {
		if pr, ok := sub.(*PrivateRoom); ok {
			nr.DetachRoom(oldNick)
			pr.name = strings.ToLower(newNick)
			nr.AttachRoom(pr)
			pr.runner.Schedule("persist rename", func(ctx context.Context) error {
				pr.PersistConfig(ctx)
				return nil
			})
			pr.HandleIRCEvent(ctx, nr, msg)
		}
	}
	for _, sub := range nr.subroomList() {
		if isChannelName(sub.Target()) {
			sub.HandleIRCEvent(ctx, nr, msg)
		}
	}
}

func (nr *NetworkRoom) handleJoinPart(ctx context.Context, msg *irc.Message) {
	if len(msg.Params) == 0 {
		return
	}
	channel := msg.Params[0]
	if sub := nr.subroom(channel); sub != nil {
		sub.HandleIRCEvent(ctx, nr, msg)
		return
	}
	// A forced self-join to a channel we have no room for yet.
	if msg.Command == "JOIN" && nr.IsSelf(msg.Prefix.Name) {
		nr.runner.Schedule("create channel room", func(ctx context.Context) error {
			if nr.subroom(channel) != nil {
				return nil
			}
			_, err := nr.bridge.createChannelRoom(ctx, nr, channel, "")
			return err
		})
	}
}

func (nr *NetworkRoom) handleKick(ctx context.Context, msg *irc.Message) {
	if len(msg.Params) < 2 {
		return
	}
	nr.routeToChannel(ctx, msg.Params[0], msg)
}

func (nr *NetworkRoom) handleMessage(ctx context.Context, msg *irc.Message) {
	if len(msg.Params) == 0 {
		return
	}
	target := msg.Params[0]
	if isChannelName(target) {
		nr.routeToChannel(ctx, target, msg)
		return
	}
	source := ""
	if msg.Prefix != nil {
		source = msg.Prefix.Name
	}
	// Server traffic (no sender or a dotted server name) lands here.
	if source == "" || strings.ContainsRune(source, '.') {
		nr.SendNotice(msg.Trailing())
		return
	}
	if sub := nr.subroom(source); sub != nil {
		sub.HandleIRCEvent(ctx, nr, msg)
		return
	}
	if msg.Command == "NOTICE" {
		// Notices don't open rooms; services chatter stays here.
		nr.SendNotice(fmt.Sprintf("%s: %s", source, msg.Trailing()))
		return
	}
	frozen := msg.Copy()
	nr.runner.Schedule("open private room", func(ctx context.Context) error {
		sub := nr.subroom(source)
		if sub == nil {
			pr, err := nr.bridge.createPrivateRoom(ctx, nr, source)
			if err != nil {
				return fmt.Errorf("failed to open private room for %s: %w", source, err)
			}
			sub = pr
		}
		sub.HandleIRCEvent(ctx, nr, frozen)
		return nil
	})
}

// handleNumeric shows unrouted numeric replies in the network room, dropping
// our own nick from the front.
func (nr *NetworkRoom) handleNumeric(msg *irc.Message) {
	if len(msg.Command) != 3 || msg.Command[0] < '0' || msg.Command[0] > '9' {
		return
	}
	params := msg.Params
	if len(params) > 0 && nr.IsSelf(params[0]) {
		params = params[1:]
	}
	if text := strings.Join(params, " "); text != "" {
		nr.SendNotice(text)
	}
}

// Outbound relay

// SendPrivmsg queues one paced PRIVMSG line.
func (nr *NetworkRoom) SendPrivmsg(target, line string) {
	conn := nr.Conn()
	if conn == nil || !conn.Connected() {
		return
	}
	conn.Send(&irc.Message{Command: "PRIVMSG", Params: []string{target, line}})
}

// PayloadBudget is how many payload bytes fit in one PRIVMSG frame to the
// target, accounting for the ":nick!user@host PRIVMSG target :" prefix the
// server prepends when relaying.
func (nr *NetworkRoom) PayloadBudget(target string) int {
	nr.stateLock.Lock()
	nick, host := nr.currentNick, nr.visibleHost
	nr.stateLock.Unlock()
	userhost := fmt.Sprintf("%s!%s@%s", nick, nr.Ident(), host)
	if host == "" {
		userhost = fmt.Sprintf(fallbackUserhost, nick, nr.Ident())
	}
	budget := maxIRCFrame - len(fmt.Sprintf(":%s PRIVMSG %s :", userhost, target)) - 2
	if budget < 16 {
		budget = 16
	}
	return budget
}

// RelayToIRC converts a Matrix message to IRC lines and sends them to the
// target, splitting against the frame budget.
func (nr *NetworkRoom) RelayToIRC(ctx context.Context, target string, content *event.MessageEventContent) {
	conn := nr.Conn()
	if conn == nil || !conn.Connected() {
		return
	}
	switch content.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		if url := nr.bridge.publicMediaURL(content.URL); url != "" {
			nr.SendPrivmsg(target, fmt.Sprintf("%s %s", content.Body, url))
		}
		return
	case event.MsgText, event.MsgEmote, event.MsgNotice:
	default:
		return
	}
	body := stripReplyFallback(nr.bridge.matrixToIRC(ctx, content))
	if body == "" {
		return
	}
	for _, line := range splitLong(body, nr.PayloadBudget(target)) {
		switch content.MsgType {
		case event.MsgEmote:
			conn.Send(&irc.Message{Command: "PRIVMSG", Params: []string{target, "\x01ACTION " + line + "\x01"}})
		case event.MsgNotice:
			conn.Send(&irc.Message{Command: "NOTICE", Params: []string{target, line}})
		default:
			nr.SendPrivmsg(target, line)
		}
	}
}

// createNetworkRoom makes a fresh room bound to a configured network.
func (br *IRCBridge) createNetworkRoom(ctx context.Context, userID id.UserID, name string) (*NetworkRoom, error) {
	roomID, err := br.matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       name,
		Topic:      fmt.Sprintf("Network room for %s", name),
		Invite:     []id.UserID{userID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	nr := br.newNetworkRoom(roomID, userID, name, nil)
	nr.SetMembers([]id.UserID{br.userID, userID})
	br.RegisterRoom(nr)
	nr.PersistConfig(ctx)
	return nr, nil
}
