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
	"sort"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-irc/config"
	"go.mau.fi/mautrix-irc/pkg/cmdparser"
)

// ControlRoom is the per-user DM where the bridge is administered.
type ControlRoom struct {
	*RoomBase
	commands *cmdparser.Parser
}

func (br *IRCBridge) newControlRoom(roomID id.RoomID, userID id.UserID) *ControlRoom {
	cr := &ControlRoom{}
	cr.RoomBase = newRoomBase(br, cr, roomID, userID, roomTypeControl)
	cr.registerCommands()
	cr.OnMX(event.EventMessage, cr.handleMatrixCommand)
	return cr
}

// IsValid requires the DM to contain exactly the owning user and the bot.
func (cr *ControlRoom) IsValid() bool {
	return cr.MemberCount() == 2 && cr.InRoom(cr.userID)
}

func (cr *ControlRoom) SaveConfig() *RoomConfig {
	return cr.baseConfig(roomTypeControl)
}

func (cr *ControlRoom) handleMatrixCommand(ctx context.Context, evt *event.Event) error {
	if evt.Sender != cr.userID {
		return nil
	}
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText {
		return nil
	}
	cr.commands.Dispatch(ctx, content.Body, cr.bridge.IsAdmin(cr.userID), cr.SendNotice)
	return nil
}

// ShowHelp posts the command list, used right after the room is created.
func (cr *ControlRoom) ShowHelp(ctx context.Context) {
	cr.commands.Dispatch(ctx, "HELP", cr.bridge.IsAdmin(cr.userID), cr.SendNotice)
}

func (cr *ControlRoom) registerCommands() {
	cr.commands = cmdparser.NewParser()
	cr.commands.Register(
		&cmdparser.Command{
			Name: "NETWORKS", Help: "List configured networks", Usage: "NETWORKS",
			Func: cr.cmdNetworks,
		},
		&cmdparser.Command{
			Name: "SERVERS", Help: "List servers of a network", Usage: "SERVERS <network>", MinArgs: 1,
			Func: cr.cmdServers,
		},
		&cmdparser.Command{
			Name: "OPEN", Help: "Open a network room", Usage: "OPEN <network> [--new]", MinArgs: 1,
			Flags: []cmdparser.Flag{{Name: "new"}},
			Func:  cr.cmdOpen,
		},
		&cmdparser.Command{
			Name: "QUIT", Help: "Disconnect everywhere and remove all your rooms", Usage: "QUIT",
			Func: cr.cmdQuit,
		},
		&cmdparser.Command{
			Name: "MASKS", Help: "List allow masks", Usage: "MASKS", Admin: true,
			Func: cr.cmdMasks,
		},
		&cmdparser.Command{
			Name: "ADDMASK", Help: "Allow users matching a glob mask", Usage: "ADDMASK <glob> [--admin]",
			MinArgs: 1, Admin: true,
			Flags: []cmdparser.Flag{{Name: "admin"}},
			Func:  cr.cmdAddMask,
		},
		&cmdparser.Command{
			Name: "DELMASK", Help: "Remove an allow mask", Usage: "DELMASK <glob>", MinArgs: 1, Admin: true,
			Func: cr.cmdDelMask,
		},
		&cmdparser.Command{
			Name: "ADDNETWORK", Help: "Add a network", Usage: "ADDNETWORK <name>", MinArgs: 1, Admin: true,
			Func: cr.cmdAddNetwork,
		},
		&cmdparser.Command{
			Name: "DELNETWORK", Help: "Remove a network", Usage: "DELNETWORK <name>", MinArgs: 1, Admin: true,
			Func: cr.cmdDelNetwork,
		},
		&cmdparser.Command{
			Name: "ADDSERVER", Help: "Add a server to a network", Usage: "ADDSERVER <network> <address> [port] [--tls] [--tls-insecure] [--proxy URL]",
			MinArgs: 2, Admin: true,
			Flags: []cmdparser.Flag{{Name: "tls"}, {Name: "tls-insecure"}, {Name: "proxy", HasValue: true}},
			Func:  cr.cmdAddServer,
		},
		&cmdparser.Command{
			Name: "DELSERVER", Help: "Remove a server from a network", Usage: "DELSERVER <network> <address> [port]",
			MinArgs: 2, Admin: true,
			Func: cr.cmdDelServer,
		},
		&cmdparser.Command{
			Name: "STATUS", Help: "Show bridge status", Usage: "STATUS", Admin: true,
			Func: cr.cmdStatus,
		},
		&cmdparser.Command{
			Name: "FORGET", Help: "Remove all rooms of a user", Usage: "FORGET <mxid>", MinArgs: 1, Admin: true,
			Func: cr.cmdForget,
		},
		&cmdparser.Command{
			Name: "DISPLAYNAME", Help: "Set the bridge bot displayname", Usage: "DISPLAYNAME <name…>",
			MinArgs: 1, Admin: true,
			Func: cr.cmdDisplayname,
		},
		&cmdparser.Command{
			Name: "AVATAR", Help: "Set the bridge bot avatar", Usage: "AVATAR <mxc:// URI>", MinArgs: 1, Admin: true,
			Func: cr.cmdAvatar,
		},
		&cmdparser.Command{
			Name: "IDENT", Help: "Manage per-user ident overrides", Usage: "IDENT list | IDENT set <mxid> <ident> | IDENT remove <mxid>",
			MinArgs: 1, Admin: true,
			Func: cr.cmdIdent,
		},
		&cmdparser.Command{
			Name: "SYNC", Help: "Set the channel member sync mode", Usage: "SYNC [--lazy|--half|--full]", Admin: true,
			Flags: []cmdparser.Flag{{Name: "lazy"}, {Name: "half"}, {Name: "full"}},
			Func:  cr.cmdSync,
		},
		&cmdparser.Command{
			Name: "MEDIAURL", Help: "Show or set the public media URL", Usage: "MEDIAURL [url|--remove]", Admin: true,
			Flags: []cmdparser.Flag{{Name: "remove"}},
			Func:  cr.cmdMediaURL,
		},
		&cmdparser.Command{
			Name: "VERSION", Help: "Show the bridge version", Usage: "VERSION", Admin: true,
			Func: cr.cmdVersion,
		},
	)
}

func (cr *ControlRoom) cmdNetworks(ctx context.Context, ev *cmdparser.Event) error {
	names := cr.bridge.NetworkNames()
	if len(names) == 0 {
		ev.Reply("No networks configured.")
		return nil
	}
	ev.Reply("Networks:\n" + strings.Join(names, "\n"))
	return nil
}

func (cr *ControlRoom) cmdServers(ctx context.Context, ev *cmdparser.Event) error {
	network := cr.bridge.ConfigNetwork(ev.Args[0])
	if network == nil {
		ev.Reply(fmt.Sprintf("No such network: %s", ev.Args[0]))
		return nil
	}
	if len(network.Servers) == 0 {
		ev.Reply("No servers configured.")
		return nil
	}
	var sb strings.Builder
	sb.WriteString("Servers:")
	for _, server := range network.Servers {
		sb.WriteString("\n" + server.String())
	}
	ev.Reply(sb.String())
	return nil
}

func (cr *ControlRoom) cmdOpen(ctx context.Context, ev *cmdparser.Event) error {
	name := ev.Args[0]
	if cr.bridge.ConfigNetwork(name) == nil {
		ev.Reply(fmt.Sprintf("No such network: %s", name))
		return nil
	}
	if !ev.Flag("new") {
		if existing := cr.bridge.GetNetworkRoom(cr.userID, name); existing != nil {
			if err := cr.bridge.matrix.InviteUser(ctx, "", existing.ID(), cr.userID); err != nil {
				cr.log.Debug().Err(err).Msg("Failed to re-invite user to network room")
			}
			ev.Reply(fmt.Sprintf("You already have a room for %s, invited you back.", name))
			return nil
		}
	}
	if _, err := cr.bridge.createNetworkRoom(ctx, cr.userID, name); err != nil {
		return fmt.Errorf("failed to create network room: %w", err)
	}
	return nil
}

func (cr *ControlRoom) cmdQuit(ctx context.Context, ev *cmdparser.Event) error {
	ev.Reply("Removing all your rooms. Invite the bridge again to come back.")
	cr.bridge.ForgetUser(ctx, cr.userID)
	return nil
}

func (cr *ControlRoom) cmdMasks(ctx context.Context, ev *cmdparser.Event) error {
	cfg := cr.bridge.ConfigSnapshot()
	if len(cfg.Allow) == 0 {
		ev.Reply("No masks configured.")
		return nil
	}
	masks := make([]string, 0, len(cfg.Allow))
	for mask, level := range cfg.Allow {
		masks = append(masks, fmt.Sprintf("%s (%s)", mask, level))
	}
	sort.Strings(masks)
	ev.Reply("Masks:\n" + strings.Join(masks, "\n"))
	return nil
}

func (cr *ControlRoom) cmdAddMask(ctx context.Context, ev *cmdparser.Event) error {
	level := config.PermissionUser
	if ev.Flag("admin") {
		level = config.PermissionAdmin
	}
	cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
		cfg.Allow[ev.Args[0]] = level
	})
	ev.Reply(fmt.Sprintf("Mask %s added with %s access.", ev.Args[0], level))
	return nil
}

func (cr *ControlRoom) cmdDelMask(ctx context.Context, ev *cmdparser.Event) error {
	found := false
	cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
		_, found = cfg.Allow[ev.Args[0]]
		delete(cfg.Allow, ev.Args[0])
	})
	if !found {
		ev.Reply(fmt.Sprintf("No such mask: %s", ev.Args[0]))
		return nil
	}
	ev.Reply(fmt.Sprintf("Mask %s removed.", ev.Args[0]))
	return nil
}

func (cr *ControlRoom) cmdAddNetwork(ctx context.Context, ev *cmdparser.Event) error {
	name := ev.Args[0]
	exists := false
	cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
		if _, exists = cfg.Networks[name]; !exists {
			cfg.Networks[name] = &config.Network{}
		}
	})
	if exists {
		ev.Reply(fmt.Sprintf("Network %s already exists.", name))
		return nil
	}
	ev.Reply(fmt.Sprintf("Network %s added, now ADDSERVER some servers to it.", name))
	return nil
}

func (cr *ControlRoom) cmdDelNetwork(ctx context.Context, ev *cmdparser.Event) error {
	name := ev.Args[0]
	found := false
	cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
		_, found = cfg.Networks[name]
		delete(cfg.Networks, name)
	})
	if !found {
		ev.Reply(fmt.Sprintf("No such network: %s", name))
		return nil
	}
	ev.Reply(fmt.Sprintf("Network %s removed.", name))
	return nil
}

func (cr *ControlRoom) cmdAddServer(ctx context.Context, ev *cmdparser.Event) error {
	name, address := ev.Args[0], ev.Args[1]
	server := config.Server{
		Address:     address,
		TLS:         ev.Flag("tls"),
		TLSInsecure: ev.Flag("tls-insecure"),
		Proxy:       ev.Flags["proxy"],
	}
	server.Port = 6667
	if server.TLS {
		server.Port = 6697
	}
	if len(ev.Args) > 2 {
		port, err := strconv.Atoi(ev.Args[2])
		if err != nil || port < 1 || port > 65535 {
			ev.Reply(fmt.Sprintf("Invalid port: %s", ev.Args[2]))
			return nil
		}
		server.Port = port
	}
	found := false
	cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
		network, ok := cfg.Networks[name]
		if !ok {
			return
		}
		found = true
		network.Servers = append(network.Servers, server)
	})
	if !found {
		ev.Reply(fmt.Sprintf("No such network: %s", name))
		return nil
	}
	ev.Reply(fmt.Sprintf("Added %s to %s.", server, name))
	return nil
}

func (cr *ControlRoom) cmdDelServer(ctx context.Context, ev *cmdparser.Event) error {
	name, address := ev.Args[0], ev.Args[1]
	port := 0
	if len(ev.Args) > 2 {
		port, _ = strconv.Atoi(ev.Args[2])
	}
	removed := false
	cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
		network, ok := cfg.Networks[name]
		if !ok {
			return
		}
		kept := network.Servers[:0]
		for _, server := range network.Servers {
			if server.Address == address && (port == 0 || server.Port == port) {
				removed = true
				continue
			}
			kept = append(kept, server)
		}
		network.Servers = kept
	})
	if !removed {
		ev.Reply("No matching server found.")
		return nil
	}
	ev.Reply(fmt.Sprintf("Removed %s from %s.", address, name))
	return nil
}

func (cr *ControlRoom) cmdStatus(ctx context.Context, ev *cmdparser.Event) error {
	cfg := cr.bridge.ConfigSnapshot()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Owner: %s\n", cfg.Owner)
	fmt.Fprintf(&sb, "Member sync: %s\n", cfg.MemberSync)
	rooms := cr.bridge.NetworkRooms()
	fmt.Fprintf(&sb, "Network rooms: %d", len(rooms))
	for _, nr := range rooms {
		state := "disconnected"
		if nr.IRCConnected() {
			state = fmt.Sprintf("connected as %s", nr.CurrentNick())
		}
		fmt.Fprintf(&sb, "\n%s on %s: %s", nr.OwnerID(), nr.name, state)
	}
	ev.Reply(sb.String())
	return nil
}

func (cr *ControlRoom) cmdForget(ctx context.Context, ev *cmdparser.Event) error {
	target := id.UserID(ev.Args[0])
	if target == cr.userID {
		ev.Reply("Use QUIT to remove your own rooms.")
		return nil
	}
	cr.bridge.ForgetUser(ctx, target)
	ev.Reply(fmt.Sprintf("Removed all rooms of %s.", target))
	return nil
}

func (cr *ControlRoom) cmdDisplayname(ctx context.Context, ev *cmdparser.Event) error {
	name := strings.Join(ev.Args, " ")
	if err := cr.bridge.matrix.SetDisplayName(ctx, "", name); err != nil {
		return fmt.Errorf("failed to set displayname: %w", err)
	}
	ev.Reply(fmt.Sprintf("Displayname set to %s.", name))
	return nil
}

func (cr *ControlRoom) cmdAvatar(ctx context.Context, ev *cmdparser.Event) error {
	uri, err := id.ParseContentURI(ev.Args[0])
	if err != nil {
		ev.Reply(fmt.Sprintf("Invalid mxc:// URI: %v", err))
		return nil
	}
	if err = cr.bridge.matrix.SetAvatarURL(ctx, "", uri); err != nil {
		return fmt.Errorf("failed to set avatar: %w", err)
	}
	ev.Reply("Avatar updated.")
	return nil
}

func (cr *ControlRoom) cmdIdent(ctx context.Context, ev *cmdparser.Event) error {
	switch strings.ToLower(ev.Args[0]) {
	case "list":
		cfg := cr.bridge.ConfigSnapshot()
		if len(cfg.Idents) == 0 {
			ev.Reply("No ident overrides.")
			return nil
		}
		idents := make([]string, 0, len(cfg.Idents))
		for userID, ident := range cfg.Idents {
			idents = append(idents, fmt.Sprintf("%s: %s", userID, ident))
		}
		sort.Strings(idents)
		ev.Reply("Idents:\n" + strings.Join(idents, "\n"))
	case "set":
		if len(ev.Args) < 3 {
			ev.Reply("Usage: IDENT set <mxid> <ident>")
			return nil
		}
		cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
			cfg.Idents[id.UserID(ev.Args[1])] = ev.Args[2]
		})
		ev.Reply(fmt.Sprintf("Ident of %s set to %s.", ev.Args[1], ev.Args[2]))
	case "remove":
		if len(ev.Args) < 2 {
			ev.Reply("Usage: IDENT remove <mxid>")
			return nil
		}
		cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
			delete(cfg.Idents, id.UserID(ev.Args[1]))
		})
		ev.Reply(fmt.Sprintf("Ident of %s removed.", ev.Args[1]))
	default:
		ev.Reply("Usage: IDENT list | IDENT set <mxid> <ident> | IDENT remove <mxid>")
	}
	return nil
}

func (cr *ControlRoom) cmdSync(ctx context.Context, ev *cmdparser.Event) error {
	var mode config.MemberSync
	switch {
	case ev.Flag("lazy"):
		mode = config.MemberSyncLazy
	case ev.Flag("half"):
		mode = config.MemberSyncHalf
	case ev.Flag("full"):
		mode = config.MemberSyncFull
	default:
		ev.Reply(fmt.Sprintf("Member sync: %s", cr.bridge.MemberSync()))
		return nil
	}
	cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
		cfg.MemberSync = mode
	})
	ev.Reply(fmt.Sprintf("Member sync set to %s.", mode))
	return nil
}

func (cr *ControlRoom) cmdMediaURL(ctx context.Context, ev *cmdparser.Event) error {
	switch {
	case ev.Flag("remove"):
		cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
			cfg.MediaURL = ""
		})
		ev.Reply("Media URL removed, using the homeserver URL.")
	case len(ev.Args) > 0:
		url := strings.TrimRight(ev.Args[0], "/")
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			ev.Reply("Media URL must start with http:// or https://")
			return nil
		}
		cr.bridge.MutateConfig(ctx, func(cfg *config.BridgeConfig) {
			cfg.MediaURL = url
		})
		ev.Reply(fmt.Sprintf("Media URL set to %s.", url))
	default:
		cfg := cr.bridge.ConfigSnapshot()
		if cfg.MediaURL == "" {
			ev.Reply("No media URL set, using the homeserver URL.")
		} else {
			ev.Reply(fmt.Sprintf("Media URL: %s", cfg.MediaURL))
		}
	}
	return nil
}

func (cr *ControlRoom) cmdVersion(ctx context.Context, ev *cmdparser.Event) error {
	ev.Reply(cr.bridge.VersionString())
	return nil
}

// createControlRoom makes the DM used for bridge administration.
func (br *IRCBridge) createControlRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) *ControlRoom {
	cr := br.newControlRoom(roomID, userID)
	cr.SetMembers([]id.UserID{br.userID, userID})
	br.RegisterRoom(cr)
	cr.PersistConfig(ctx)
	return cr
}
