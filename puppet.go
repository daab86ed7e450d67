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
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-irc/pkg/ircid"
)

// PuppetRegistry maps IRC identities to puppet Matrix users. Registration
// is lazy and the cache is monotonic: entries are only added and their
// displaynames updated, converging with homeserver state over time.
type PuppetRegistry struct {
	bridge *IRCBridge
	log    zerolog.Logger

	lock  sync.Mutex
	known map[id.UserID]struct{}
	names map[id.UserID]string
}

func NewPuppetRegistry(br *IRCBridge) *PuppetRegistry {
	return &PuppetRegistry{
		bridge: br,
		log:    br.log.With().Str("component", "puppets").Logger(),
		known:  make(map[id.UserID]struct{}),
		names:  make(map[id.UserID]string),
	}
}

// MXID mints the deterministic puppet user ID for a nick on a network.
func (pr *PuppetRegistry) MXID(network, nick string) id.UserID {
	return ircid.PuppetMXID(pr.bridge.puppetPrefix, network, nick, pr.bridge.serverName)
}

// Ensure makes sure the puppet for (network, nick) exists on the homeserver
// and carries the nick as its displayname. "User in use" counts as a
// successful registration; displayname failures are logged but never fail
// the call.
func (pr *PuppetRegistry) Ensure(ctx context.Context, network, nick string) (id.UserID, error) {
	mxid := pr.MXID(network, nick)

	pr.lock.Lock()
	_, registered := pr.known[mxid]
	cachedName := pr.names[mxid]
	pr.lock.Unlock()

	if !registered {
		if err := pr.bridge.matrix.RegisterPuppet(ctx, mxid); err != nil {
			return mxid, err
		}
		pr.lock.Lock()
		pr.known[mxid] = struct{}{}
		pr.lock.Unlock()
	}

	if cachedName != nick {
		if err := pr.bridge.matrix.SetDisplayName(ctx, mxid, nick); err != nil {
			pr.log.Warn().Err(err).Stringer("puppet", mxid).Str("nick", nick).
				Msg("Failed to update puppet displayname")
		} else {
			pr.lock.Lock()
			pr.names[mxid] = nick
			pr.lock.Unlock()
		}
	}
	return mxid, nil
}

// Displayname returns the cached displayname for a puppet, or the empty
// string if it was never set through this process.
func (pr *PuppetRegistry) Displayname(mxid id.UserID) string {
	pr.lock.Lock()
	defer pr.lock.Unlock()
	return pr.names[mxid]
}
