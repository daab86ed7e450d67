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

// Package ircid maps IRC identities into the bridge's reserved Matrix user
// ID namespace.
package ircid

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

func isAllowed(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r == '-' || r == '.' || r == '=' || r == '_' || r == '/':
		return true
	}
	return false
}

// Escape lowercases the input and replaces every character outside
// [0-9a-z\-\.=_/] with '=' followed by the lowercase hex of its UTF-8
// bytes, producing a valid Matrix localpart fragment.
func Escape(s string) string {
	s = strings.ToLower(s)
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if isAllowed(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('=')
			sb.WriteString(fmt.Sprintf("%x", string(r)))
		}
	}
	return sb.String()
}

// Localpart mints the puppet localpart for a nick on a network. The prefix
// is the user namespace prefix captured from the registration file, with or
// without its trailing underscore.
func Localpart(prefix, network, nick string) string {
	return fmt.Sprintf("%s_%s_%s", strings.TrimSuffix(prefix, "_"), Escape(network), Escape(nick))
}

// PuppetMXID mints the full puppet user ID for a nick on a network.
func PuppetMXID(prefix, network, nick, serverName string) id.UserID {
	return id.NewUserID(Localpart(prefix, network, nick), serverName)
}
