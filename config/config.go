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

// Package config holds the bridge's persisted configuration and the
// appservice registration handling. The runtime config lives in the bridge
// bot's account data on the homeserver, not in a file.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"
)

// PermissionLevel is the access level granted by an allow mask.
type PermissionLevel string

const (
	PermissionUser  PermissionLevel = "user"
	PermissionAdmin PermissionLevel = "admin"
)

// MemberSync controls how channel occupants are mirrored into Matrix rooms.
type MemberSync string

const (
	MemberSyncLazy MemberSync = "lazy"
	MemberSyncHalf MemberSync = "half"
	MemberSyncFull MemberSync = "full"
)

// Server is one IRC server of a configured network.
type Server struct {
	Address     string `json:"address"`
	Port        int    `json:"port"`
	TLS         bool   `json:"tls,omitempty"`
	TLSInsecure bool   `json:"tls_insecure,omitempty"`
	Proxy       string `json:"proxy,omitempty"`
}

func (s Server) String() string {
	out := fmt.Sprintf("%s:%d", s.Address, s.Port)
	if s.TLS {
		out += " (TLS)"
		if s.TLSInsecure {
			out += " (insecure)"
		}
	}
	if s.Proxy != "" {
		out += " via " + s.Proxy
	}
	return out
}

// Network is a named IRC network with an ordered server list.
type Network struct {
	Servers []Server `json:"servers"`
}

// BridgeConfig is persisted as the bridge bot's "irc" account data and
// rewritten after every mutation.
type BridgeConfig struct {
	Owner      id.UserID                  `json:"owner,omitempty"`
	Allow      map[string]PermissionLevel `json:"allow,omitempty"`
	Networks   map[string]*Network        `json:"networks,omitempty"`
	Idents     map[id.UserID]string       `json:"idents,omitempty"`
	MemberSync MemberSync                 `json:"member_sync,omitempty"`
	MediaURL   string                     `json:"media_url,omitempty"`
}

// EnsureDefaults fills zero values after loading from account data.
func (cfg *BridgeConfig) EnsureDefaults() {
	if cfg.Allow == nil {
		cfg.Allow = make(map[string]PermissionLevel)
	}
	if cfg.Networks == nil {
		cfg.Networks = make(map[string]*Network)
	}
	if cfg.Idents == nil {
		cfg.Idents = make(map[id.UserID]string)
	}
	if cfg.MemberSync == "" {
		cfg.MemberSync = MemberSyncHalf
	}
}

// Permission resolves the level granted to a user: owner is always admin,
// otherwise the allow masks are checked in order of specificity.
func (cfg *BridgeConfig) Permission(userID id.UserID) (PermissionLevel, bool) {
	if cfg.Owner != "" && userID == cfg.Owner {
		return PermissionAdmin, true
	}
	level, found := PermissionLevel(""), false
	for mask, maskLevel := range cfg.Allow {
		if !MatchMask(mask, userID) {
			continue
		}
		if !found || maskLevel == PermissionAdmin {
			level, found = maskLevel, true
		}
	}
	return level, found
}

// MatchMask matches a glob-style mask (* and ?) against a user ID.
func MatchMask(mask string, userID id.UserID) bool {
	var pattern strings.Builder
	pattern.WriteByte('^')
	for _, r := range mask {
		switch r {
		case '*':
			pattern.WriteString(".*")
		case '?':
			pattern.WriteByte('.')
		default:
			pattern.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	pattern.WriteByte('$')
	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return false
	}
	return re.MatchString(string(userID))
}

var userNamespaceRegex = regexp.MustCompile(`^@([^.]+)\.\*$`)

// LoadRegistration reads and validates the appservice registration file,
// returning the puppet localpart prefix captured from the user namespace.
func LoadRegistration(path string) (*appservice.Registration, string, error) {
	reg, err := appservice.LoadRegistration(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load registration: %w", err)
	}
	prefix, err := ValidateRegistration(reg)
	if err != nil {
		return nil, "", err
	}
	return reg, prefix, nil
}

// ValidateRegistration checks the user namespace and extracts the puppet
// prefix. The single user namespace regex must look like "@prefix.*".
func ValidateRegistration(reg *appservice.Registration) (string, error) {
	if reg.SenderLocalpart == "" {
		return "", fmt.Errorf("registration is missing sender_localpart")
	}
	if len(reg.Namespaces.UserIDs) != 1 {
		return "", fmt.Errorf("registration must have exactly one user namespace, found %d", len(reg.Namespaces.UserIDs))
	}
	ns := reg.Namespaces.UserIDs[0]
	match := userNamespaceRegex.FindStringSubmatch(ns.Regex)
	if match == nil {
		return "", fmt.Errorf("user namespace regex %q doesn't match ^@([^.]+)\\.\\*$", ns.Regex)
	}
	return match[1], nil
}

// GenerateRegistration creates a fresh registration with random 64-char
// tokens and the reserved puppet namespace.
func GenerateRegistration(url string) *appservice.Registration {
	reg := appservice.CreateRegistration()
	reg.ID = "irc"
	reg.URL = url
	reg.AppToken = random.String(64)
	reg.ServerToken = random.String(64)
	reg.SenderLocalpart = "irc"
	rateLimited := false
	reg.RateLimited = &rateLimited
	reg.Namespaces.UserIDs = []appservice.Namespace{{
		Regex:     "@irc_.*",
		Exclusive: true,
	}}
	return reg
}
