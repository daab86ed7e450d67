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
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/id"
)

func TestControlRoomValidity(t *testing.T) {
	br, _ := newTestBridge(t)
	cr := br.newControlRoom("!ctrl:example.com", testOwner)
	t.Cleanup(func() { cr.runner.Stop() })

	cr.SetMembers([]id.UserID{br.userID, testOwner})
	assert.True(t, cr.IsValid())

	// The control room is a 1:1 DM; a third member breaks that contract.
	cr.SetMembers([]id.UserID{br.userID, testOwner, id.UserID("@other:example.com")})
	assert.False(t, cr.IsValid())

	// So does the owner leaving.
	cr.SetMembers([]id.UserID{br.userID})
	assert.False(t, cr.IsValid())
	cr.SetMembers([]id.UserID{br.userID, id.UserID("@other:example.com")})
	assert.False(t, cr.IsValid())
}
