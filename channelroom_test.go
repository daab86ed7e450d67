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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/irc.v3"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-irc/config"
)

const (
	testOwner  = id.UserID("@user:example.com")
	testChanID = id.RoomID("!chan:example.com")
)

func newTestChannel(t *testing.T) (*IRCBridge, *fakeMatrix, *NetworkRoom, *ChannelRoom) {
	t.Helper()
	br, fake := newTestBridge(t)
	nr := br.newNetworkRoom("!net:example.com", testOwner, "libera", nil)
	nr.currentNick = "me"
	br.RegisterRoom(nr)
	t.Cleanup(func() { nr.runner.Stop() })

	cr := br.newChannelRoom(testChanID, testOwner, "libera", "#test", "")
	br.RegisterRoom(cr)
	nr.AttachRoom(cr)
	t.Cleanup(func() { cr.runner.Stop() })
	return br, fake, nr, cr
}

func names(nr *NetworkRoom, cr *ChannelRoom, nicks string) {
	ctx := context.Background()
	cr.HandleIRCEvent(ctx, nr, &irc.Message{
		Command: irc.RPL_NAMREPLY,
		Params:  []string{"me", "=", "#test", nicks},
	})
	cr.HandleIRCEvent(ctx, nr, &irc.Message{
		Command: irc.RPL_ENDOFNAMES,
		Params:  []string{"me", "#test", "End of /NAMES list."},
	})
}

func TestNamesReconciliationJoinsAndEvicts(t *testing.T) {
	br, fake, nr, cr := newTestChannel(t)

	stale := br.puppets.MXID("libera", "gone")
	cr.SetMembers([]id.UserID{br.userID, testOwner, stale})

	names(nr, cr, "@alice +bob me")

	alice := br.puppets.MXID("libera", "alice")
	bob := br.puppets.MXID("libera", "bob")
	require.Eventually(t, func() bool {
		return fake.isJoined(testChanID, alice) && fake.isJoined(testChanID, bob)
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return !cr.InRoom(stale)
	}, time.Second, 5*time.Millisecond)

	// The real user and the bridge bot are never evicted.
	assert.True(t, cr.InRoom(testOwner))
	assert.True(t, cr.InRoom(br.userID))
	assert.True(t, cr.InRoom(alice))
	assert.True(t, cr.InRoom(bob))
}

func TestNamesReconciliationStripsPrefixes(t *testing.T) {
	br, fake, nr, cr := newTestChannel(t)
	cr.SetMembers([]id.UserID{br.userID, testOwner})

	names(nr, cr, "~founder &admin @op %halfop +voiced")

	founder := br.puppets.MXID("libera", "founder")
	voiced := br.puppets.MXID("libera", "voiced")
	require.Eventually(t, func() bool {
		return fake.isJoined(testChanID, founder) && fake.isJoined(testChanID, voiced)
	}, time.Second, 5*time.Millisecond)
}

func TestNamesReconciliationLazyNeverJoins(t *testing.T) {
	br, fake, nr, cr := newTestChannel(t)
	br.MutateConfig(context.Background(), func(cfg *config.BridgeConfig) {
		cfg.MemberSync = config.MemberSyncLazy
	})
	stale := br.puppets.MXID("libera", "gone")
	cr.SetMembers([]id.UserID{br.userID, testOwner, stale})

	names(nr, cr, "alice me")

	// Removal still happens lazily or not, joining never does.
	require.Eventually(t, func() bool {
		return !cr.InRoom(stale)
	}, time.Second, 5*time.Millisecond)
	alice := br.puppets.MXID("libera", "alice")
	assert.False(t, fake.isJoined(testChanID, alice))
}

func TestNamesReconciliationPlumbedKeepsRealUsers(t *testing.T) {
	br, _ := newTestBridge(t)
	nr := br.newNetworkRoom("!net:example.com", testOwner, "libera", nil)
	nr.currentNick = "me"
	br.RegisterRoom(nr)
	t.Cleanup(func() { nr.runner.Stop() })

	plumbed := br.newPlumbedRoom("!plumb:example.com", testOwner, "libera", "#shared", "", nil)
	br.RegisterRoom(plumbed)
	nr.AttachRoom(plumbed)
	t.Cleanup(func() { plumbed.runner.Stop() })

	bystander := id.UserID("@bystander:example.com")
	stale := br.puppets.MXID("libera", "gone")
	plumbed.SetMembers([]id.UserID{br.userID, testOwner, bystander, stale})

	ctx := context.Background()
	plumbed.HandleIRCEvent(ctx, nr, &irc.Message{
		Command: irc.RPL_NAMREPLY,
		Params:  []string{"me", "=", "#shared", "alice me"},
	})
	plumbed.HandleIRCEvent(ctx, nr, &irc.Message{
		Command: irc.RPL_ENDOFNAMES,
		Params:  []string{"me", "#shared", "End of /NAMES list."},
	})

	require.Eventually(t, func() bool {
		return !plumbed.InRoom(stale)
	}, time.Second, 5*time.Millisecond)
	// Real users who aren't on IRC stay in a shared room.
	assert.True(t, plumbed.InRoom(bystander))
}

func TestChannelJoinPartEvents(t *testing.T) {
	br, fake, nr, cr := newTestChannel(t)
	cr.SetMembers([]id.UserID{br.userID, testOwner})
	ctx := context.Background()

	cr.HandleIRCEvent(ctx, nr, &irc.Message{
		Prefix:  &irc.Prefix{Name: "alice", User: "alice", Host: "host"},
		Command: "JOIN",
		Params:  []string{"#test"},
	})
	alice := br.puppets.MXID("libera", "alice")
	require.Eventually(t, func() bool {
		return fake.isJoined(testChanID, alice)
	}, time.Second, 5*time.Millisecond)

	cr.HandleIRCEvent(ctx, nr, &irc.Message{
		Prefix:  &irc.Prefix{Name: "alice", User: "alice", Host: "host"},
		Command: "PART",
		Params:  []string{"#test"},
	})
	require.Eventually(t, func() bool {
		return !cr.InRoom(alice)
	}, time.Second, 5*time.Millisecond)
}

func TestChannelMessageFromPuppet(t *testing.T) {
	br, fake, nr, cr := newTestChannel(t)
	cr.SetMembers([]id.UserID{br.userID, testOwner})
	ctx := context.Background()

	cr.HandleIRCEvent(ctx, nr, &irc.Message{
		Prefix:  &irc.Prefix{Name: "alice", User: "alice", Host: "host"},
		Command: "PRIVMSG",
		Params:  []string{"#test", "hello there"},
	})

	alice := br.puppets.MXID("libera", "alice")
	require.Eventually(t, func() bool {
		for _, evt := range fake.snapshotSent() {
			if evt.AsUser == alice && evt.Content.Body == "hello there" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestChannelIgnoresOwnMessages(t *testing.T) {
	_, fake, nr, cr := newTestChannel(t)
	cr.SetMembers([]id.UserID{testOwner})
	ctx := context.Background()

	cr.HandleIRCEvent(ctx, nr, &irc.Message{
		Prefix:  &irc.Prefix{Name: "me", User: "me", Host: "host"},
		Command: "JOIN",
		Params:  []string{"#test"},
	})
	time.Sleep(50 * time.Millisecond)
	for _, joined := range fake.snapshotJoined() {
		if strings.HasPrefix(string(joined), "!chan") {
			t.Fatalf("own JOIN should not create a puppet join, got %s", joined)
		}
	}
}
