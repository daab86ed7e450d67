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

package ircconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacerShortBurst(t *testing.T) {
	var p pacer
	now := time.Unix(1000, 0)
	p.last = now.Add(-10 * time.Second)

	// Short lines in the same second: the first six pass immediately, the
	// seventh pushes the penalty over the threshold.
	for i := 0; i < 6; i++ {
		assert.Zero(t, p.delay(40, now), "line %d should not be delayed", i)
	}
	assert.Equal(t, minSendDelay, p.delay(40, now))
}

func TestPacerLongLineAlwaysPays(t *testing.T) {
	var p pacer
	now := time.Unix(1000, 0)
	p.last = now.Add(-10 * time.Second)

	// 256 bytes: 256/512*6 = 3s, above the minimum, so it pays even with
	// zero penalty.
	assert.Equal(t, 3*time.Second, p.delay(256, now))
}

func TestPacerPenaltyDecay(t *testing.T) {
	var p pacer
	now := time.Unix(1000, 0)
	p.last = now.Add(-10 * time.Second)

	for i := 0; i < 5; i++ {
		p.delay(40, now)
	}
	assert.Equal(t, 4, p.penalty)

	// Three quiet seconds shed three penalty points.
	assert.Zero(t, p.delay(40, now.Add(3*time.Second)))
	assert.Equal(t, 1, p.penalty)

	// A long pause resets it entirely.
	assert.Zero(t, p.delay(40, now.Add(60*time.Second)))
	assert.Equal(t, 0, p.penalty)
}

func TestPacerNoBackToBackWhenPenalized(t *testing.T) {
	var p pacer
	now := time.Unix(1000, 0)
	p.last = now.Add(-10 * time.Second)

	p.penalty = 10
	p.last = now
	// With the penalty above the threshold, every same-second line must be
	// held for at least the minimum delay.
	for i := 0; i < 3; i++ {
		assert.GreaterOrEqual(t, p.delay(40, now), minSendDelay)
	}
}

func TestProbeAction(t *testing.T) {
	const timeout = 300 * time.Second
	assert.Equal(t, probeIdle, probeAction(10*time.Second, timeout))
	assert.Equal(t, probePing, probeAction(100*time.Second, timeout))
	assert.Equal(t, probePing, probeAction(299*time.Second, timeout))
	assert.Equal(t, probeDisconnect, probeAction(300*time.Second, timeout))
	assert.Equal(t, probeDisconnect, probeAction(400*time.Second, timeout))
}
