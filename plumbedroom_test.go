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
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLongKeepsShortLines(t *testing.T) {
	lines := splitLong("short line", 100)
	assert.Equal(t, []string{"short line"}, lines)
}

func TestSplitLongWordWrap(t *testing.T) {
	input := strings.Repeat("word ", 30) // 150 bytes
	lines := splitLong(strings.TrimSpace(input), 50)
	require.Greater(t, len(lines), 1)
	for _, line := range lines {
		assert.LessOrEqual(t, len(line), 50)
		assert.False(t, strings.HasPrefix(line, " "))
		assert.False(t, strings.HasSuffix(line, " "))
	}
	assert.Equal(t, strings.TrimSpace(input), strings.Join(lines, " "))
}

func TestSplitLongHardSplitRespectsRuneBoundaries(t *testing.T) {
	input := strings.Repeat("ä", 20) // 40 bytes, no spaces
	lines := splitLong(input, 17)
	for _, line := range lines {
		assert.True(t, utf8.ValidString(line), "line %q is not valid UTF-8", line)
		assert.LessOrEqual(t, len(line), 17)
	}
	assert.Equal(t, input, strings.Join(lines, ""))
}

func TestSplitLongHardSplitsOversizeWord(t *testing.T) {
	input := strings.Repeat("x", 120)
	lines := splitLong(input, 50)
	assert.Equal(t, []string{strings.Repeat("x", 50), strings.Repeat("x", 50), strings.Repeat("x", 20)}, lines)
}

func TestSplitLongPreservesNewlines(t *testing.T) {
	lines := splitLong("one\ntwo\nthree", 100)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestSplitLongMinimumBudget(t *testing.T) {
	// A degenerate budget must not loop forever or produce empty lines.
	lines := splitLong("some words here", 1)
	for _, line := range lines {
		assert.NotEmpty(t, line)
	}
	assert.Equal(t, "some words here", strings.Join(lines, " "))
}

func TestMangleName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"@alice:example.com", "@a" + zwsp + "lice:example.com"},
		{"Alice", "A" + zwsp + "lice"},
		{"x", "x"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, mangleName(tc.input))
	}
}

func TestPlumbedSenderPrefix(t *testing.T) {
	br, _ := newTestBridge(t)
	plumbed := br.newPlumbedRoom("!plumb:example.com", testOwner, "libera", "#shared", "", nil)
	t.Cleanup(func() { plumbed.runner.Stop() })

	// Without displaynames the raw mxid is mangled.
	prefix := plumbed.senderPrefix("@bob:example.com")
	assert.Equal(t, "@b"+zwsp+"ob:example.com", prefix)

	plumbed.useDisplaynames = true
	br.trackUser("@bob:example.com", "Bobby")
	assert.Equal(t, "B"+zwsp+"obby", plumbed.senderPrefix("@bob:example.com"))
}

func TestPlumbedConfigDefaults(t *testing.T) {
	br, _ := newTestBridge(t)
	plumbed := br.newPlumbedRoom("!plumb:example.com", testOwner, "libera", "#Shared", "key", nil)
	t.Cleanup(func() { plumbed.runner.Stop() })

	assert.Equal(t, "#shared", plumbed.name)
	assert.Equal(t, defaultMaxLines, plumbed.maxLines)
	assert.True(t, plumbed.evictPuppetsOnly)

	cfg := plumbed.SaveConfig()
	assert.Equal(t, roomTypePlumbed, cfg.Type)
	assert.Equal(t, "key", cfg.Key)
}
