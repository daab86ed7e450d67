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
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
)

func TestIRCToMatrix(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		body      string
		formatted string
	}{
		{
			name:  "plain",
			input: "hello world",
			body:  "hello world",
		},
		{
			name:      "bold",
			input:     "\x02bold\x02 plain",
			body:      "bold plain",
			formatted: "<b>bold</b> plain",
		},
		{
			name:      "nested toggles",
			input:     "\x02\x1dboth\x1d\x02",
			body:      "both",
			formatted: "<b><i>both</i></b>",
		},
		{
			name:      "unterminated closes at end",
			input:     "\x1funder",
			body:      "under",
			formatted: "<u>under</u>",
		},
		{
			name:      "reset closes everything",
			input:     "\x02\x1dx\x0fy",
			body:      "xy",
			formatted: "<b><i>x</i></b>y",
		},
		{
			name:      "color",
			input:     "\x034red\x03 plain",
			body:      "red plain",
			formatted: `<font color="#ff0000">red</font> plain`,
		},
		{
			name:      "color with background",
			input:     "\x034,1text\x03",
			body:      "text",
			formatted: `<font color="#ff0000">text</font>`,
		},
		{
			name:      "out of palette color dropped",
			input:     "\x0399text",
			body:      "text",
			formatted: "text",
		},
		{
			name:      "html escaped",
			input:     "\x02<tag>\x02",
			body:      "<tag>",
			formatted: "<b>&lt;tag&gt;</b>",
		},
		{
			name:      "monospace",
			input:     "\x11code\x11",
			body:      "code",
			formatted: "<code>code</code>",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body, formatted := ircToMatrix(tc.input)
			assert.Equal(t, tc.body, body)
			assert.Equal(t, tc.formatted, formatted)
		})
	}
}

func TestMatrixToIRC(t *testing.T) {
	br, _ := newTestBridge(t)
	ctx := context.Background()

	plain := &event.MessageEventContent{MsgType: event.MsgText, Body: "just text"}
	assert.Equal(t, "just text", br.matrixToIRC(ctx, plain))

	formatted := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "bold and italic",
		Format:        event.FormatHTML,
		FormattedBody: "<b>bold</b> and <i>italic</i>",
	}
	assert.Equal(t, "\x02bold\x02 and \x1ditalic\x1d", br.matrixToIRC(ctx, formatted))
}

func TestMatrixToIRCPillUsesDisplayname(t *testing.T) {
	br, _ := newTestBridge(t)
	br.trackUser("@alice:example.com", "Alice")
	ctx := context.Background()

	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "hey Alice",
		Format:        event.FormatHTML,
		FormattedBody: `hey <a href="https://matrix.to/#/@alice:example.com">Alice</a>`,
	}
	assert.Equal(t, "hey Alice", br.matrixToIRC(ctx, content))
}

func TestStripReplyFallback(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no fallback", "plain text", "plain text"},
		{"single quoted line", "> <@alice:hs> original\n\nthe reply", "the reply"},
		{"multi quoted lines", "> <@alice:hs> one\n> two\n\nreply", "reply"},
		{"quote mid-body kept", "reply\n> not a fallback", "reply\n> not a fallback"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, stripReplyFallback(tc.input))
		})
	}
}
