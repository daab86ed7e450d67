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

package cmdparser

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	type testCase struct {
		name     string
		input    string
		expected [][]string
	}
	testCases := []testCase{
		{"Simple", "JOIN #chan", [][]string{{"JOIN", "#chan"}}},
		{"Multi", "NICK foo; JOIN #a", [][]string{{"NICK", "foo"}, {"JOIN", "#a"}}},
		{"SingleQuote", "MSG nick 'hello world'", [][]string{{"MSG", "nick", "hello world"}}},
		{"DoubleQuote", `MSG nick "a;b c"`, [][]string{{"MSG", "nick", "a;b c"}}},
		{"QuotedSemicolon", "MSG nick 'a;b'; NICK x", [][]string{{"MSG", "nick", "a;b"}, {"NICK", "x"}}},
		{"Escape", `MSG nick hello\ world`, [][]string{{"MSG", "nick", "hello world"}}},
		{"EscapeInDouble", `MSG nick "say \"hi\""`, [][]string{{"MSG", "nick", `say "hi"`}}},
		{"BackslashKept", `MSG nick "a\b"`, [][]string{{"MSG", "nick", `a\b`}}},
		{"ExtendedWordChars", "RAW PRIVMSG #c :!#$%&()*+,-./:<=>?@[]^_{|}~", [][]string{{"RAW", "PRIVMSG", "#c", ":!#$%&()*+,-./:<=>?@[]^_{|}~"}}},
		{"EmptyWord", `MSG nick ""`, [][]string{{"MSG", "nick", ""}}},
		{"EmptyCommands", "; ;NICK x;", [][]string{{"NICK", "x"}}},
		{"Empty", "", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Split(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, out)
		})
	}
}

func TestSplitErrors(t *testing.T) {
	_, err := Split("MSG nick 'oops")
	require.Error(t, err)
	_, err = Split(`MSG nick oops\`)
	require.Error(t, err)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func makeTestParser(t *testing.T) (*Parser, *[]string) {
	t.Helper()
	p := NewParser()
	var calls []string
	p.Register(
		&Command{
			Name:    "OPEN",
			Help:    "Open a network room",
			Usage:   "OPEN <network> [--new]",
			MinArgs: 1,
			Flags:   []Flag{{Name: "new"}},
			Func: func(_ context.Context, ev *Event) error {
				call := "open:" + ev.Args[0]
				if ev.Flag("new") {
					call += ":new"
				}
				calls = append(calls, call)
				return nil
			},
		},
		&Command{
			Name:    "ADDSERVER",
			Help:    "Add a server to a network",
			Usage:   "ADDSERVER <network> <address> [port] [--proxy URL]",
			MinArgs: 2,
			Admin:   true,
			Flags:   []Flag{{Name: "tls"}, {Name: "proxy", HasValue: true}},
			Func: func(_ context.Context, ev *Event) error {
				calls = append(calls, "addserver:"+strings.Join(ev.Args, ",")+":proxy="+ev.Flags["proxy"])
				return nil
			},
		},
	)
	return p, &calls
}

func collectReplies(replies *[]string) func(string) {
	return func(msg string) {
		*replies = append(*replies, msg)
	}
}

func TestDispatch(t *testing.T) {
	p, calls := makeTestParser(t)
	var replies []string

	p.Dispatch(context.Background(), "open libera; open oftc --new", false, collectReplies(&replies))
	assert.Empty(t, replies)
	assert.Equal(t, []string{"open:libera", "open:oftc:new"}, *calls)
}

func TestDispatchErrors(t *testing.T) {
	p, calls := makeTestParser(t)
	var replies []string
	reply := collectReplies(&replies)

	p.Dispatch(context.Background(), "FROB x", false, reply)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Unknown command: FROB")

	replies = nil
	p.Dispatch(context.Background(), "OPEN", false, reply)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Usage: OPEN")

	replies = nil
	p.Dispatch(context.Background(), "OPEN libera --frob", false, reply)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "unknown flag --frob")

	replies = nil
	p.Dispatch(context.Background(), "ADDSERVER net irc.example.com", false, reply)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "admin")

	replies = nil
	p.Dispatch(context.Background(), "ADDSERVER net irc.example.com 6697 --proxy socks5://localhost:1080", true, reply)
	assert.Empty(t, replies)
	assert.Equal(t, []string{"addserver:net,irc.example.com,6697:proxy=socks5://localhost:1080"}, *calls)

	// A parse error in one command must not run any command on the line.
	replies = nil
	*calls = nil
	p.Dispatch(context.Background(), "OPEN libera; MSG 'x", false, reply)
	require.Len(t, replies, 1)
	assert.Empty(t, *calls)
}

func TestDispatchHelp(t *testing.T) {
	p, _ := makeTestParser(t)
	var replies []string
	p.Dispatch(context.Background(), "help", false, collectReplies(&replies))
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "OPEN")
	assert.Contains(t, replies[0], "ADDSERVER")
	assert.Contains(t, replies[0], "HELP")

	replies = nil
	p.Dispatch(context.Background(), "HELP OPEN", false, collectReplies(&replies))
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Usage: OPEN <network> [--new]")
}
