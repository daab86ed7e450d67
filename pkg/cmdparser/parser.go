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

// Package cmdparser implements the shell-style command interface used in
// control and network rooms. A line may contain several commands separated
// by unquoted semicolons; words follow POSIX quoting rules. Parse errors
// are reported back to the originating room and are never fatal.
package cmdparser

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ParseError is returned for malformed input. Its message is shown to the
// user as a single-line notice.
type ParseError struct {
	Message string
}

func (pe *ParseError) Error() string {
	return pe.Message
}

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// Split splits a line into commands and each command into words. Unquoted
// semicolons separate commands. Single quotes are literal, double quotes
// honor backslash escapes, and a bare backslash escapes the next character.
func Split(line string) ([][]string, error) {
	var commands [][]string
	var words []string
	var word strings.Builder
	haveWord := false

	flushWord := func() {
		if haveWord {
			words = append(words, word.String())
			word.Reset()
			haveWord = false
		}
	}
	flushCommand := func() {
		flushWord()
		if len(words) > 0 {
			commands = append(commands, words)
			words = nil
		}
	}

	const (
		stateNone = iota
		stateSingle
		stateDouble
	)
	state := stateNone
	escaped := false

	for _, r := range line {
		if escaped {
			if state == stateDouble {
				// POSIX: backslash in double quotes only escapes these.
				switch r {
				case '"', '\\', '$', '`':
					word.WriteRune(r)
				default:
					word.WriteByte('\\')
					word.WriteRune(r)
				}
			} else {
				word.WriteRune(r)
			}
			escaped = false
			continue
		}
		switch state {
		case stateSingle:
			if r == '\'' {
				state = stateNone
			} else {
				word.WriteRune(r)
			}
		case stateDouble:
			switch r {
			case '"':
				state = stateNone
			case '\\':
				escaped = true
			default:
				word.WriteRune(r)
			}
		default:
			switch r {
			case '\'':
				state = stateSingle
				haveWord = true
			case '"':
				state = stateDouble
				haveWord = true
			case '\\':
				escaped = true
				haveWord = true
			case ';':
				flushCommand()
			case ' ', '\t', '\n':
				flushWord()
			default:
				word.WriteRune(r)
				haveWord = true
			}
		}
	}
	if escaped {
		return nil, parseErrorf("unexpected end of input after backslash")
	}
	if state != stateNone {
		return nil, parseErrorf("unterminated quote")
	}
	flushCommand()
	return commands, nil
}

// Flag describes an optional --flag accepted by a command.
type Flag struct {
	Name     string
	HasValue bool
}

// Event is the parsed invocation handed to a command function.
type Event struct {
	Args  []string
	Flags map[string]string
	Admin bool
	Reply func(message string)
}

// Flag reports whether a boolean flag was present.
func (ev *Event) Flag(name string) bool {
	_, ok := ev.Flags[name]
	return ok
}

type Command struct {
	Name    string
	Help    string
	Usage   string
	MinArgs int
	Admin   bool
	Flags   []Flag
	Func    func(ctx context.Context, ev *Event) error
}

func (cmd *Command) flag(name string) (Flag, bool) {
	for _, f := range cmd.Flags {
		if f.Name == name {
			return f, true
		}
	}
	return Flag{}, false
}

// Parser holds the registered command table for one room surface.
type Parser struct {
	commands map[string]*Command
	order    []string
}

func NewParser() *Parser {
	return &Parser{commands: make(map[string]*Command)}
}

func (p *Parser) Register(cmds ...*Command) {
	for _, cmd := range cmds {
		name := strings.ToUpper(cmd.Name)
		if _, ok := p.commands[name]; !ok {
			p.order = append(p.order, name)
		}
		p.commands[name] = cmd
	}
}

func (p *Parser) parseArgs(cmd *Command, words []string) (*Event, error) {
	ev := &Event{Flags: make(map[string]string)}
	for i := 1; i < len(words); i++ {
		word := words[i]
		if strings.HasPrefix(word, "--") && len(word) > 2 {
			name := strings.TrimPrefix(word, "--")
			flag, ok := cmd.flag(name)
			if !ok {
				return nil, parseErrorf("%s: unknown flag --%s", cmd.Name, name)
			}
			if flag.HasValue {
				if i+1 >= len(words) {
					return nil, parseErrorf("%s: flag --%s requires a value", cmd.Name, name)
				}
				i++
				ev.Flags[name] = words[i]
			} else {
				ev.Flags[name] = ""
			}
		} else {
			ev.Args = append(ev.Args, word)
		}
	}
	if len(ev.Args) < cmd.MinArgs {
		return nil, parseErrorf("Usage: %s", cmd.Usage)
	}
	return ev, nil
}

// Dispatch parses a line and runs each contained command in order. All
// errors, including unknown commands, are delivered through reply.
func (p *Parser) Dispatch(ctx context.Context, line string, admin bool, reply func(message string)) {
	commands, err := Split(line)
	if err != nil {
		reply(err.Error())
		return
	}
	for _, words := range commands {
		name := strings.ToUpper(words[0])
		if name == "HELP" {
			p.replyHelp(words, reply)
			continue
		}
		cmd, ok := p.commands[name]
		if !ok {
			reply(fmt.Sprintf("Unknown command: %s (try HELP)", name))
			continue
		}
		if cmd.Admin && !admin {
			reply(fmt.Sprintf("%s requires admin privileges.", name))
			continue
		}
		ev, err := p.parseArgs(cmd, words)
		if err != nil {
			reply(err.Error())
			continue
		}
		ev.Admin = admin
		ev.Reply = reply
		if err = cmd.Func(ctx, ev); err != nil {
			reply(err.Error())
		}
	}
}

func (p *Parser) replyHelp(words []string, reply func(string)) {
	if len(words) > 1 {
		name := strings.ToUpper(words[1])
		cmd, ok := p.commands[name]
		if !ok {
			reply(fmt.Sprintf("Unknown command: %s (try HELP)", name))
			return
		}
		reply(fmt.Sprintf("%s - %s\nUsage: %s", name, cmd.Help, cmd.Usage))
		return
	}
	names := make([]string, len(p.order))
	copy(names, p.order)
	sort.Strings(names)
	width := len("HELP")
	for _, name := range names {
		if len(name) > width {
			width = len(name)
		}
	}
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "%-*s  %s\n", width, name, p.commands[name].Help)
	}
	fmt.Fprintf(&sb, "%-*s  %s", width, "HELP", "Show this help or HELP <command> for usage")
	reply(sb.String())
}
