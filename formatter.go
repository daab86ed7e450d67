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
	"fmt"
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// mIRC control codes.
const (
	ircBold      = '\x02'
	ircColor     = '\x03'
	ircReset     = '\x0f'
	ircMonospace = '\x11'
	ircItalic    = '\x1d'
	ircStrike    = '\x1e'
	ircUnderline = '\x1f'
)

// The classic 16-color mIRC palette.
var ircPalette = []string{
	"#ffffff", "#000000", "#00007f", "#009300", "#ff0000", "#7f0000",
	"#9c009c", "#fc7f00", "#ffff00", "#00fc00", "#009393", "#00ffff",
	"#0000fc", "#ff00ff", "#7f7f7f", "#d2d2d2",
}

func wrapIRC(code rune) func(string, format.Context) string {
	return func(text string, _ format.Context) string {
		return string(code) + text + string(code)
	}
}

func newMatrixToIRCParser(getDisplayname func(id.UserID) string) *format.HTMLParser {
	return &format.HTMLParser{
		TabsToSpaces: 4,
		Newline:      "\n",

		BoldConverter:          wrapIRC(ircBold),
		ItalicConverter:        wrapIRC(ircItalic),
		UnderlineConverter:     wrapIRC(ircUnderline),
		StrikethroughConverter: wrapIRC(ircStrike),
		MonospaceConverter:     wrapIRC(ircMonospace),
		MonospaceBlockConverter: func(text, language string, _ format.Context) string {
			return string(ircMonospace) + text + string(ircMonospace)
		},
		PillConverter: func(displayname, mxid, eventID string, _ format.Context) string {
			if len(mxid) > 0 && mxid[0] == '@' && getDisplayname != nil {
				if name := getDisplayname(id.UserID(mxid)); name != "" {
					return name
				}
			}
			return displayname
		},
	}
}

// matrixToIRC renders message content to plain IRC text with control codes.
func (br *IRCBridge) matrixToIRC(ctx context.Context, content *event.MessageEventContent) string {
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		return br.htmlParser.Parse(content.FormattedBody, format.NewContext(ctx))
	}
	return content.Body
}

// stripReplyFallback drops the "> quoted" fallback lines from the start of
// a reply body while keeping the mentioned name intact.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
		i++
	}
	for i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

type ircFormatState struct {
	bold      bool
	italic    bool
	underline bool
	strike    bool
	mono      bool
	color     bool
}

func (s *ircFormatState) closeAll(sb *strings.Builder) {
	if s.color {
		sb.WriteString("</font>")
	}
	if s.mono {
		sb.WriteString("</code>")
	}
	if s.strike {
		sb.WriteString("</del>")
	}
	if s.underline {
		sb.WriteString("</u>")
	}
	if s.italic {
		sb.WriteString("</i>")
	}
	if s.bold {
		sb.WriteString("</b>")
	}
	*s = ircFormatState{}
}

func toggle(sb *strings.Builder, on *bool, openTag, closeTag string) {
	if *on {
		sb.WriteString(closeTag)
	} else {
		sb.WriteString(openTag)
	}
	*on = !*on
}

// ircToMatrix converts an IRC message to Matrix content: the plain body has
// the control codes stripped, and if any codes were present a formatted
// HTML body is produced alongside.
func ircToMatrix(text string) (body, formattedBody string) {
	var plain, formatted strings.Builder
	var state ircFormatState
	hasFormatting := false

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case ircBold:
			hasFormatting = true
			toggle(&formatted, &state.bold, "<b>", "</b>")
		case ircItalic:
			hasFormatting = true
			toggle(&formatted, &state.italic, "<i>", "</i>")
		case ircUnderline:
			hasFormatting = true
			toggle(&formatted, &state.underline, "<u>", "</u>")
		case ircStrike:
			hasFormatting = true
			toggle(&formatted, &state.strike, "<del>", "</del>")
		case ircMonospace:
			hasFormatting = true
			toggle(&formatted, &state.mono, "<code>", "</code>")
		case ircColor:
			hasFormatting = true
			if state.color {
				formatted.WriteString("</font>")
				state.color = false
			}
			fg, consumed := parseColorCode(runes[i+1:])
			i += consumed
			if fg >= 0 && fg < len(ircPalette) {
				fmt.Fprintf(&formatted, `<font color="%s">`, ircPalette[fg])
				state.color = true
			}
		case ircReset:
			hasFormatting = true
			state.closeAll(&formatted)
		default:
			plain.WriteRune(r)
			formatted.WriteString(html.EscapeString(string(r)))
		}
	}
	state.closeAll(&formatted)

	if !hasFormatting {
		return plain.String(), ""
	}
	return plain.String(), formatted.String()
}

// parseColorCode consumes the "NN[,MM]" part after a color code and returns
// the foreground color (-1 for a bare reset) plus the rune count consumed.
func parseColorCode(runes []rune) (fg, consumed int) {
	fg = -1
	digits := 0
	for consumed < len(runes) && digits < 2 && runes[consumed] >= '0' && runes[consumed] <= '9' {
		if fg < 0 {
			fg = 0
		}
		fg = fg*10 + int(runes[consumed]-'0')
		consumed++
		digits++
	}
	if fg < 0 {
		return -1, 0
	}
	// Swallow the background part, it is not mapped.
	if consumed < len(runes) && runes[consumed] == ',' {
		next := consumed + 1
		bgDigits := 0
		for next < len(runes) && bgDigits < 2 && runes[next] >= '0' && runes[next] <= '9' {
			next++
			bgDigits++
		}
		if bgDigits > 0 {
			consumed = next
		}
	}
	return fg, consumed
}
