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
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	identPort        = 113
	identReadTimeout = 30 * time.Second
	// identSettleDelay papers over the race where a freshly dialed IRC
	// socket's local port isn't visible in the registry yet.
	identSettleDelay = 100 * time.Millisecond
)

// IdentServer answers RFC 1413 ident queries for the bridge's outbound IRC
// connections, so servers can attribute each connection to its Matrix user.
type IdentServer struct {
	bridge   *IRCBridge
	log      zerolog.Logger
	listener net.Listener
}

// NewIdentServer binds port 113. Binding usually needs elevated privileges;
// the caller drops them afterwards.
func NewIdentServer(br *IRCBridge) (*IdentServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", identPort))
	if err != nil {
		return nil, fmt.Errorf("failed to bind ident port: %w", err)
	}
	is := &IdentServer{
		bridge:   br,
		log:      br.log.With().Str("component", "identd").Logger(),
		listener: listener,
	}
	go is.serve()
	return is, nil
}

func (is *IdentServer) Stop() {
	_ = is.listener.Close()
}

func (is *IdentServer) serve() {
	for {
		conn, err := is.listener.Accept()
		if err != nil {
			return
		}
		go is.handle(conn)
	}
}

func (is *IdentServer) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(identReadTimeout))

	reader := bufio.NewReaderSize(conn, 128)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	src, dst, ok := parseIdentQuery(line)
	reply := fmt.Sprintf("%d , %d : ERROR : NO-USER", src, dst)
	if ok {
		time.Sleep(identSettleDelay)
		if ident := is.lookup(src, dst); ident != "" {
			reply = fmt.Sprintf("%d , %d : USERID : UNIX : %s", src, dst, ident)
		}
	}
	is.log.Debug().Str("reply", reply).Msg("Answering ident query")
	_, _ = conn.Write([]byte(reply + "\r\n"))
}

// parseIdentQuery parses "src , dst" with arbitrary whitespace.
func parseIdentQuery(line string) (src, dst int, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(line), ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	src, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	dst, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return src, 0, false
	}
	if src < 1 || src > 65535 || dst < 1 || dst > 65535 {
		return src, dst, false
	}
	return src, dst, true
}

// lookup finds the network room whose IRC socket matches the port pair and
// returns its ident.
func (is *IdentServer) lookup(src, dst int) string {
	for _, nr := range is.bridge.NetworkRooms() {
		conn := nr.Conn()
		if conn == nil {
			continue
		}
		local, lok := conn.LocalAddr().(*net.TCPAddr)
		remote, rok := conn.RemoteAddr().(*net.TCPAddr)
		if !lok || !rok {
			continue
		}
		if local.Port == src && remote.Port == dst {
			return nr.Ident()
		}
	}
	return ""
}
