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

// Package ircconn owns a single client connection to an IRC server: dialing
// (optionally through TLS and/or a SOCKS proxy), outbound flood pacing,
// PING-based liveness probing and dispatch of parsed messages to registered
// handlers.
package ircconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
	"gopkg.in/irc.v3"
)

const (
	// DefaultPingTimeout matches the common server-side registration timeout.
	DefaultPingTimeout = 300 * time.Second

	dialTimeout  = 30 * time.Second
	writeTimeout = 60 * time.Second
	sendQueueLen = 256
)

// ErrClosed is reported to the close callback after a local Disconnect.
var ErrClosed = errors.New("connection closed")

// Handler processes one inbound message. Returning Stop halts dispatch to
// later handlers registered for the same command.
type Handler func(msg *irc.Message) bool

const (
	Stop     = true
	Continue = false
)

// Config carries everything needed to establish one IRC connection.
type Config struct {
	Address     string
	TLS         bool
	TLSInsecure bool
	Proxy       string

	Nick     string
	Username string
	Realname string
	Password string

	PingTimeout time.Duration
}

// Conn is a single IRC client connection.
type Conn struct {
	cfg Config
	log zerolog.Logger

	handlersLock sync.RWMutex
	handlers     map[string][]Handler

	conn      net.Conn
	sendq     chan string
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	onClose   func(err error)

	connected  atomic.Bool
	lastData   atomic.Int64
	serverLock sync.Mutex
	serverName string
}

// New prepares a connection. Handlers must be registered before Connect so
// no early server message is lost.
func New(cfg Config, log zerolog.Logger, onClose func(err error)) *Conn {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	return &Conn{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string][]Handler),
		sendq:    make(chan string, sendQueueLen),
		done:     make(chan struct{}),
		onClose:  onClose,
	}
}

// Handle registers a handler for an IRC command or numeric. Handlers run on
// the read loop goroutine in registration order. The command "*" matches
// every message.
func (c *Conn) Handle(command string, fn Handler) {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	command = strings.ToUpper(command)
	c.handlers[command] = append(c.handlers[command], fn)
}

func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	var dialer proxy.ContextDialer = &net.Dialer{Timeout: dialTimeout}
	if c.cfg.Proxy != "" {
		proxyURL, err := url.Parse(c.cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		proxyDialer, err := proxy.FromURL(proxyURL, dialer.(proxy.Dialer))
		if err != nil {
			return nil, fmt.Errorf("failed to create proxy dialer: %w", err)
		}
		ctxDialer, ok := proxyDialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("proxy %q does not support context dialing", proxyURL.Scheme)
		}
		dialer = ctxDialer
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if c.cfg.TLS {
		host, _, err := net.SplitHostPort(c.cfg.Address)
		if err != nil {
			host = c.cfg.Address
		}
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: c.cfg.TLSInsecure,
		})
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return conn, nil
}

// Connect dials the server, starts the I/O loops and sends registration.
func (c *Conn) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.connected.Store(true)
	c.lastData.Store(time.Now().UnixNano())

	go c.readLoop()
	go c.sendLoop()
	go c.probeLoop()

	if c.cfg.Password != "" {
		c.Send(&irc.Message{Command: "PASS", Params: []string{c.cfg.Password}})
	}
	c.Send(&irc.Message{Command: "NICK", Params: []string{c.cfg.Nick}})
	c.Send(&irc.Message{Command: "USER", Params: []string{c.cfg.Username, "0", "*", c.cfg.Realname}})
	return nil
}

// Connected reports whether the socket is still up.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// LocalAddr returns the socket's local address, or nil before Connect.
func (c *Conn) LocalAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// RemoteAddr returns the socket's remote address, or nil before Connect.
func (c *Conn) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// ServerName returns the real server name learned from the welcome prefix,
// falling back to the dialed address.
func (c *Conn) ServerName() string {
	c.serverLock.Lock()
	defer c.serverLock.Unlock()
	if c.serverName != "" {
		return c.serverName
	}
	host, _, err := net.SplitHostPort(c.cfg.Address)
	if err != nil {
		return c.cfg.Address
	}
	return host
}

// SendRaw queues one raw IRC line for paced transmission.
func (c *Conn) SendRaw(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	select {
	case c.sendq <- line:
	case <-c.done:
	}
}

// Send queues a message for paced transmission.
func (c *Conn) Send(msg *irc.Message) {
	c.SendRaw(msg.String())
}

// Disconnect sends QUIT (best effort) and tears the connection down. The
// close callback fires with ErrClosed.
func (c *Conn) Disconnect(reason string) {
	if c.connected.Load() && reason != "" {
		c.writeLine("QUIT :" + reason)
	}
	c.shutdown(ErrClosed)
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.connected.Store(false)
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.onClose != nil {
			go c.onClose(err)
		}
	})
}

func (c *Conn) writeLine(line string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), 4096)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		msg, err := irc.ParseMessage(line)
		if err != nil {
			c.log.Debug().Str("line", line).Msg("Dropping unparseable IRC line")
			continue
		}
		c.lastData.Store(time.Now().UnixNano())
		c.handleInternal(msg)
		c.dispatch(msg)
	}
	err := scanner.Err()
	if err == nil {
		err = errors.New("connection reset by server")
	}
	c.shutdown(err)
}

func (c *Conn) handleInternal(msg *irc.Message) {
	switch msg.Command {
	case "PING":
		// Answered directly so a saturated send queue can't starve liveness.
		pong := &irc.Message{Command: "PONG", Params: msg.Params}
		if err := c.writeLine(pong.String()); err != nil {
			c.shutdown(err)
		}
	case irc.RPL_WELCOME:
		if msg.Prefix != nil && msg.Prefix.Name != "" {
			c.serverLock.Lock()
			c.serverName = msg.Prefix.Name
			c.serverLock.Unlock()
		}
	}
}

func (c *Conn) dispatch(msg *irc.Message) {
	c.handlersLock.RLock()
	handlers := c.handlers[strings.ToUpper(msg.Command)]
	wildcard := c.handlers["*"]
	c.handlersLock.RUnlock()
	for _, fn := range handlers {
		if fn(msg) == Stop {
			return
		}
	}
	for _, fn := range wildcard {
		if fn(msg) == Stop {
			return
		}
	}
}

func (c *Conn) sendLoop() {
	var pace pacer
	for {
		select {
		case <-c.done:
			return
		case line := <-c.sendq:
			delay := pace.delay(len(line)+2, time.Now())
			if err := c.writeLine(line); err != nil {
				c.shutdown(err)
				return
			}
			if delay > 0 {
				select {
				case <-c.done:
					return
				case <-time.After(delay):
				}
				pace.sent(time.Now())
			}
		}
	}
}

func (c *Conn) probeLoop() {
	interval := c.cfg.PingTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			sinceData := time.Since(time.Unix(0, c.lastData.Load()))
			switch probeAction(sinceData, c.cfg.PingTimeout) {
			case probeDisconnect:
				c.log.Warn().Dur("since_data", sinceData).Msg("Liveness probe timed out")
				c.Disconnect("No data received.")
				return
			case probePing:
				c.Send(&irc.Message{Command: "PING", Params: []string{c.ServerName()}})
			}
		}
	}
}

type probeResult int

const (
	probeIdle probeResult = iota
	probePing
	probeDisconnect
)

func probeAction(sinceData, pingTimeout time.Duration) probeResult {
	if sinceData >= pingTimeout {
		return probeDisconnect
	}
	if sinceData >= pingTimeout/3 {
		return probePing
	}
	return probeIdle
}
