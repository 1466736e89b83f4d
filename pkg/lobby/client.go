// Copyright 2024-2026 Aiku AI

package lobby

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// pingInterval keeps the server from dropping us as idle.
	pingInterval = 30 * time.Second
	// eventBuffer bounds the typed event queue between the read loop and
	// the bridge dispatcher.
	eventBuffer = 256
)

// Client is the production Session implementation over TCP or TLS.
type Client struct {
	address    string
	port       uint16
	useTLS     bool
	clientName string
	log        zerolog.Logger

	writeMu sync.Mutex
	conn    net.Conn
	w       *bufio.Writer

	events    chan Event
	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ Session = (*Client)(nil)

// NewClient creates an unconnected lobby client.
func NewClient(address string, port uint16, useTLS bool, clientName string, log zerolog.Logger) *Client {
	return &Client{
		address:    address,
		port:       port,
		useTLS:     useTLS,
		clientName: clientName,
		log:        log.With().Str("component", "lobby_client").Logger(),
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
	}
}

// Connect implements Session.
func (c *Client) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(c.address, strconv.Itoa(int(c.port)))
	var (
		conn net.Conn
		err  error
	)
	if c.useTLS {
		dialer := &tls.Dialer{Config: &tls.Config{ServerName: c.address}}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to dial lobby server: %w", err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.w = bufio.NewWriter(conn)
	c.writeMu.Unlock()
	c.connected.Store(true)

	c.log.Info().Str("addr", addr).Bool("tls", c.useTLS).Msg("Connected to lobby server")

	go c.readLoop()
	go c.pingLoop()
	return nil
}

// Login implements Session. The password goes over the wire as
// base64(md5(password)) per the lobby protocol.
func (c *Client) Login(_ context.Context, username, password string) error {
	sum := md5.Sum([]byte(password))
	encoded := base64.StdEncoding.EncodeToString(sum[:])
	return c.send("LOGIN", username, encoded, "3200", "*", c.clientName)
}

// BridgedClientFrom implements Session.
func (c *Client) BridgedClientFrom(domain, username, displayName string) error {
	return c.send("BRIDGECLIENTFROM", domain, username, displayName)
}

// UnBridgedClientFrom implements Session.
func (c *Client) UnBridgedClientFrom(domain, username string) error {
	return c.send("UNBRIDGECLIENTFROM", domain, username)
}

// JoinFrom implements Session.
func (c *Client) JoinFrom(channel, domain, username string) error {
	return c.send("JOINFROM", channel, domain, username)
}

// LeaveFrom implements Session.
func (c *Client) LeaveFrom(channel, domain, username string) error {
	return c.send("LEAVEFROM", channel, domain, username)
}

// SayFrom implements Session.
func (c *Client) SayFrom(username, domain, channel, message string) error {
	return c.send("SAYFROM", username, domain, channel, message)
}

// Join implements Session.
func (c *Client) Join(channel string) error {
	return c.send("JOIN", strings.TrimPrefix(channel, "#"))
}

// Events implements Session.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected implements Session.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close implements Session. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.connected.Store(false)
		c.writeMu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.writeMu.Unlock()
	})
	return err
}

// send writes one protocol line. Arguments may not contain newlines; the
// last argument may contain spaces (free-text trailer).
func (c *Client) send(words ...string) error {
	line := strings.Join(words, " ")
	line = strings.ReplaceAll(line, "\n", " ")
	line = strings.ReplaceAll(line, "\r", " ")

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("lobby client not connected")
	}
	if _, err := c.w.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write lobby command: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush lobby command: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer c.connected.Store(false)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		evt, ok := ParseServerLine(line)
		if !ok {
			c.log.Trace().Str("line", line).Msg("Ignoring lobby line")
			continue
		}
		select {
		case c.events <- evt:
		case <-c.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-c.done:
			// Closed on purpose, the read error is expected.
		default:
			c.log.Error().Err(err).Msg("Lobby read loop ended")
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send("PING"); err != nil {
				c.log.Warn().Err(err).Msg("Failed to ping lobby server")
				return
			}
		}
	}
}
