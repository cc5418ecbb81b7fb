// Package channel maintains the client side of the event channel: one
// websocket connection, at most one joined group room, and a bounded
// reconnect policy. Missed-event recovery is not attempted here — the
// consumer is told about reconnects and refetches its own snapshot.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/AngusTso/FamLite-Split/domain"
)

const (
	frameJoinGroup = "joinGroup"
	frameExitGroup = "exitGroup"
)

// State is the connection lifecycle position.
type State int

const (
	Disconnected State = iota
	Connected
	Joined
)

// Handler consumes events and lifecycle signals. Calls are made from the
// client's read loop; implementations must not block.
type Handler interface {
	HandleEvent(ev domain.Event)
	HandleReconnected()
	HandleConnectivityLost()
}

// TokenProvider supplies the credential presented when dialing.
type TokenProvider interface {
	Token() string
}

// Config configures a Client. URL is the websocket endpoint and is required.
type Config struct {
	URL         string
	Credentials TokenProvider
	Handler     Handler
	Logger      *log.Logger
	// MaxReconnectAttempts bounds the retry policy. Exhaustion surfaces
	// HandleConnectivityLost and the connection stays down until Connect
	// is called again.
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	Dialer               *websocket.Dialer
}

// ErrNotConnected is returned for room operations on a down connection.
var ErrNotConnected = errors.New("event channel is not connected")

// clientFrame is the client-to-server message shape.
type clientFrame struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId"`
}

// Client is the event-channel transport. Safe for concurrent use.
type Client struct {
	cfg    Config
	logger *log.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	room   string
	closed bool
	gen    int
}

// New builds a client. Connect must be called before joining rooms.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("channel: url is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("channel: handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{cfg: cfg, logger: cfg.Logger}, nil
}

// Connect dials the channel and starts the read loop. Calling Connect on an
// already connected client is a no-op; calling it after connectivity was
// lost starts a fresh attempt with a reset retry budget.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("channel: client is closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := make(map[string][]string)
	if c.cfg.Credentials != nil {
		if token := c.cfg.Credentials.Token(); token != "" {
			header["Authorization"] = []string{"Bearer " + token}
		}
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// Join subscribes to groupID's room. Any previously joined room is exited
// first; a client is a member of at most one room.
func (c *Client) Join(ctx context.Context, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if c.room != "" && c.room != groupID {
		if err := c.writeLocked(clientFrame{Type: frameExitGroup, GroupID: c.room}); err != nil {
			return err
		}
	}
	if err := c.writeLocked(clientFrame{Type: frameJoinGroup, GroupID: groupID}); err != nil {
		return err
	}
	c.room = groupID
	c.state = Joined
	return nil
}

// Exit leaves groupID's room. Exiting a room that is not joined is a no-op.
func (c *Client) Exit(ctx context.Context, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.room != groupID {
		return nil
	}
	if err := c.writeLocked(clientFrame{Type: frameExitGroup, GroupID: groupID}); err != nil {
		return err
	}
	c.room = ""
	c.state = Connected
	return nil
}

// State reports the current lifecycle position.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room reports the joined room, or "" when none.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Close tears the connection down for good. The handler receives no further
// calls once Close returns; no listener is left dangling.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.room = ""
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) writeLocked(f clientFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop pumps inbound frames until the connection drops, then hands off
// to the reconnect policy. gen ties the loop to the connection it was
// started for so a stale loop never drives a newer connection's state.
func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.closed || c.gen != gen
			c.mu.Unlock()
			if stale {
				return
			}
			c.logger.WithField("err", err).Warn("event channel dropped")
			c.reconnect(gen)
			return
		}
		ev, err := domain.DecodeEvent(data)
		if err != nil {
			c.logger.WithField("err", err).Warn("discarding malformed event frame")
			continue
		}
		c.cfg.Handler.HandleEvent(ev)
	}
}

// reconnect runs the bounded retry policy after a transport loss.
func (c *Client) reconnect(gen int) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = Disconnected
	c.mu.Unlock()

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(c.cfg.ReconnectBackoff * time.Duration(attempt))

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.WithFields(log.Fields{"attempt": attempt, "err": err}).Warn("reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.state = Connected
		c.gen++
		newGen := c.gen
		c.mu.Unlock()

		go c.readLoop(conn, newGen)
		// The consumer re-issues its join and refetches a snapshot; the
		// server is never assumed to have replayed missed events.
		c.cfg.Handler.HandleReconnected()
		return
	}

	c.logger.WithField("attempts", c.cfg.MaxReconnectAttempts).Error("event channel reconnect attempts exhausted")
	c.cfg.Handler.HandleConnectivityLost()
}
