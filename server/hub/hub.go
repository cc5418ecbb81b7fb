// Package hub fans task events out to websocket clients by group room, and
// relays events between server instances over a redis channel so every
// room member sees a mutation no matter which instance handled it.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/AngusTso/FamLite-Split/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 64
)

// clientFrame is what connected clients may send: room membership changes.
type clientFrame struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId"`
}

// relayEnvelope wraps events published between instances. Origin lets an
// instance skip events it already delivered locally.
type relayEnvelope struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// Hub tracks room membership for one server instance.
type Hub struct {
	logger   *log.Logger
	rdb      *redis.Client
	relayCh  string
	originID string

	mu    sync.Mutex
	rooms map[string]map[*client]struct{}
}

// New creates a hub. rdb may be nil for a single-instance deployment; the
// relay loop is then a no-op.
func New(rdb *redis.Client, relayChannel string, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		logger:   logger,
		rdb:      rdb,
		relayCh:  relayChannel,
		originID: uuid.NewString(),
		rooms:    make(map[string]map[*client]struct{}),
	}
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	rooms map[string]struct{}
}

// Serve owns conn until it drops: the read pump handles joinGroup/exitGroup
// frames, the write pump delivers room broadcasts. Room membership is
// released on any exit path, so a torn-down client never leaks a listener.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), rooms: make(map[string]struct{})}
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		close(c.send)
		_ = c.conn.Close()
	}()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f clientFrame
		if err := sonic.ConfigStd.Unmarshal(data, &f); err != nil || f.GroupID == "" {
			c.hub.logger.Warn("discarding malformed channel frame")
			continue
		}
		switch f.Type {
		case "joinGroup":
			c.hub.join(c, f.GroupID)
		case "exitGroup":
			c.hub.exit(c, f.GroupID)
		default:
			c.hub.logger.WithField("type", f.Type).Warn("unknown channel frame type")
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) join(c *client, groupID string) {
	h.mu.Lock()
	room, ok := h.rooms[groupID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[groupID] = room
	}
	room[c] = struct{}{}
	c.rooms[groupID] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) exit(c *client, groupID string) {
	h.mu.Lock()
	if room, ok := h.rooms[groupID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, groupID)
		}
	}
	delete(c.rooms, groupID)
	h.mu.Unlock()
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	for groupID := range c.rooms {
		if room, ok := h.rooms[groupID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, groupID)
			}
		}
	}
	c.rooms = make(map[string]struct{})
	h.mu.Unlock()
}

// Publish delivers ev to the event's group room on this instance and relays
// it to the other instances.
func (h *Hub) Publish(ctx context.Context, ev domain.Event) {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		h.logger.WithField("err", err).Error("encode event")
		return
	}
	h.broadcast(ev.GroupID, data)
	if h.rdb == nil {
		return
	}
	env := relayEnvelope{Origin: h.originID, Event: data}
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.WithField("err", err).Error("encode relay envelope")
		return
	}
	if err := h.rdb.Publish(ctx, h.relayCh, payload).Err(); err != nil {
		h.logger.WithFields(log.Fields{"channel": h.relayCh, "err": err}).Error("relay publish failed")
	}
}

func (h *Hub) broadcast(groupID string, data []byte) {
	h.mu.Lock()
	for c := range h.rooms[groupID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("room subscriber saturated, dropping event")
		}
	}
	h.mu.Unlock()
}

// RoomSize reports local membership of a room. Intended for tests.
func (h *Hub) RoomSize(groupID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[groupID])
}

// RelayLoop consumes events other instances published and delivers them to
// local rooms. It reconnects until ctx is done.
func (h *Hub) RelayLoop(ctx context.Context) {
	if h.rdb == nil {
		return
	}
	for {
		sub := h.rdb.Subscribe(ctx, h.relayCh)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env relayEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					h.logger.WithField("err", err).Error("unable to parse relayed event")
					continue
				}
				if env.Origin == h.originID {
					continue
				}
				ev, err := domain.DecodeEvent(env.Event)
				if err != nil {
					h.logger.WithField("err", err).Error("discarding malformed relayed event")
					continue
				}
				h.broadcast(ev.GroupID, env.Event)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		h.logger.Error("relay channel closed, resubscribing")
		time.Sleep(time.Second)
	}
}
