// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package hub

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// clientIDCounter assigns stable ids so fan-out iterates clients in a
// consistent order.
var clientIDCounter atomic.Uint64

// Client is the middleman between one dashboard WebSocket connection and
// the hub. The attached user identity drives role scoping.
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	user models.CurrentUser
	send chan Message
}

// Attach registers a freshly upgraded connection with the hub and starts
// its pumps. The hub's Serve loop must be running.
func (h *Hub) Attach(conn *websocket.Conn, user models.CurrentUser) *Client {
	c := &Client{
		id:   clientIDCounter.Add(1),
		hub:  h,
		conn: conn,
		user: user,
		send: make(chan Message, 256),
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
	return c
}

// readPump consumes inbound frames. Dashboards only ever send pings; the
// pump exists to detect disconnects and keep the read deadline moving.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("[hub] Failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Msg("[hub] Unexpected client close")
			}
			return
		}
		if msg.Type == MessageTypePing {
			select {
			case c.send <- Message{Type: MessageTypePong}:
			default:
			}
		}
	}
}

// writePump delivers hub messages and protocol pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
