// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

/*
hub.go - Dashboard Fan-Out Hub

Maintains the set of connected dashboard clients and fans reconciled
appointment events out to them, scoped by role: operators see every
event, therapists and drivers only events touching their own schedule.
Connection-state changes of the upstream session go to everyone so
dashboards can surface "live" versus "reconnecting".
*/
package hub

import (
	"context"
	"sort"
	"sync"

	wm "github.com/ThreeDotsLabs/watermill/message"

	"github.com/serenova/dashsync/internal/bus"
	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/metrics"
	"github.com/serenova/dashsync/internal/models"
)

// Message types pushed to dashboard clients.
const (
	MessageTypeAppointment = "appointment"
	MessageTypeConnection  = "connection_state"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
)

// Message is the envelope sent to dashboard clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// envelope pairs an outbound message with the event it derives from;
// event is nil for messages every client receives.
type envelope struct {
	msg   Message
	event *models.Event
}

// Hub fans events out to connected dashboard clients.
type Hub struct {
	bus *bus.Bus

	mu      sync.RWMutex
	clients map[*Client]bool

	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
}

// New creates a hub. b may be nil in tests that drive broadcasts
// directly.
func New(b *bus.Bus) *Hub {
	return &Hub{
		bus:        b,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Serve runs the fan-out loop until ctx is canceled. Implements
// suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	var events <-chan *models.Event
	if h.bus != nil {
		sub, err := h.bus.SubscribeEvents(ctx)
		if err != nil {
			return err
		}
		events = decodeLoop(ctx, sub)
	}

	for {
		// Lifecycle events take priority over broadcasts so the client
		// set is settled before messages fan out.
		select {
		case client := <-h.register:
			h.add(client)
			continue
		case client := <-h.unregister:
			h.remove(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.fanOut(envelope{
				msg:   Message{Type: MessageTypeAppointment, Data: ev},
				event: ev,
			})
		case env := <-h.broadcast:
			h.fanOut(env)
		}
	}
}

// decodeLoop turns raw bus messages into decoded events on a channel the
// priority select can consume.
func decodeLoop(ctx context.Context, sub <-chan *wm.Message) <-chan *models.Event {
	out := make(chan *models.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				ev, err := bus.DecodeEvent(msg)
				msg.Ack()
				if err != nil {
					logging.Warn().Err(err).Msg("[hub] Undecodable bus message dropped")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// BroadcastConnectionState pushes the upstream connection state to every
// client.
func (h *Hub) BroadcastConnectionState(state string) {
	select {
	case h.broadcast <- envelope{msg: Message{Type: MessageTypeConnection, Data: map[string]string{"state": state}}}:
	default:
		logging.Warn().Msg("[hub] Broadcast channel full, dropping connection state")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()

	metrics.HubClients.Set(float64(n))
	logging.Info().Int64("user_id", client.user.ID).Str("role", client.user.Role).
		Int("total_clients", n).Msg("[hub] Dashboard client connected")
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.HubClients.Set(float64(n))
	logging.Info().Int("total_clients", n).Msg("[hub] Dashboard client disconnected")
}

// fanOut delivers the envelope to every client allowed to see it, in
// stable client order. Clients with a full send buffer are dropped; a
// dashboard that cannot keep up reconnects and refetches.
func (h *Hub) fanOut(env envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var toRemove []*Client
	for _, client := range clients {
		if env.event != nil && !visibleTo(env.event, client.user) {
			continue
		}
		select {
		case client.send <- env.msg:
			metrics.HubBroadcasts.Inc()
		default:
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
		logging.Warn().Int64("user_id", client.user.ID).
			Msg("[hub] Slow dashboard client dropped")
	}
	metrics.HubClients.Set(float64(len(h.clients)))
}

// closeAll shuts every client down; called on hub shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	n := len(h.clients)
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	metrics.HubClients.Set(0)
	logging.Info().Int("clients_closed", n).Msg("[hub] Stopped")
}

// visibleTo applies role scoping: operators see everything, staff only
// events touching their own schedule.
func visibleTo(ev *models.Event, user models.CurrentUser) bool {
	switch user.Role {
	case models.RoleOperator:
		return true
	case models.RoleTherapist:
		for _, tid := range ev.Appointment.TherapistSet() {
			if tid == user.ID {
				return true
			}
		}
		return false
	case models.RoleDriver:
		return ev.Appointment.DriverID == user.ID
	default:
		return false
	}
}
