// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

// Package bus distributes normalized events from the upstream connection
// to its in-process consumers (cache reconciler, dashboard hub) over a
// Watermill gochannel Pub/Sub. Every subscriber receives its own copy of
// each event; there is no broker and no durability, matching the cache's
// invalidate-and-refetch recovery model.
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/serenova/dashsync/internal/models"
)

// TopicAppointmentEvents carries canonical appointment events.
const TopicAppointmentEvents = "appointments.events"

// Bus wraps the in-process Pub/Sub.
type Bus struct {
	pubSub *gochannel.GoChannel
}

// New creates the in-process event bus.
func New() *Bus {
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{
				// Buffer absorbs bursts from the socket reader without
				// blocking it while consumers catch up.
				OutputChannelBuffer: 256,
			},
			newWatermillLogger(),
		),
	}
}

// PublishEvent publishes a canonical event to every subscriber.
func (b *Bus) PublishEvent(ev *models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubSub.Publish(TopicAppointmentEvents, msg)
}

// SubscribeEvents returns a channel of raw messages for the event topic.
// The subscription is closed when ctx is canceled.
func (b *Bus) SubscribeEvents(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubSub.Subscribe(ctx, TopicAppointmentEvents)
}

// Close shuts down the Pub/Sub and closes all subscriber channels.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}

// DecodeEvent unmarshals a bus message back into the canonical event.
func DecodeEvent(msg *message.Message) (*models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}
