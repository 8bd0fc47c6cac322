/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tandemfm/tandem/internal/events"
)

// WatchGroupLifecycle consumes group lifecycle events from the in-process
// bus, counting them and emitting structured audit logs. Blocks until ctx
// is cancelled.
func WatchGroupLifecycle(ctx context.Context, bus *events.Bus, logger zerolog.Logger) {
	log := logger.With().Str("component", "lifecycle").Logger()

	watched := []events.EventType{
		events.EventGroupCreated,
		events.EventGroupEnded,
		events.EventMemberJoined,
		events.EventMemberLeft,
	}

	type subscription struct {
		event events.EventType
		ch    events.Subscriber
	}
	subs := make([]subscription, 0, len(watched))
	for _, event := range watched {
		subs = append(subs, subscription{event: event, ch: bus.Subscribe(event)})
	}
	defer func() {
		for _, sub := range subs {
			bus.Unsubscribe(sub.event, sub.ch)
		}
	}()

	observe := func(event events.EventType, payload events.Payload) {
		GroupLifecycleEvents.WithLabelValues(string(event)).Inc()
		entry := log.Info().Str("event", string(event))
		for key, value := range payload {
			entry = entry.Interface(key, value)
		}
		entry.Msg("group lifecycle event")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-subs[0].ch:
			observe(subs[0].event, p)
		case p := <-subs[1].ch:
			observe(subs[1].event, p)
		case p := <-subs[2].ch:
			observe(subs[2].event, p)
		case p := <-subs[3].ch:
			observe(subs[3].event, p)
		}
	}
}
