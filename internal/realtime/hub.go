/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package realtime fans session events out to connected websocket clients
// and feeds client commands into the session manager.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandemfm/tandem/internal/session"
)

// Outbound event types.
const (
	eventGroupState    = "group-state"
	eventPlaybackDelta = "playback-delta"
	eventQueueDelta    = "queue-delta"
	eventWaiting       = "waiting-for-ready"
	eventPlayAt        = "play-at"
	eventMemberJoined  = "member-joined"
	eventMemberLeft    = "member-left"
	eventGroupEnded    = "group-ended"
	eventError         = "error"
	eventPing          = "ping"
)

// envelope is the outbound wire frame.
type envelope struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId,omitempty"`
	Payload any    `json:"payload,omitempty"`
	TS      int64  `json:"ts"`
}

type client struct {
	socketID string
	userID   string
	username string
	groupID  string
	send     chan []byte
}

// Hub tracks connected clients per group and broadcasts session events to
// them. Broadcast happens from inside session manager callbacks, which run
// under the manager lock, so every delivery is a non-blocking enqueue.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*client]struct{}
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[*client]struct{}),
		logger: logger.With().Str("component", "realtime").Logger(),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.groups[c.groupID]
	if !ok {
		clients = make(map[*client]struct{})
		h.groups[c.groupID] = clients
	}
	clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.groups[c.groupID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.groups, c.groupID)
		}
	}
}

// broadcast enqueues one event to every client attached to the group. A
// client with a full send buffer misses the event; the periodic full
// snapshot heals it.
func (h *Hub) broadcast(groupID, eventType string, payload any) {
	data, err := json.Marshal(envelope{
		Type:    eventType,
		GroupID: groupID,
		Payload: payload,
		TS:      time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("event", eventType).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.groups[groupID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn().
				Str("group_id", groupID).
				Str("socket_id", c.socketID).
				Str("username", c.username).
				Str("event", eventType).
				Msg("send buffer full, dropping event")
		}
	}
}

// Callbacks returns the session callback sink backed by this hub.
func (h *Hub) Callbacks() session.Callbacks {
	return session.Callbacks{
		OnGroupState: func(groupID string, snap session.Snapshot) {
			h.broadcast(groupID, eventGroupState, snap)
		},
		OnPlaybackDelta: func(groupID string, delta session.PlaybackDelta) {
			h.broadcast(groupID, eventPlaybackDelta, delta)
		},
		OnQueueDelta: func(groupID string, delta session.QueueDelta) {
			h.broadcast(groupID, eventQueueDelta, delta)
		},
		OnWaiting: func(groupID string, info session.WaitingInfo) {
			h.broadcast(groupID, eventWaiting, info)
		},
		OnPlayAt: func(groupID string, info session.PlayAtInfo) {
			h.broadcast(groupID, eventPlayAt, info)
		},
		OnMemberJoined: func(groupID string, info session.MemberJoinedInfo) {
			h.broadcast(groupID, eventMemberJoined, info)
		},
		OnMemberLeft: func(groupID string, info session.MemberLeftInfo) {
			h.broadcast(groupID, eventMemberLeft, info)
		},
		OnGroupEnded: func(groupID string, reason string) {
			h.broadcast(groupID, eventGroupEnded, map[string]string{"reason": reason})
		},
	}
}
