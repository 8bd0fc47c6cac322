/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cluster keeps every instance's group session store eventually
// consistent. Each instance broadcasts a snapshot whenever it changes a
// group's canonical playback; peers validate the envelope and hand the
// snapshot to the session manager's conflict rule. There is no ordering
// or delivery guarantee on the channel; correctness comes entirely from
// the version+time rule being commutative and idempotent.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandemfm/tandem/internal/session"
	"github.com/tandemfm/tandem/internal/telemetry"
)

// MessageTypeGroupSnapshot is the only message type on the channel.
const MessageTypeGroupSnapshot = "group-snapshot"

// Message is the wire envelope carried on the broadcast channel.
type Message struct {
	Type         string           `json:"type"`
	GroupID      string           `json:"groupId"`
	OriginNodeID string           `json:"originNodeId"`
	Snapshot     session.Snapshot `json:"snapshot"`
	TS           int64            `json:"ts"`
}

// Channel is one named broadcast transport carrying UTF-8 JSON payloads.
type Channel interface {
	// Publish sends one payload to every subscriber, including self.
	Publish(ctx context.Context, data []byte) error
	// Subscribe starts delivering payloads to handler until Close.
	Subscribe(handler func(data []byte)) error
	// Close best-effort unsubscribes, then disconnects.
	Close() error
}

// Applier is the session manager surface the reconciler needs.
type Applier interface {
	ApplyExternalSnapshot(snap session.Snapshot)
}

// Reconciler bridges the session manager and the broadcast channel.
// PublishSnapshot never blocks and never surfaces failures into the
// command path; receive-side validation failures are logged and absorbed.
type Reconciler struct {
	channel Channel
	applier Applier
	nodeID  string
	logger  zerolog.Logger

	sendCh chan Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler identified by nodeID, a process-lifetime
// random identifier used to drop self-echoed messages.
func New(channel Channel, applier Applier, nodeID string, logger zerolog.Logger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		channel: channel,
		applier: applier,
		nodeID:  nodeID,
		logger:  logger.With().Str("component", "cluster").Str("node_id", nodeID).Logger(),
		sendCh:  make(chan Message, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the channel and begins draining the publish queue.
func (r *Reconciler) Start() error {
	if err := r.channel.Subscribe(r.handleMessage); err != nil {
		return fmt.Errorf("subscribe cluster channel: %w", err)
	}

	r.wg.Add(1)
	go r.publishLoop()

	r.logger.Info().Msg("cluster reconciler started")
	return nil
}

// PublishSnapshot implements session.Publisher. It enqueues and returns;
// a full queue drops the message, which the next snapshot supersedes.
func (r *Reconciler) PublishSnapshot(groupID string, snap session.Snapshot) {
	msg := Message{
		Type:         MessageTypeGroupSnapshot,
		GroupID:      groupID,
		OriginNodeID: r.nodeID,
		Snapshot:     snap,
		TS:           time.Now().UnixMilli(),
	}
	select {
	case r.sendCh <- msg:
	default:
		r.logger.Warn().Str("group_id", groupID).Msg("publish queue full, dropping snapshot")
	}
}

func (r *Reconciler) publishLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.sendCh:
			data, err := json.Marshal(msg)
			if err != nil {
				r.logger.Error().Err(err).Msg("failed to marshal cluster message")
				continue
			}

			ctx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
			err = r.channel.Publish(ctx, data)
			cancel()
			if err != nil {
				// Publish failures are swallowed; the store stays
				// authoritative locally and a later snapshot catches
				// peers up.
				r.logger.Error().Err(err).Str("group_id", msg.GroupID).Msg("failed to publish snapshot")
				continue
			}
			telemetry.ClusterMessagesPublished.Inc()
		}
	}
}

// handleMessage validates one received payload and applies the snapshot.
// Malformed input is discarded silently at warn level; nothing here may
// ever halt the local command path.
func (r *Reconciler) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		r.logger.Warn().Err(err).Msg("discarding unparseable cluster message")
		telemetry.ClusterMessagesDiscarded.WithLabelValues("parse").Inc()
		return
	}

	switch {
	case msg.Type != MessageTypeGroupSnapshot:
		r.logger.Warn().Str("type", msg.Type).Msg("discarding cluster message of unknown type")
		telemetry.ClusterMessagesDiscarded.WithLabelValues("type").Inc()
		return
	case msg.OriginNodeID == r.nodeID:
		// Self echo.
		return
	case msg.GroupID != msg.Snapshot.ID:
		r.logger.Warn().
			Str("group_id", msg.GroupID).
			Str("snapshot_id", msg.Snapshot.ID).
			Msg("discarding cluster message failing integrity check")
		telemetry.ClusterMessagesDiscarded.WithLabelValues("integrity").Inc()
		return
	}

	r.applier.ApplyExternalSnapshot(msg.Snapshot)
	telemetry.ClusterMessagesApplied.Inc()

	r.logger.Debug().
		Str("group_id", msg.GroupID).
		Str("origin", msg.OriginNodeID).
		Uint64("state_version", msg.Snapshot.Playback.StateVersion).
		Msg("applied peer snapshot")
}

// Close stops the publish loop and closes the channel. Unsubscribe
// failures are ignored.
func (r *Reconciler) Close() error {
	r.cancel()
	r.wg.Wait()
	if err := r.channel.Close(); err != nil {
		r.logger.Error().Err(err).Msg("failed to close cluster channel")
		return err
	}
	r.logger.Info().Msg("cluster reconciler closed")
	return nil
}
