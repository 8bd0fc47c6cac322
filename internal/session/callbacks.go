/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

// PlaybackDelta describes a playback-only change for connected clients.
type PlaybackDelta struct {
	SyncState    SyncState `json:"syncState"`
	CurrentIndex int       `json:"currentIndex"`
	IsPlaying    bool      `json:"isPlaying"`
	PositionMs   int64     `json:"positionMs"`
	ServerTime   int64     `json:"serverTime"`
	StateVersion uint64    `json:"stateVersion"`
}

// QueueDelta describes a queue mutation for connected clients.
type QueueDelta struct {
	Queue        []QueueItem `json:"queue"`
	CurrentIndex int         `json:"currentIndex"`
	SyncState    SyncState   `json:"syncState"`
	StateVersion uint64      `json:"stateVersion"`
}

// WaitingInfo announces an armed ready gate.
type WaitingInfo struct {
	TrackID      string `json:"trackId"`
	CurrentIndex int    `json:"currentIndex"`
}

// PlayAtInfo releases the ready gate: everyone starts at PositionMs
// relative to the absolute ServerTime.
type PlayAtInfo struct {
	PositionMs   int64  `json:"positionMs"`
	ServerTime   int64  `json:"serverTime"`
	StateVersion uint64 `json:"stateVersion"`
}

// MemberJoinedInfo identifies a new or returning member.
type MemberJoinedInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MemberLeftInfo identifies a departed member and, when host authority
// moved, the new host.
type MemberLeftInfo struct {
	UserID          string `json:"userId"`
	Username        string `json:"username"`
	NewHostUserID   string `json:"newHostUserId,omitempty"`
	NewHostUsername string `json:"newHostUsername,omitempty"`
}

// Callbacks is the injected notification sink the Manager invokes on state
// changes. All fields are optional and advisory; no return value is
// consumed. Callbacks run synchronously under the Manager lock, so sinks
// must hand work off rather than call back into the Manager.
type Callbacks struct {
	OnGroupState    func(groupID string, snap Snapshot)
	OnPlaybackDelta func(groupID string, delta PlaybackDelta)
	OnQueueDelta    func(groupID string, delta QueueDelta)
	OnWaiting       func(groupID string, info WaitingInfo)
	OnPlayAt        func(groupID string, info PlayAtInfo)
	OnMemberJoined  func(groupID string, info MemberJoinedInfo)
	OnMemberLeft    func(groupID string, info MemberLeftInfo)
	OnGroupEnded    func(groupID string, reason string)
}

// Publisher receives canonical snapshots for cross-instance broadcast.
// Implementations must not block and must never propagate failures into
// the command path.
type Publisher interface {
	PublishSnapshot(groupID string, snap Snapshot)
}

func (m *Manager) emitGroupState(g *GroupSession) {
	if m.callbacks.OnGroupState != nil {
		m.callbacks.OnGroupState(g.ID, m.snapshotLocked(g))
	}
}

func (m *Manager) emitPlaybackDelta(g *GroupSession) {
	if m.callbacks.OnPlaybackDelta != nil {
		m.callbacks.OnPlaybackDelta(g.ID, m.playbackDeltaLocked(g))
	}
}

func (m *Manager) emitQueueDelta(g *GroupSession) {
	if m.callbacks.OnQueueDelta != nil {
		m.callbacks.OnQueueDelta(g.ID, QueueDelta{
			Queue:        append([]QueueItem(nil), g.Playback.Queue...),
			CurrentIndex: g.Playback.CurrentIndex,
			SyncState:    g.SyncState,
			StateVersion: g.Playback.StateVersion,
		})
	}
}
