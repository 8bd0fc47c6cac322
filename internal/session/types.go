/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session implements the authoritative in-memory group session
// manager: the per-group playback state machine, the ready gate barrier,
// queue mutation, and the apply side of cross-instance snapshot
// reconciliation.
package session

import "time"

// SyncState is the per-group playback state machine state.
type SyncState string

const (
	StateIdle    SyncState = "idle"
	StateWaiting SyncState = "waiting"
	StatePlaying SyncState = "playing"
	StatePaused  SyncState = "paused"
)

// GroupType hints how the group is meant to be driven. Authorization does
// not currently differ between the two: playback control is always host
// only and queue edits are always open to any member.
type GroupType string

const (
	GroupHostFollower  GroupType = "host-follower"
	GroupCollaborative GroupType = "collaborative"
)

// Visibility controls whether the group shows up in public discovery.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// QueueItem is an immutable queue entry. Values are copied into the
// playback queue, never mutated in place.
type QueueItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Duration int    `json:"duration"` // seconds
	Artist   string `json:"artist"`
	Album    string `json:"album"`
}

// Member is one user currently known to a group.
type Member struct {
	UserID   string
	Username string
	IsHost   bool
	JoinedAt time.Time
	Sockets  map[string]struct{}
	IsReady  bool
	LastSeen time.Time
}

// Connected reports whether the member has at least one live socket.
func (m *Member) Connected() bool {
	return len(m.Sockets) > 0
}

// Playback is the shared timeline. PositionMs is the position as of
// LastPositionUpdate, not a live value; use LivePositionMs for that.
type Playback struct {
	Queue              []QueueItem
	CurrentIndex       int
	IsPlaying          bool
	PositionMs         int64
	LastPositionUpdate time.Time
	StateVersion       uint64
}

// CurrentTrack returns the track at CurrentIndex, or nil for an empty queue.
func (p *Playback) CurrentTrack() *QueueItem {
	if len(p.Queue) == 0 || p.CurrentIndex < 0 || p.CurrentIndex >= len(p.Queue) {
		return nil
	}
	return &p.Queue[p.CurrentIndex]
}

// GroupSession is the aggregate root owned by the Manager. All access goes
// through Manager operations; nothing outside this package holds a
// reference to a live GroupSession.
type GroupSession struct {
	ID         string
	Name       string
	JoinCode   string
	GroupType  GroupType
	Visibility Visibility
	HostUserID string
	SyncState  SyncState
	Playback   Playback
	Members    map[string]*Member

	// Ready gate. ReadyUsers is only meaningful while SyncState is
	// StateWaiting. readyGen invalidates stale gate timers.
	ReadyUsers    map[string]struct{}
	readyTimer    TimerHandle
	readyDeadline time.Time
	readyGen      uint64

	Active       bool
	Dirty        bool
	LastActivity time.Time
	CreatedAt    time.Time
}

func (g *GroupSession) connectedCount() int {
	n := 0
	for _, m := range g.Members {
		if m.Connected() {
			n++
		}
	}
	return n
}

// allConnectedReady reports whether every currently connected member has
// reported ready. Vacuously false when nobody is connected.
func (g *GroupSession) allConnectedReady() bool {
	connected := 0
	for _, m := range g.Members {
		if !m.Connected() {
			continue
		}
		connected++
		if _, ok := g.ReadyUsers[m.UserID]; !ok {
			return false
		}
	}
	return connected > 0
}

func (g *GroupSession) clearReadyState() {
	g.ReadyUsers = make(map[string]struct{})
	for _, m := range g.Members {
		m.IsReady = false
	}
}

func (g *GroupSession) stopReadyTimer() {
	if g.readyTimer != nil {
		g.readyTimer.Stop()
		g.readyTimer = nil
	}
	g.readyDeadline = time.Time{}
	g.readyGen++
}
