/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import "time"

// ApplyExternalSnapshot adopts a snapshot broadcast by another instance.
// This is a silent state adoption, not a local command: mutation style
// callbacks (deltas, waiting, play-at, member joined/left) never fire.
// Locally connected clients learn the adopted state through a single full
// state broadcast.
//
// Conflict rule: a higher incoming stateVersion always wins, a lower one
// is always stale and discarded, and an equal version wins only when the
// incoming server time is not behind the local position clock. The rule is
// commutative and idempotent; applying the same or an older snapshot twice
// is a no-op on playback. Membership is replaced either way, with local
// socket presence carried over since the peer cannot know it.
func (m *Manager) ApplyExternalSnapshot(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists := m.groups[snap.ID]

	if !exists {
		if !snap.IsActive {
			// Nothing local to end.
			return
		}
		g = &GroupSession{
			ID:         snap.ID,
			Members:    make(map[string]*Member),
			ReadyUsers: make(map[string]struct{}),
			CreatedAt:  m.now(),
		}
		m.groups[snap.ID] = g
	}

	incomingWins := !exists ||
		snap.Playback.StateVersion > g.Playback.StateVersion ||
		(snap.Playback.StateVersion == g.Playback.StateVersion &&
			snap.Playback.ServerTime >= g.Playback.LastPositionUpdate.UnixMilli())

	if incomingWins {
		g.Name = snap.Name
		g.JoinCode = snap.JoinCode
		g.GroupType = snap.GroupType
		g.Visibility = snap.Visibility
		g.Active = snap.IsActive
		g.HostUserID = snap.HostUserID
		g.SyncState = snap.SyncState
		g.Playback.Queue = append([]QueueItem(nil), snap.Playback.Queue...)
		g.Playback.CurrentIndex = snap.Playback.CurrentIndex
		g.Playback.IsPlaying = snap.Playback.IsPlaying
		g.Playback.PositionMs = snap.Playback.PositionMs
		g.Playback.StateVersion = snap.Playback.StateVersion
		// Anchor the clock at the peer's server time so live position
		// keeps advancing correctly from here.
		g.Playback.LastPositionUpdate = time.UnixMilli(snap.Playback.ServerTime)
		g.Dirty = true
	}

	m.replaceMembersLocked(g, snap.Members)

	if g.SyncState == StateWaiting {
		m.reconcileGateLocked(g, snap)
	} else {
		g.stopReadyTimer()
		g.clearReadyState()
	}

	g.LastActivity = m.now()
	m.emitGroupState(g)

	if !g.Active {
		g.stopReadyTimer()
		delete(m.groups, g.ID)
	}
}

// replaceMembersLocked swaps membership for the incoming list, keeping
// each matching member's socket set: connection state is a purely local
// fact the other instance cannot know.
func (m *Manager) replaceMembersLocked(g *GroupSession, incoming []MemberSnapshot) {
	now := m.now()
	members := make(map[string]*Member, len(incoming))
	for _, ms := range incoming {
		member := &Member{
			UserID:   ms.UserID,
			Username: ms.Username,
			IsHost:   ms.IsHost,
			JoinedAt: parseJoinedAt(ms.JoinedAt, now),
			Sockets:  make(map[string]struct{}),
			LastSeen: now,
		}
		if prev, ok := g.Members[ms.UserID]; ok {
			member.Sockets = prev.Sockets
			member.IsReady = prev.IsReady
			member.LastSeen = prev.LastSeen
		}
		members[ms.UserID] = member
	}
	g.Members = members

	// Ready reports from members no longer present are dropped.
	for userID := range g.ReadyUsers {
		if _, ok := members[userID]; !ok {
			delete(g.ReadyUsers, userID)
		}
	}
}

// reconcileGateLocked re-arms the ready gate after adopting a waiting
// snapshot. An already expired incoming deadline force-starts playback
// immediately rather than arming a timer that would fire in the past; a
// local deadline still in the future is preserved rather than reset.
func (m *Manager) reconcileGateLocked(g *GroupSession, snap Snapshot) {
	now := m.now()

	if g.readyTimer != nil && g.readyDeadline.After(now) {
		return
	}

	deadline := time.UnixMilli(snap.ReadyDeadline)
	if snap.ReadyDeadline == 0 {
		deadline = now.Add(m.readyGateTimeout)
	}

	if !deadline.After(now) {
		m.forcePlayLocked(g)
		return
	}
	m.armGateUntilLocked(g, deadline)
}
