/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import "time"

// Queue mutation actions. Reorder is intentionally unsupported.
const (
	QueueAdd        = "add"
	QueueRemove     = "remove"
	QueueInsertNext = "insert-next"
	QueueClear      = "clear"
	QueueReorder    = "reorder"
)

// QueueAction describes one queue mutation request.
type QueueAction struct {
	Action string      `json:"action"`
	Items  []QueueItem `json:"items,omitempty"`
	Index  int         `json:"index"`
}

func (m *Manager) lookupLocked(groupID string) (*GroupSession, error) {
	g, ok := m.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g, nil
}

func (m *Manager) memberLocked(g *GroupSession, userID string) (*Member, error) {
	member, ok := g.Members[userID]
	if !ok {
		return nil, ErrNotMember
	}
	return member, nil
}

func (m *Manager) hostLocked(g *GroupSession, userID string) (*Member, error) {
	member, err := m.memberLocked(g, userID)
	if err != nil {
		return nil, err
	}
	if !member.IsHost {
		return nil, ErrNotHost
	}
	return member, nil
}

func (m *Manager) touchLocked(g *GroupSession) {
	g.LastActivity = m.now()
	g.Dirty = true
}

func (m *Manager) publishLocked(g *GroupSession) {
	if m.publisher != nil {
		m.publisher.PublishSnapshot(g.ID, m.snapshotLocked(g))
	}
}

// Play starts playback. Host only. While the ready gate is open this is a
// defined no-op: the current delta is returned without touching state.
func (m *Manager) Play(groupID, userID string) (PlaybackDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return PlaybackDelta{}, err
	}
	if _, err := m.hostLocked(g, userID); err != nil {
		return PlaybackDelta{}, err
	}
	if g.SyncState == StateWaiting {
		return m.playbackDeltaLocked(g), nil
	}
	if len(g.Playback.Queue) == 0 {
		return PlaybackDelta{}, ErrEmptyQueue
	}

	now := m.now()
	g.Playback.PositionMs = LivePositionMs(&g.Playback, now)
	g.Playback.IsPlaying = true
	g.Playback.LastPositionUpdate = now
	g.Playback.StateVersion++
	g.SyncState = StatePlaying
	m.touchLocked(g)

	m.emitPlaybackDelta(g)
	m.publishLocked(g)
	return m.playbackDeltaLocked(g), nil
}

// Pause stops playback, folding elapsed wall clock time into PositionMs.
// Host only; no-op while the ready gate is open.
func (m *Manager) Pause(groupID, userID string) (PlaybackDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return PlaybackDelta{}, err
	}
	if _, err := m.hostLocked(g, userID); err != nil {
		return PlaybackDelta{}, err
	}
	if g.SyncState == StateWaiting {
		return m.playbackDeltaLocked(g), nil
	}
	if len(g.Playback.Queue) == 0 {
		return PlaybackDelta{}, ErrEmptyQueue
	}

	now := m.now()
	g.Playback.PositionMs = LivePositionMs(&g.Playback, now)
	g.Playback.IsPlaying = false
	g.Playback.LastPositionUpdate = now
	g.Playback.StateVersion++
	g.SyncState = StatePaused
	m.touchLocked(g)

	m.emitPlaybackDelta(g)
	m.publishLocked(g)
	return m.playbackDeltaLocked(g), nil
}

// Seek moves the playhead, clamped to the current track duration. Host
// only; no-op while the ready gate is open.
func (m *Manager) Seek(groupID, userID string, positionMs int64) (PlaybackDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return PlaybackDelta{}, err
	}
	if _, err := m.hostLocked(g, userID); err != nil {
		return PlaybackDelta{}, err
	}
	if g.SyncState == StateWaiting {
		return m.playbackDeltaLocked(g), nil
	}
	if len(g.Playback.Queue) == 0 {
		return PlaybackDelta{}, ErrEmptyQueue
	}

	g.Playback.PositionMs = clampPositionMs(&g.Playback, positionMs)
	g.Playback.LastPositionUpdate = m.now()
	g.Playback.StateVersion++
	m.touchLocked(g)

	m.emitPlaybackDelta(g)
	m.publishLocked(g)
	return m.playbackDeltaLocked(g), nil
}

// SetTrack selects a queue index. Host only. With more than one connected
// member and a real index change it opens the ready gate barrier instead
// of starting immediately.
func (m *Manager) SetTrack(groupID, userID string, index int, autoPlay bool) (PlaybackDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return PlaybackDelta{}, err
	}
	if _, err := m.hostLocked(g, userID); err != nil {
		return PlaybackDelta{}, err
	}
	return m.setTrackLocked(g, index, autoPlay)
}

func (m *Manager) setTrackLocked(g *GroupSession, index int, autoPlay bool) (PlaybackDelta, error) {
	if g.SyncState == StateWaiting {
		return PlaybackDelta{}, ErrTrackChangeInFlight
	}
	if len(g.Playback.Queue) == 0 {
		return PlaybackDelta{}, ErrEmptyQueue
	}

	if index < 0 {
		index = 0
	}
	if index >= len(g.Playback.Queue) {
		index = len(g.Playback.Queue) - 1
	}
	sameTrack := index == g.Playback.CurrentIndex

	now := m.now()
	g.Playback.CurrentIndex = index
	g.Playback.PositionMs = 0
	g.Playback.IsPlaying = false
	g.Playback.LastPositionUpdate = now
	g.Playback.StateVersion++
	m.touchLocked(g)

	if g.connectedCount() <= 1 || sameTrack {
		// Nobody to wait for, or no real change: skip the barrier.
		if autoPlay {
			g.Playback.IsPlaying = true
			g.SyncState = StatePlaying
		} else {
			g.SyncState = StatePaused
		}
		m.emitPlaybackDelta(g)
		m.emitGroupState(g)
		m.publishLocked(g)
		return m.playbackDeltaLocked(g), nil
	}

	m.armGateLocked(g)

	if m.callbacks.OnWaiting != nil {
		info := WaitingInfo{CurrentIndex: index}
		if track := g.Playback.CurrentTrack(); track != nil {
			info.TrackID = track.ID
		}
		m.callbacks.OnWaiting(g.ID, info)
	}
	m.emitGroupState(g)
	m.publishLocked(g)
	return m.playbackDeltaLocked(g), nil
}

// Next advances to the following track, wrapping at the queue end.
func (m *Manager) Next(groupID, userID string) (PlaybackDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return PlaybackDelta{}, err
	}
	if _, err := m.hostLocked(g, userID); err != nil {
		return PlaybackDelta{}, err
	}
	if len(g.Playback.Queue) == 0 {
		return PlaybackDelta{}, ErrEmptyQueue
	}

	target := (g.Playback.CurrentIndex + 1) % len(g.Playback.Queue)
	return m.setTrackLocked(g, target, true)
}

// Previous moves back one track, wrapping at the queue start. More than
// 3 seconds into the current track it restarts that track instead.
func (m *Manager) Previous(groupID, userID string) (PlaybackDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return PlaybackDelta{}, err
	}
	if _, err := m.hostLocked(g, userID); err != nil {
		return PlaybackDelta{}, err
	}
	if len(g.Playback.Queue) == 0 {
		return PlaybackDelta{}, ErrEmptyQueue
	}

	target := g.Playback.CurrentIndex
	if LivePositionMs(&g.Playback, m.now()) <= 3000 {
		target = (g.Playback.CurrentIndex - 1 + len(g.Playback.Queue)) % len(g.Playback.Queue)
	}
	return m.setTrackLocked(g, target, true)
}

// ReportReady records a member's buffering acknowledgement while the ready
// gate is open. Returns true when this call released the gate.
func (m *Manager) ReportReady(groupID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return false, err
	}
	member, err := m.memberLocked(g, userID)
	if err != nil {
		return false, err
	}
	if g.SyncState != StateWaiting {
		return false, nil
	}

	g.ReadyUsers[userID] = struct{}{}
	member.IsReady = true
	member.LastSeen = m.now()

	if g.allConnectedReady() {
		m.forcePlayLocked(g)
		return true, nil
	}
	return false, nil
}

// ModifyQueue applies a queue mutation. Any member may edit the queue;
// only reorder is rejected.
func (m *Manager) ModifyQueue(groupID, userID string, action QueueAction) (QueueDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return QueueDelta{}, err
	}
	if _, err := m.memberLocked(g, userID); err != nil {
		return QueueDelta{}, err
	}

	// Fold the live position before anything moves the anchor, so a queue
	// edit during playback never rewinds the group to a stale PositionMs.
	now := m.now()
	pb := &g.Playback
	pb.PositionMs = LivePositionMs(pb, now)
	wasWaiting := g.SyncState == StateWaiting

	switch action.Action {
	case QueueAdd:
		wasEmpty := len(pb.Queue) == 0
		pb.Queue = append(pb.Queue, action.Items...)
		if wasEmpty && len(pb.Queue) > 0 {
			m.seedFirstTrackLocked(g)
		}

	case QueueRemove:
		if action.Index < 0 || action.Index >= len(pb.Queue) {
			return QueueDelta{}, ErrIndexOutOfRange
		}
		pb.Queue = append(pb.Queue[:action.Index], pb.Queue[action.Index+1:]...)
		switch {
		case len(pb.Queue) == 0:
			m.resetEmptyQueueLocked(g)
		case action.Index < pb.CurrentIndex:
			pb.CurrentIndex--
		case action.Index == pb.CurrentIndex:
			if pb.CurrentIndex >= len(pb.Queue) {
				pb.CurrentIndex = len(pb.Queue) - 1
			}
			pb.PositionMs = 0
			pb.IsPlaying = false
			g.SyncState = StatePaused
		}

	case QueueInsertNext:
		if len(pb.Queue) == 0 {
			pb.Queue = append(pb.Queue, action.Items...)
			if len(pb.Queue) > 0 {
				m.seedFirstTrackLocked(g)
			}
		} else {
			at := pb.CurrentIndex + 1
			rest := append([]QueueItem(nil), pb.Queue[at:]...)
			pb.Queue = append(pb.Queue[:at], action.Items...)
			pb.Queue = append(pb.Queue, rest...)
		}

	case QueueClear:
		pb.Queue = nil
		m.resetEmptyQueueLocked(g)

	case QueueReorder:
		return QueueDelta{}, ErrReorderDisabled

	default:
		return QueueDelta{}, &Error{Code: CodeInvalid, Message: "unknown queue action"}
	}

	if wasWaiting && g.SyncState != StateWaiting {
		g.stopReadyTimer()
		g.clearReadyState()
	}

	pb.LastPositionUpdate = now
	pb.StateVersion++
	m.touchLocked(g)

	delta := QueueDelta{
		Queue:        append([]QueueItem(nil), pb.Queue...),
		CurrentIndex: pb.CurrentIndex,
		SyncState:    g.SyncState,
		StateVersion: pb.StateVersion,
	}
	m.emitQueueDelta(g)
	m.publishLocked(g)
	return delta, nil
}

func (m *Manager) seedFirstTrackLocked(g *GroupSession) {
	g.Playback.CurrentIndex = 0
	g.Playback.PositionMs = 0
	g.Playback.IsPlaying = false
	g.SyncState = StatePaused
}

func (m *Manager) resetEmptyQueueLocked(g *GroupSession) {
	g.Playback.CurrentIndex = 0
	g.Playback.PositionMs = 0
	g.Playback.IsPlaying = false
	g.SyncState = StateIdle
}

// EndGroup ends the group on the host's request. The group stays resident
// until the cold path finishes its cleanup and calls Remove.
func (m *Manager) EndGroup(groupID, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return err
	}
	if _, err := m.hostLocked(g, userID); err != nil {
		return err
	}
	m.endLocked(g, reason)
	return nil
}

// ForceEnd ends the group unconditionally (system triggered).
func (m *Manager) ForceEnd(groupID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return err
	}
	m.endLocked(g, reason)
	return nil
}

func (m *Manager) endLocked(g *GroupSession, reason string) {
	g.stopReadyTimer()
	g.clearReadyState()

	now := m.now()
	g.Playback.PositionMs = LivePositionMs(&g.Playback, now)
	g.Playback.IsPlaying = false
	g.Playback.LastPositionUpdate = now
	g.Playback.StateVersion++
	g.SyncState = StateIdle
	g.Active = false
	m.touchLocked(g)

	m.logger.Info().Str("group_id", g.ID).Str("reason", reason).Msg("group ended")
	if m.callbacks.OnGroupEnded != nil {
		m.callbacks.OnGroupEnded(g.ID, reason)
	}
	m.publishLocked(g)
}

// Join adds userID as a non-host member, or refreshes presence for an
// existing member.
func (m *Manager) Join(groupID, userID, username string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return Snapshot{}, err
	}

	now := m.now()
	if member, ok := g.Members[userID]; ok {
		member.LastSeen = now
		member.Username = username
		m.emitGroupState(g)
		return m.snapshotLocked(g), nil
	}

	member := &Member{
		UserID:   userID,
		Username: username,
		JoinedAt: now,
		Sockets:  make(map[string]struct{}),
		LastSeen: now,
	}
	if len(g.Members) == 0 {
		member.IsHost = true
		g.HostUserID = userID
	}
	g.Members[userID] = member
	g.Playback.StateVersion++
	m.touchLocked(g)

	if m.callbacks.OnMemberJoined != nil {
		m.callbacks.OnMemberJoined(g.ID, MemberJoinedInfo{UserID: userID, Username: username})
	}
	m.emitGroupState(g)
	m.publishLocked(g)
	return m.snapshotLocked(g), nil
}

// Leave removes userID from the group, transferring host authority when
// needed and auto-disbanding on the last departure.
func (m *Manager) Leave(groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return err
	}
	if _, err := m.memberLocked(g, userID); err != nil {
		return err
	}
	m.removeMemberLocked(g, userID)
	return nil
}

func (m *Manager) removeMemberLocked(g *GroupSession, userID string) {
	member := g.Members[userID]
	delete(g.Members, userID)
	delete(g.ReadyUsers, userID)

	info := MemberLeftInfo{UserID: member.UserID, Username: member.Username}

	if len(g.Members) == 0 {
		// A group with zero members does not exist. DB cleanup is the
		// cold path's job; the in-memory record goes now.
		g.stopReadyTimer()
		g.Active = false
		g.Playback.IsPlaying = false
		g.SyncState = StateIdle
		g.Playback.StateVersion++

		if m.callbacks.OnMemberLeft != nil {
			m.callbacks.OnMemberLeft(g.ID, info)
		}
		if m.callbacks.OnGroupEnded != nil {
			m.callbacks.OnGroupEnded(g.ID, "empty")
		}
		m.publishLocked(g)
		delete(m.groups, g.ID)
		m.logger.Info().Str("group_id", g.ID).Msg("group disbanded, last member left")
		return
	}

	if member.IsHost {
		next := hostCandidate(g.Members)
		next.IsHost = true
		g.HostUserID = next.UserID
		info.NewHostUserID = next.UserID
		info.NewHostUsername = next.Username
		m.logger.Info().
			Str("group_id", g.ID).
			Str("new_host", next.UserID).
			Msg("host transferred")
	}

	g.Playback.StateVersion++
	m.touchLocked(g)

	if m.callbacks.OnMemberLeft != nil {
		m.callbacks.OnMemberLeft(g.ID, info)
	}
	m.emitGroupState(g)

	// A straggler leaving must not block the gate for everyone else.
	if g.SyncState == StateWaiting && g.allConnectedReady() {
		m.forcePlayLocked(g)
		return
	}
	m.publishLocked(g)
}

// AddSocket registers a transport connection for a member. The 0 to 1
// presence transition rebroadcasts full state so connection dots update.
func (m *Manager) AddSocket(groupID, userID, socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return err
	}
	member, err := m.memberLocked(g, userID)
	if err != nil {
		return err
	}

	wasConnected := member.Connected()
	member.Sockets[socketID] = struct{}{}
	member.LastSeen = m.now()
	g.LastActivity = m.now()

	if !wasConnected {
		m.emitGroupState(g)
	}
	return nil
}

// RemoveSocket drops a transport connection. A member reaching zero
// sockets while the gate is open re-checks the gate.
func (m *Manager) RemoveSocket(groupID, userID, socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.lookupLocked(groupID)
	if err != nil {
		return err
	}
	member, err := m.memberLocked(g, userID)
	if err != nil {
		return err
	}

	wasConnected := member.Connected()
	delete(member.Sockets, socketID)
	member.LastSeen = m.now()

	if wasConnected && !member.Connected() {
		m.emitGroupState(g)
		if g.SyncState == StateWaiting && g.allConnectedReady() {
			m.forcePlayLocked(g)
		}
	}
	return nil
}

// armGateLocked opens the ready gate barrier for g.
func (m *Manager) armGateLocked(g *GroupSession) {
	g.stopReadyTimer()
	g.clearReadyState()
	g.SyncState = StateWaiting
	g.readyDeadline = m.now().Add(m.readyGateTimeout)

	gen := g.readyGen
	groupID := g.ID
	g.readyTimer = m.scheduler.After(m.readyGateTimeout, func() {
		m.gateTimeout(groupID, gen)
	})
}

// armGateUntilLocked opens the gate with an explicit deadline, used when
// adopting a waiting snapshot from another instance.
func (m *Manager) armGateUntilLocked(g *GroupSession, deadline time.Time) {
	g.stopReadyTimer()
	g.SyncState = StateWaiting
	g.readyDeadline = deadline

	gen := g.readyGen
	groupID := g.ID
	g.readyTimer = m.scheduler.After(deadline.Sub(m.now()), func() {
		m.gateTimeout(groupID, gen)
	})
}

// gateTimeout fires when the ready window elapses. Forward progress wins
// over full consensus: playback force-starts for whoever is there.
func (m *Manager) gateTimeout(groupID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok || g.SyncState != StateWaiting || g.readyGen != gen {
		return
	}
	g.readyTimer = nil
	m.logger.Debug().Str("group_id", groupID).Msg("ready gate timed out, force starting")
	m.forcePlayLocked(g)
}

// forcePlayLocked releases the ready gate and starts playback at zero.
func (m *Manager) forcePlayLocked(g *GroupSession) {
	g.stopReadyTimer()
	g.clearReadyState()

	now := m.now()
	g.Playback.PositionMs = 0
	g.Playback.IsPlaying = true
	g.Playback.LastPositionUpdate = now
	g.Playback.StateVersion++
	g.SyncState = StatePlaying
	m.touchLocked(g)

	if m.callbacks.OnPlayAt != nil {
		m.callbacks.OnPlayAt(g.ID, PlayAtInfo{
			PositionMs:   0,
			ServerTime:   now.UnixMilli(),
			StateVersion: g.Playback.StateVersion,
		})
	}
	m.emitGroupState(g)
	m.publishLocked(g)
}
