/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager owns the in-memory group session store and is the only way to
// read or mutate a GroupSession. Operations are synchronous and atomic
// with respect to each other: one mutex guards the whole store, no
// operation blocks on I/O, and timers re-enter through the same lock.
type Manager struct {
	mu     sync.Mutex
	groups map[string]*GroupSession

	callbacks Callbacks
	publisher Publisher
	scheduler Scheduler
	logger    zerolog.Logger

	readyGateTimeout time.Duration

	// now is the wall clock, swappable in tests.
	now func() time.Time
}

// Options configures a Manager.
type Options struct {
	Callbacks Callbacks
	Scheduler Scheduler
	// ReadyGateTimeout is how long the ready gate waits for every
	// connected member before force-starting playback anyway.
	ReadyGateTimeout time.Duration
	Logger           zerolog.Logger
}

// DefaultReadyGateTimeout is the barrier window when Options does not
// override it.
const DefaultReadyGateTimeout = 8 * time.Second

// NewManager creates an empty group session store.
func NewManager(opts Options) *Manager {
	if opts.Scheduler == nil {
		opts.Scheduler = NewScheduler()
	}
	if opts.ReadyGateTimeout <= 0 {
		opts.ReadyGateTimeout = DefaultReadyGateTimeout
	}
	return &Manager{
		groups:           make(map[string]*GroupSession),
		callbacks:        opts.Callbacks,
		scheduler:        opts.Scheduler,
		readyGateTimeout: opts.ReadyGateTimeout,
		logger:           opts.Logger.With().Str("component", "session").Logger(),
		now:              time.Now,
	}
}

// SetPublisher attaches the cross-instance snapshot publisher. Must be
// called before the manager starts receiving commands.
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// CreateParams seeds a fresh group. The creator becomes host.
type CreateParams struct {
	ID           string
	Name         string
	JoinCode     string
	GroupType    GroupType
	Visibility   Visibility
	HostUserID   string
	HostUsername string
}

// Create registers a new group with the creator as its only member.
func (m *Manager) Create(p CreateParams) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	g := &GroupSession{
		ID:         p.ID,
		Name:       p.Name,
		JoinCode:   p.JoinCode,
		GroupType:  p.GroupType,
		Visibility: p.Visibility,
		HostUserID: p.HostUserID,
		SyncState:  StateIdle,
		Playback:   Playback{LastPositionUpdate: now},
		Members: map[string]*Member{
			p.HostUserID: {
				UserID:   p.HostUserID,
				Username: p.HostUsername,
				IsHost:   true,
				JoinedAt: now,
				Sockets:  make(map[string]struct{}),
				LastSeen: now,
			},
		},
		ReadyUsers:   make(map[string]struct{}),
		Active:       true,
		Dirty:        true,
		LastActivity: now,
		CreatedAt:    now,
	}
	m.groups[g.ID] = g

	m.logger.Info().Str("group_id", g.ID).Str("host", p.HostUserID).Msg("group created")
	return m.snapshotLocked(g)
}

// HydrateParams restores a persisted group. Playback always starts
// non-playing regardless of the persisted flag: no client is connected yet.
type HydrateParams struct {
	ID           string
	Name         string
	JoinCode     string
	GroupType    GroupType
	Visibility   Visibility
	HostUserID   string
	Queue        []QueueItem
	CurrentIndex int
	PositionMs   int64
	StateVersion uint64
	CreatedAt    time.Time
}

// Hydrate rebuilds a GroupSession from cold storage.
func (m *Manager) Hydrate(p HydrateParams) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	state := StatePaused
	if len(p.Queue) == 0 {
		state = StateIdle
	}

	index := p.CurrentIndex
	if index < 0 || index >= len(p.Queue) {
		index = 0
	}

	g := &GroupSession{
		ID:         p.ID,
		Name:       p.Name,
		JoinCode:   p.JoinCode,
		GroupType:  p.GroupType,
		Visibility: p.Visibility,
		HostUserID: p.HostUserID,
		SyncState:  state,
		Playback: Playback{
			Queue:              append([]QueueItem(nil), p.Queue...),
			CurrentIndex:       index,
			IsPlaying:          false,
			PositionMs:         p.PositionMs,
			LastPositionUpdate: now,
			StateVersion:       p.StateVersion,
		},
		Members:      make(map[string]*Member),
		ReadyUsers:   make(map[string]struct{}),
		Active:       true,
		LastActivity: now,
		CreatedAt:    p.CreatedAt,
	}
	g.Playback.PositionMs = clampPositionMs(&g.Playback, g.Playback.PositionMs)
	m.groups[g.ID] = g

	m.logger.Info().Str("group_id", g.ID).Msg("group hydrated")
	return m.snapshotLocked(g)
}

// Snapshot returns the serialized state of a group.
func (m *Manager) Snapshot(groupID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return Snapshot{}, ErrGroupNotFound
	}
	return m.snapshotLocked(g), nil
}

// Has reports whether the group exists in the store.
func (m *Manager) Has(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.groups[groupID]
	return ok
}

// Count returns the number of resident groups.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// Remove drops a group from the store. The cold path calls this once its
// own cleanup of an ended group completes.
func (m *Manager) Remove(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[groupID]; ok {
		g.stopReadyTimer()
		delete(m.groups, groupID)
	}
}

// DirtyGroups returns snapshots of every group needing persistence.
func (m *Manager) DirtyGroups() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for _, g := range m.groups {
		if g.Dirty {
			out = append(out, m.snapshotLocked(g))
		}
	}
	return out
}

// MarkClean clears the dirty flag after a successful flush.
func (m *Manager) MarkClean(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[groupID]; ok {
		g.Dirty = false
	}
}

// PublicSnapshots lists active public groups for discovery.
func (m *Manager) PublicSnapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for _, g := range m.groups {
		if g.Active && g.Visibility == VisibilityPublic {
			out = append(out, m.snapshotLocked(g))
		}
	}
	return out
}

// CleanupStaleMembers removes members of groupID with no sockets whose
// LastSeen is older than olderThan, returning the removed user ids. An
// unknown group returns an empty result: the sweep runs on a timer and may
// race group teardown.
func (m *Manager) CleanupStaleMembers(groupID string, olderThan time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return nil
	}

	cutoff := m.now().Add(-olderThan)
	var stale []string
	for id, member := range g.Members {
		if !member.Connected() && member.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}

	for _, id := range stale {
		m.removeMemberLocked(g, id)
	}
	return stale
}

// GroupIDs returns the ids of all resident groups.
func (m *Manager) GroupIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	return ids
}
