/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"sort"
	"strings"
	"time"
)

// PlaybackSnapshot is the serialized timeline inside a Snapshot.
// ServerTime anchors PositionMs so receivers can keep the clock running.
type PlaybackSnapshot struct {
	Queue        []QueueItem `json:"queue"`
	CurrentIndex int         `json:"currentIndex"`
	IsPlaying    bool        `json:"isPlaying"`
	PositionMs   int64       `json:"positionMs"`
	ServerTime   int64       `json:"serverTime"`
	StateVersion uint64      `json:"stateVersion"`
	TrackID      string      `json:"trackId"`
}

// MemberSnapshot is one serialized member. JoinedAt is ISO-8601.
type MemberSnapshot struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	IsHost      bool   `json:"isHost"`
	JoinedAt    string `json:"joinedAt"`
	IsConnected bool   `json:"isConnected"`
}

// Snapshot is the fully serializable projection of a group, delivered both
// to clients and to peer instances for reconciliation. ReadyDeadline is
// the epoch-ms gate deadline, set only while syncState is waiting, so a
// receiving instance can re-arm (or immediately release) the gate.
type Snapshot struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	JoinCode      string           `json:"joinCode"`
	GroupType     GroupType        `json:"groupType"`
	Visibility    Visibility       `json:"visibility"`
	IsActive      bool             `json:"isActive"`
	HostUserID    string           `json:"hostUserId"`
	SyncState     SyncState        `json:"syncState"`
	Playback      PlaybackSnapshot `json:"playback"`
	Members       []MemberSnapshot `json:"members"`
	ReadyDeadline int64            `json:"readyDeadline,omitempty"`
}

// snapshotLocked builds a Snapshot for g. Caller holds the manager lock.
func (m *Manager) snapshotLocked(g *GroupSession) Snapshot {
	now := m.now()

	snap := Snapshot{
		ID:         g.ID,
		Name:       g.Name,
		JoinCode:   g.JoinCode,
		GroupType:  g.GroupType,
		Visibility: g.Visibility,
		IsActive:   g.Active,
		HostUserID: g.HostUserID,
		SyncState:  g.SyncState,
		Playback: PlaybackSnapshot{
			Queue:        append([]QueueItem(nil), g.Playback.Queue...),
			CurrentIndex: g.Playback.CurrentIndex,
			IsPlaying:    g.Playback.IsPlaying,
			PositionMs:   LivePositionMs(&g.Playback, now),
			ServerTime:   now.UnixMilli(),
			StateVersion: g.Playback.StateVersion,
		},
		Members: make([]MemberSnapshot, 0, len(g.Members)),
	}

	if track := g.Playback.CurrentTrack(); track != nil {
		snap.Playback.TrackID = track.ID
	}

	if g.SyncState == StateWaiting && !g.readyDeadline.IsZero() {
		snap.ReadyDeadline = g.readyDeadline.UnixMilli()
	}

	for _, member := range g.Members {
		snap.Members = append(snap.Members, MemberSnapshot{
			UserID:      member.UserID,
			Username:    member.Username,
			IsHost:      member.IsHost,
			JoinedAt:    member.JoinedAt.UTC().Format(time.RFC3339),
			IsConnected: member.Connected(),
		})
	}

	// Host first, then join order.
	sort.SliceStable(snap.Members, func(i, j int) bool {
		if snap.Members[i].IsHost != snap.Members[j].IsHost {
			return snap.Members[i].IsHost
		}
		return snap.Members[i].JoinedAt < snap.Members[j].JoinedAt
	})

	return snap
}

func (m *Manager) playbackDeltaLocked(g *GroupSession) PlaybackDelta {
	now := m.now()
	return PlaybackDelta{
		SyncState:    g.SyncState,
		CurrentIndex: g.Playback.CurrentIndex,
		IsPlaying:    g.Playback.IsPlaying,
		PositionMs:   LivePositionMs(&g.Playback, now),
		ServerTime:   now.UnixMilli(),
		StateVersion: g.Playback.StateVersion,
	}
}

// hostCandidate picks the deterministic host transfer target: lowest
// case-insensitive username, ties broken by earliest join time.
func hostCandidate(members map[string]*Member) *Member {
	var best *Member
	for _, m := range members {
		if best == nil {
			best = m
			continue
		}
		a, b := strings.ToLower(m.Username), strings.ToLower(best.Username)
		if a < b || (a == b && m.JoinedAt.Before(best.JoinedAt)) {
			best = m
		}
	}
	return best
}

func parseJoinedAt(value string, fallback time.Time) time.Time {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts
	}
	return fallback
}
