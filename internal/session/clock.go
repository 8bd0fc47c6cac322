/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import "time"

// LivePositionMs converts the persisted (positionMs, lastPositionUpdate,
// isPlaying) triple into the position as of now, clamped to the current
// track duration. Pure function, safe on a zero Playback.
func LivePositionMs(p *Playback, now time.Time) int64 {
	pos := p.PositionMs
	if p.IsPlaying && !p.LastPositionUpdate.IsZero() {
		pos += now.Sub(p.LastPositionUpdate).Milliseconds()
	}
	return clampPositionMs(p, pos)
}

// clampPositionMs bounds pos to [0, track duration in ms]. An empty queue
// always clamps to zero.
func clampPositionMs(p *Playback, pos int64) int64 {
	track := p.CurrentTrack()
	if track == nil {
		return 0
	}
	if pos < 0 {
		return 0
	}
	if max := int64(track.Duration) * 1000; pos > max {
		return max
	}
	return pos
}
