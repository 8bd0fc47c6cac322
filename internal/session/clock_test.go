package session

import (
	"testing"
	"time"
)

func TestLivePositionAdvancesWhilePlaying(t *testing.T) {
	start := time.Now()
	pb := &Playback{
		Queue:              []QueueItem{{ID: "A", Duration: 180}},
		IsPlaying:          true,
		PositionMs:         10000,
		LastPositionUpdate: start,
	}

	if got := LivePositionMs(pb, start.Add(5*time.Second)); got != 15000 {
		t.Fatalf("expected 15000, got %d", got)
	}
}

func TestLivePositionFrozenWhilePaused(t *testing.T) {
	start := time.Now()
	pb := &Playback{
		Queue:              []QueueItem{{ID: "A", Duration: 180}},
		IsPlaying:          false,
		PositionMs:         10000,
		LastPositionUpdate: start,
	}

	if got := LivePositionMs(pb, start.Add(time.Hour)); got != 10000 {
		t.Fatalf("expected 10000, got %d", got)
	}
}

func TestLivePositionClampsToDuration(t *testing.T) {
	start := time.Now()
	pb := &Playback{
		Queue:              []QueueItem{{ID: "A", Duration: 60}},
		IsPlaying:          true,
		PositionMs:         55000,
		LastPositionUpdate: start,
	}

	if got := LivePositionMs(pb, start.Add(time.Minute)); got != 60000 {
		t.Fatalf("expected clamp to 60000, got %d", got)
	}
}

func TestLivePositionEmptyQueueIsZero(t *testing.T) {
	pb := &Playback{IsPlaying: true, PositionMs: 5000, LastPositionUpdate: time.Now()}
	if got := LivePositionMs(pb, time.Now().Add(time.Second)); got != 0 {
		t.Fatalf("expected 0 for empty queue, got %d", got)
	}
}

func TestSnapshotMembersSortedHostFirst(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Join(id, "u1", "zoe")
	m.now = func() time.Time { return base.Add(time.Second) }
	m.Join(id, "u2", "adam")

	snap, _ := m.Snapshot(id)
	if len(snap.Members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(snap.Members))
	}
	if !snap.Members[0].IsHost {
		t.Fatal("host must sort first")
	}
	if snap.Members[1].UserID != "u1" || snap.Members[2].UserID != "u2" {
		t.Fatalf("non-hosts must sort by join time: %+v", snap.Members)
	}
}
