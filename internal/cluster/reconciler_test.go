package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tandemfm/tandem/internal/session"
)

// memoryChannel is an in-process Channel that fan-outs every publish to
// all subscribed handlers, including the publisher's own.
type memoryChannel struct {
	mu       sync.Mutex
	handlers []func([]byte)
	closed   bool
}

func (c *memoryChannel) Publish(_ context.Context, data []byte) error {
	c.mu.Lock()
	handlers := append(([]func([]byte))(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(append([]byte(nil), data...))
	}
	return nil
}

func (c *memoryChannel) Subscribe(handler func(data []byte)) error {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
	return nil
}

func (c *memoryChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.handlers = nil
	c.mu.Unlock()
	return nil
}

type recordingApplier struct {
	mu    sync.Mutex
	snaps []session.Snapshot
}

func (a *recordingApplier) ApplyExternalSnapshot(snap session.Snapshot) {
	a.mu.Lock()
	a.snaps = append(a.snaps, snap)
	a.mu.Unlock()
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.snaps)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testSnapshot(id string, version uint64) session.Snapshot {
	return session.Snapshot{
		ID:        id,
		IsActive:  true,
		SyncState: session.StatePaused,
		Playback: session.PlaybackSnapshot{
			Queue:        []session.QueueItem{{ID: "trk", Duration: 120}},
			StateVersion: version,
			ServerTime:   time.Now().UnixMilli(),
		},
	}
}

func TestReconcilerDeliversBetweenNodes(t *testing.T) {
	channel := &memoryChannel{}
	applierA := &recordingApplier{}
	applierB := &recordingApplier{}

	nodeA := New(channel, applierA, "node-a", zerolog.Nop())
	nodeB := New(channel, applierB, "node-b", zerolog.Nop())
	if err := nodeA.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := nodeB.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer nodeA.Close()
	defer nodeB.Close()

	nodeA.PublishSnapshot("g1", testSnapshot("g1", 3))

	waitFor(t, func() bool { return applierB.count() == 1 })

	// Origin node must not apply its own echo.
	if applierA.count() != 0 {
		t.Fatalf("self echo applied %d times", applierA.count())
	}
}

func TestReconcilerDiscardsMalformedMessages(t *testing.T) {
	channel := &memoryChannel{}
	applier := &recordingApplier{}
	node := New(channel, applier, "node-a", zerolog.Nop())
	if err := node.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer node.Close()

	// Not JSON.
	_ = channel.Publish(context.Background(), []byte("{nope"))

	// Wrong type tag.
	wrongType, _ := json.Marshal(Message{Type: "other", GroupID: "g1", OriginNodeID: "peer", Snapshot: testSnapshot("g1", 1)})
	_ = channel.Publish(context.Background(), wrongType)

	// Integrity failure: envelope group id disagrees with the snapshot.
	mismatch, _ := json.Marshal(Message{Type: MessageTypeGroupSnapshot, GroupID: "g2", OriginNodeID: "peer", Snapshot: testSnapshot("g1", 1)})
	_ = channel.Publish(context.Background(), mismatch)

	// A valid message still gets through afterwards.
	valid, _ := json.Marshal(Message{Type: MessageTypeGroupSnapshot, GroupID: "g1", OriginNodeID: "peer", Snapshot: testSnapshot("g1", 1), TS: time.Now().UnixMilli()})
	_ = channel.Publish(context.Background(), valid)

	waitFor(t, func() bool { return applier.count() == 1 })
}

func TestReconcilerEndToEndWithManagers(t *testing.T) {
	channel := &memoryChannel{}

	managerA := session.NewManager(session.Options{Logger: zerolog.Nop()})
	managerB := session.NewManager(session.Options{Logger: zerolog.Nop()})

	nodeA := New(channel, managerA, "node-a", zerolog.Nop())
	nodeB := New(channel, managerB, "node-b", zerolog.Nop())
	if err := nodeA.Start(); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := nodeB.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer nodeA.Close()
	defer nodeB.Close()

	managerA.SetPublisher(nodeA)
	managerB.SetPublisher(nodeB)

	managerA.Create(session.CreateParams{
		ID:           "g1",
		Name:         "Shared",
		HostUserID:   "host",
		HostUsername: "hannah",
	})
	if _, err := managerA.ModifyQueue("g1", "host", session.QueueAction{
		Action: session.QueueAdd,
		Items:  []session.QueueItem{{ID: "trk", Title: "T", Duration: 200}},
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := managerA.Play("g1", "host"); err != nil {
		t.Fatalf("play: %v", err)
	}

	waitFor(t, func() bool {
		snap, err := managerB.Snapshot("g1")
		return err == nil && snap.Playback.IsPlaying && snap.SyncState == session.StatePlaying
	})

	snapA, _ := managerA.Snapshot("g1")
	snapB, _ := managerB.Snapshot("g1")
	if snapA.Playback.StateVersion != snapB.Playback.StateVersion {
		t.Fatalf("replicas diverged: %d vs %d", snapA.Playback.StateVersion, snapB.Playback.StateVersion)
	}
}
