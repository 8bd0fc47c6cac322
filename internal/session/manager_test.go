package session

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// manualScheduler collects timers so tests can fire the ready gate by hand.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	fn      func()
	stopped bool
	fired   bool
	d       time.Duration
}

func (t *manualTimer) Stop() bool {
	t.stopped = true
	return !t.fired
}

func (s *manualScheduler) After(d time.Duration, fn func()) TimerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{fn: fn, d: d}
	s.timers = append(s.timers, timer)
	return timer
}

// fire runs every pending timer that has not been stopped.
func (s *manualScheduler) fire() {
	s.mu.Lock()
	pending := append([]*manualTimer(nil), s.timers...)
	s.timers = nil
	s.mu.Unlock()
	for _, timer := range pending {
		if !timer.stopped {
			timer.fired = true
			timer.fn()
		}
	}
}

type recordedCallbacks struct {
	mu        sync.Mutex
	playAt    []PlayAtInfo
	deltas    []PlaybackDelta
	queues    []QueueDelta
	waiting   []WaitingInfo
	states    []Snapshot
	ended     []string
	left      []MemberLeftInfo
}

func (r *recordedCallbacks) callbacks() Callbacks {
	return Callbacks{
		OnGroupState:    func(_ string, snap Snapshot) { r.mu.Lock(); r.states = append(r.states, snap); r.mu.Unlock() },
		OnPlaybackDelta: func(_ string, d PlaybackDelta) { r.mu.Lock(); r.deltas = append(r.deltas, d); r.mu.Unlock() },
		OnQueueDelta:    func(_ string, d QueueDelta) { r.mu.Lock(); r.queues = append(r.queues, d); r.mu.Unlock() },
		OnWaiting:       func(_ string, w WaitingInfo) { r.mu.Lock(); r.waiting = append(r.waiting, w); r.mu.Unlock() },
		OnPlayAt:        func(_ string, p PlayAtInfo) { r.mu.Lock(); r.playAt = append(r.playAt, p); r.mu.Unlock() },
		OnMemberLeft:    func(_ string, i MemberLeftInfo) { r.mu.Lock(); r.left = append(r.left, i); r.mu.Unlock() },
		OnGroupEnded:    func(_ string, reason string) { r.mu.Lock(); r.ended = append(r.ended, reason); r.mu.Unlock() },
	}
}

func newTestManager(t *testing.T) (*Manager, *manualScheduler, *recordedCallbacks) {
	t.Helper()
	sched := &manualScheduler{}
	rec := &recordedCallbacks{}
	m := NewManager(Options{
		Callbacks: rec.callbacks(),
		Scheduler: sched,
		Logger:    zerolog.Nop(),
	})
	return m, sched, rec
}

func twoTrackGroup(t *testing.T, m *Manager) string {
	t.Helper()
	snap := m.Create(CreateParams{
		ID:           "g1",
		Name:         "Friday Night",
		JoinCode:     "ABC123",
		GroupType:    GroupHostFollower,
		Visibility:   VisibilityPrivate,
		HostUserID:   "host",
		HostUsername: "hannah",
	})
	if snap.SyncState != StateIdle {
		t.Fatalf("fresh group should be idle, got %s", snap.SyncState)
	}
	if _, err := m.ModifyQueue("g1", "host", QueueAction{Action: QueueAdd, Items: []QueueItem{
		{ID: "trk-a", Title: "A", Duration: 180, Artist: "art-1", Album: "alb-1"},
		{ID: "trk-b", Title: "B", Duration: 180, Artist: "art-1", Album: "alb-1"},
	}}); err != nil {
		t.Fatalf("seed queue: %v", err)
	}
	return "g1"
}

func TestPlayRequiresHost(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)

	if _, err := m.Play(id, "stranger"); CodeOf(err) != CodeNotMember {
		t.Fatalf("expected NOT_MEMBER, got %v", err)
	}

	if _, err := m.Join(id, "guest", "gary"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := m.Play(id, "guest"); CodeOf(err) != CodeNotAllowed {
		t.Fatalf("expected NOT_ALLOWED for non-host, got %v", err)
	}

	delta, err := m.Play(id, "host")
	if err != nil {
		t.Fatalf("host play: %v", err)
	}
	if !delta.IsPlaying || delta.SyncState != StatePlaying {
		t.Fatalf("unexpected delta after play: %+v", delta)
	}
}

func TestSeekClampsToTrackDuration(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)

	delta, err := m.Seek(id, "host", 999999)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if delta.PositionMs != 180000 {
		t.Fatalf("expected clamped position 180000, got %d", delta.PositionMs)
	}

	delta, err = m.Seek(id, "host", -50)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if delta.PositionMs != 0 {
		t.Fatalf("expected clamped position 0, got %d", delta.PositionMs)
	}
}

func TestStateVersionStrictlyIncreases(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)

	var last uint64
	step := func(name string, version uint64) {
		if version <= last {
			t.Fatalf("%s: stateVersion %d did not increase past %d", name, version, last)
		}
		last = version
	}

	d, _ := m.Play(id, "host")
	step("play", d.StateVersion)
	d, _ = m.Seek(id, "host", 1000)
	step("seek", d.StateVersion)
	d, _ = m.Pause(id, "host")
	step("pause", d.StateVersion)
	q, _ := m.ModifyQueue(id, "host", QueueAction{Action: QueueAdd, Items: []QueueItem{{ID: "trk-c", Duration: 60}}})
	step("queue add", q.StateVersion)
}

func TestReadyGateBarrier(t *testing.T) {
	m, sched, rec := newTestManager(t)
	id := twoTrackGroup(t, m)

	if _, err := m.Join(id, "guest", "gary"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.AddSocket(id, "host", "s1"); err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := m.AddSocket(id, "guest", "s2"); err != nil {
		t.Fatalf("socket: %v", err)
	}

	if _, err := m.SetTrack(id, "host", 1, true); err != nil {
		t.Fatalf("set track: %v", err)
	}
	snap, _ := m.Snapshot(id)
	if snap.SyncState != StateWaiting {
		t.Fatalf("expected waiting with two connected members, got %s", snap.SyncState)
	}

	// Second track change while the gate is open is rejected.
	if _, err := m.SetTrack(id, "host", 0, true); CodeOf(err) != CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	done, err := m.ReportReady(id, "host")
	if err != nil || done {
		t.Fatalf("first ready should not release the gate (done=%v err=%v)", done, err)
	}
	snap, _ = m.Snapshot(id)
	if snap.SyncState != StateWaiting {
		t.Fatalf("still expected waiting, got %s", snap.SyncState)
	}

	done, err = m.ReportReady(id, "guest")
	if err != nil || !done {
		t.Fatalf("second ready should release the gate (done=%v err=%v)", done, err)
	}
	snap, _ = m.Snapshot(id)
	if snap.SyncState != StatePlaying || !snap.Playback.IsPlaying {
		t.Fatalf("expected playing after gate release, got %+v", snap)
	}
	if len(rec.playAt) != 1 {
		t.Fatalf("expected exactly one play-at, got %d", len(rec.playAt))
	}

	// The armed timer must have been cancelled; firing it is a no-op.
	version := snap.Playback.StateVersion
	sched.fire()
	snap, _ = m.Snapshot(id)
	if snap.Playback.StateVersion != version {
		t.Fatal("stale gate timer mutated the group")
	}
}

func TestReadyGateTimeoutForcesPlay(t *testing.T) {
	m, sched, rec := newTestManager(t)
	id := twoTrackGroup(t, m)

	m.Join(id, "guest", "gary")
	m.AddSocket(id, "host", "s1")
	m.AddSocket(id, "guest", "s2")

	if _, err := m.SetTrack(id, "host", 1, true); err != nil {
		t.Fatalf("set track: %v", err)
	}

	// Nobody reports ready; the window elapses.
	sched.fire()

	snap, _ := m.Snapshot(id)
	if snap.SyncState != StatePlaying {
		t.Fatalf("expected forced playing after timeout, got %s", snap.SyncState)
	}
	if len(rec.playAt) != 1 {
		t.Fatalf("expected exactly one play-at, got %d", len(rec.playAt))
	}
}

func TestPlayPauseSeekAreNoOpsWhileWaiting(t *testing.T) {
	m, _, rec := newTestManager(t)
	id := twoTrackGroup(t, m)

	m.Join(id, "guest", "gary")
	m.AddSocket(id, "host", "s1")
	m.AddSocket(id, "guest", "s2")
	m.SetTrack(id, "host", 1, true)

	snap, _ := m.Snapshot(id)
	version := snap.Playback.StateVersion
	deltasBefore := len(rec.deltas)

	if _, err := m.Play(id, "host"); err != nil {
		t.Fatalf("play during waiting: %v", err)
	}
	if _, err := m.Pause(id, "host"); err != nil {
		t.Fatalf("pause during waiting: %v", err)
	}
	if _, err := m.Seek(id, "host", 5000); err != nil {
		t.Fatalf("seek during waiting: %v", err)
	}

	snap, _ = m.Snapshot(id)
	if snap.Playback.StateVersion != version {
		t.Fatalf("stateVersion changed during waiting: %d -> %d", version, snap.Playback.StateVersion)
	}
	if snap.SyncState != StateWaiting {
		t.Fatalf("waiting state bypassed: %s", snap.SyncState)
	}
	if len(rec.deltas) != deltasBefore {
		t.Fatal("playback delta callback fired during waiting")
	}
}

func TestSetTrackSkipsBarrierForSingleConnection(t *testing.T) {
	m, _, rec := newTestManager(t)
	id := twoTrackGroup(t, m)
	m.AddSocket(id, "host", "s1")

	delta, err := m.SetTrack(id, "host", 1, true)
	if err != nil {
		t.Fatalf("set track: %v", err)
	}
	if delta.SyncState != StatePlaying || !delta.IsPlaying {
		t.Fatalf("expected immediate playing, got %+v", delta)
	}
	if delta.PositionMs != 0 {
		t.Fatalf("expected position reset, got %d", delta.PositionMs)
	}
	if len(rec.waiting) != 0 {
		t.Fatal("barrier armed despite single connected member")
	}

	delta, err = m.SetTrack(id, "host", 0, false)
	if err != nil {
		t.Fatalf("set track: %v", err)
	}
	if delta.SyncState != StatePaused || delta.IsPlaying {
		t.Fatalf("expected immediate paused, got %+v", delta)
	}
}

func TestDepartingStragglerUnblocksGate(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)

	m.Join(id, "guest", "gary")
	m.AddSocket(id, "host", "s1")
	m.AddSocket(id, "guest", "s2")
	m.SetTrack(id, "host", 1, true)

	if _, err := m.ReportReady(id, "host"); err != nil {
		t.Fatalf("ready: %v", err)
	}

	// The guest never reports ready and leaves: the gate re-evaluates over
	// the remaining connected members and releases.
	if err := m.Leave(id, "guest"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	snap, _ := m.Snapshot(id)
	if snap.SyncState != StatePlaying {
		t.Fatalf("expected gate release after straggler left, got %s", snap.SyncState)
	}
}

func TestPreviousRestartsAfterThreeSeconds(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)
	m.AddSocket(id, "host", "s1")

	base := time.Now()
	m.now = func() time.Time { return base }

	if _, err := m.SetTrack(id, "host", 1, true); err != nil {
		t.Fatalf("set track: %v", err)
	}

	// 5s into the track: previous restarts instead of moving back.
	m.now = func() time.Time { return base.Add(5 * time.Second) }
	delta, err := m.Previous(id, "host")
	if err != nil {
		t.Fatalf("previous: %v", err)
	}
	if delta.CurrentIndex != 1 || delta.PositionMs != 0 {
		t.Fatalf("expected restart of track 1, got %+v", delta)
	}

	// Immediately after the restart, previous moves back for real.
	delta, err = m.Previous(id, "host")
	if err != nil {
		t.Fatalf("previous: %v", err)
	}
	if delta.CurrentIndex != 0 {
		t.Fatalf("expected index 0, got %d", delta.CurrentIndex)
	}

	// And wraps around from the queue start.
	delta, err = m.Previous(id, "host")
	if err != nil {
		t.Fatalf("previous: %v", err)
	}
	if delta.CurrentIndex != 1 {
		t.Fatalf("expected wrap to index 1, got %d", delta.CurrentIndex)
	}
}

func TestNextWrapsAroundQueue(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)
	m.AddSocket(id, "host", "s1")

	delta, err := m.Next(id, "host")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if delta.CurrentIndex != 1 {
		t.Fatalf("expected index 1, got %d", delta.CurrentIndex)
	}
	delta, err = m.Next(id, "host")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if delta.CurrentIndex != 0 {
		t.Fatalf("expected wrap to index 0, got %d", delta.CurrentIndex)
	}
}

func TestInsertNextOrdering(t *testing.T) {
	m, _, _ := newTestManager(t)
	snap := m.Create(CreateParams{ID: "g2", HostUserID: "host", HostUsername: "hannah"})
	if snap.SyncState != StateIdle {
		t.Fatalf("expected idle, got %s", snap.SyncState)
	}

	add := func(items ...QueueItem) QueueDelta {
		d, err := m.ModifyQueue("g2", "host", QueueAction{Action: QueueAdd, Items: items})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		return d
	}
	insertNext := func(items ...QueueItem) QueueDelta {
		d, err := m.ModifyQueue("g2", "host", QueueAction{Action: QueueInsertNext, Items: items})
		if err != nil {
			t.Fatalf("insert-next: %v", err)
		}
		return d
	}

	add(QueueItem{ID: "A"}, QueueItem{ID: "B"}, QueueItem{ID: "C"})

	d := insertNext(QueueItem{ID: "X"})
	wantOrder(t, d.Queue, "A", "X", "B", "C")

	d = insertNext(QueueItem{ID: "Y"})
	wantOrder(t, d.Queue, "A", "Y", "X", "B", "C")
}

func wantOrder(t *testing.T, queue []QueueItem, ids ...string) {
	t.Helper()
	if len(queue) != len(ids) {
		t.Fatalf("queue length %d, want %d", len(queue), len(ids))
	}
	for i, id := range ids {
		if queue[i].ID != id {
			t.Fatalf("queue[%d] = %s, want %s", i, queue[i].ID, id)
		}
	}
}

func TestQueueRemoveAdjustsCurrentIndex(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.Create(CreateParams{ID: "g3", HostUserID: "host", HostUsername: "hannah"})
	m.ModifyQueue("g3", "host", QueueAction{Action: QueueAdd, Items: []QueueItem{
		{ID: "A", Duration: 60}, {ID: "B", Duration: 60}, {ID: "C", Duration: 60},
	}})
	m.AddSocket("g3", "host", "s1")
	m.SetTrack("g3", "host", 1, false)

	// Removing a track before current shifts the index down.
	d, err := m.ModifyQueue("g3", "host", QueueAction{Action: QueueRemove, Index: 0})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if d.CurrentIndex != 0 || d.Queue[0].ID != "B" {
		t.Fatalf("expected current B at index 0, got %+v", d)
	}

	// Removing the current track clamps and resets position.
	d, err = m.ModifyQueue("g3", "host", QueueAction{Action: QueueRemove, Index: 0})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if d.CurrentIndex != 0 || d.Queue[0].ID != "C" || d.SyncState != StatePaused {
		t.Fatalf("unexpected state after removing current: %+v", d)
	}

	// Emptying the queue goes idle.
	d, err = m.ModifyQueue("g3", "host", QueueAction{Action: QueueRemove, Index: 0})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if d.SyncState != StateIdle || len(d.Queue) != 0 {
		t.Fatalf("expected idle empty queue, got %+v", d)
	}

	if _, err := m.ModifyQueue("g3", "host", QueueAction{Action: QueueRemove, Index: 0}); CodeOf(err) != CodeInvalid {
		t.Fatalf("expected INVALID for out of range remove, got %v", err)
	}
}

func TestReorderAlwaysRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)
	if _, err := m.ModifyQueue(id, "host", QueueAction{Action: QueueReorder}); CodeOf(err) != CodeNotAllowed {
		t.Fatalf("expected NOT_ALLOWED for reorder, got %v", err)
	}
}

func TestHostTransferDeterministic(t *testing.T) {
	m, _, rec := newTestManager(t)
	id := twoTrackGroup(t, m)

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Join(id, "u-zed", "Zed")
	m.now = func() time.Time { return base.Add(time.Second) }
	m.Join(id, "u-amy2", "amy")
	m.now = func() time.Time { return base.Add(2 * time.Second) }
	m.Join(id, "u-amy1", "Amy")

	if err := m.Leave(id, "host"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	snap, _ := m.Snapshot(id)
	// Case-insensitive alphabetical first: the two amys tie, earlier join wins.
	if snap.HostUserID != "u-amy2" {
		t.Fatalf("expected host u-amy2, got %s", snap.HostUserID)
	}
	last := rec.left[len(rec.left)-1]
	if last.NewHostUserID != "u-amy2" || last.NewHostUsername != "amy" {
		t.Fatalf("member-left callback missing host transfer: %+v", last)
	}
}

func TestLastMemberLeavingDisbands(t *testing.T) {
	m, _, rec := newTestManager(t)
	id := twoTrackGroup(t, m)

	if err := m.Leave(id, "host"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if m.Has(id) {
		t.Fatal("group should be removed synchronously with the last member leaving")
	}
	if len(rec.ended) != 1 || rec.ended[0] != "empty" {
		t.Fatalf("expected one ended callback with reason empty, got %v", rec.ended)
	}
}

func TestEndGroupHostOnly(t *testing.T) {
	m, _, rec := newTestManager(t)
	id := twoTrackGroup(t, m)
	m.Join(id, "guest", "gary")

	if err := m.EndGroup(id, "guest", "done"); CodeOf(err) != CodeNotAllowed {
		t.Fatalf("expected NOT_ALLOWED, got %v", err)
	}
	if err := m.EndGroup(id, "host", "done"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if len(rec.ended) != 1 || rec.ended[0] != "done" {
		t.Fatalf("expected ended callback, got %v", rec.ended)
	}

	// Ending does not remove the group; that is the cold path's job.
	snap, err := m.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot after end: %v", err)
	}
	if snap.IsActive || snap.SyncState != StateIdle || snap.Playback.IsPlaying {
		t.Fatalf("unexpected state after end: %+v", snap)
	}
}

func TestInvariantsAfterOperationStorm(t *testing.T) {
	m, sched, _ := newTestManager(t)
	id := twoTrackGroup(t, m)
	m.AddSocket(id, "host", "s1")

	checkInvariants := func() {
		t.Helper()
		snap, err := m.Snapshot(id)
		if err != nil {
			return
		}
		if len(snap.Playback.Queue) == 0 {
			if snap.Playback.CurrentIndex != 0 {
				t.Fatalf("empty queue with currentIndex %d", snap.Playback.CurrentIndex)
			}
			return
		}
		if snap.Playback.CurrentIndex < 0 || snap.Playback.CurrentIndex >= len(snap.Playback.Queue) {
			t.Fatalf("currentIndex %d out of bounds for queue %d", snap.Playback.CurrentIndex, len(snap.Playback.Queue))
		}
		max := int64(snap.Playback.Queue[snap.Playback.CurrentIndex].Duration) * 1000
		if snap.Playback.PositionMs < 0 || snap.Playback.PositionMs > max {
			t.Fatalf("positionMs %d outside [0, %d]", snap.Playback.PositionMs, max)
		}
		if snap.SyncState != StateWaiting && len(m.groups[id].ReadyUsers) != 0 {
			t.Fatal("ready set non-empty outside waiting")
		}
	}

	ops := []func(){
		func() { m.Play(id, "host") },
		func() { m.Seek(id, "host", 500000) },
		func() { m.Pause(id, "host") },
		func() { m.Next(id, "host") },
		func() { m.Previous(id, "host") },
		func() { m.ModifyQueue(id, "host", QueueAction{Action: QueueAdd, Items: []QueueItem{{ID: "Z", Duration: 30}}}) },
		func() { m.ModifyQueue(id, "host", QueueAction{Action: QueueRemove, Index: 0}) },
		func() { m.SetTrack(id, "host", 99, true) },
		func() { sched.fire() },
		func() { m.ModifyQueue(id, "host", QueueAction{Action: QueueClear}) },
		func() { m.ModifyQueue(id, "host", QueueAction{Action: QueueInsertNext, Items: []QueueItem{{ID: "W", Duration: 45}}}) },
	}
	for round := 0; round < 3; round++ {
		for _, op := range ops {
			op()
			checkInvariants()
		}
	}
}

func TestStaleMemberCleanup(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Join(id, "guest", "gary")
	m.AddSocket(id, "host", "s1")

	m.now = func() time.Time { return base.Add(time.Hour) }
	removed := m.CleanupStaleMembers(id, 30*time.Minute)
	if len(removed) != 1 || removed[0] != "guest" {
		t.Fatalf("expected guest removed, got %v", removed)
	}

	// Unknown group returns an empty result, never errors.
	if removed := m.CleanupStaleMembers("nope", time.Minute); len(removed) != 0 {
		t.Fatalf("expected empty result for unknown group, got %v", removed)
	}
}

func TestHydrateForcesPaused(t *testing.T) {
	m, _, _ := newTestManager(t)
	snap := m.Hydrate(HydrateParams{
		ID:           "g9",
		Name:         "Restored",
		Queue:        []QueueItem{{ID: "A", Duration: 120}},
		CurrentIndex: 0,
		PositionMs:   42000,
		StateVersion: 17,
		CreatedAt:    time.Now().Add(-time.Hour),
	})
	if snap.SyncState != StatePaused || snap.Playback.IsPlaying {
		t.Fatalf("hydrated group must not be playing: %+v", snap)
	}
	if snap.Playback.StateVersion != 17 {
		t.Fatalf("expected persisted stateVersion preserved, got %d", snap.Playback.StateVersion)
	}
}

func TestQueueEditKeepsLivePosition(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)

	base := time.Now()
	m.now = func() time.Time { return base }
	if _, err := m.Play(id, "host"); err != nil {
		t.Fatalf("play: %v", err)
	}

	// A minute in, a guest adds a track. The position must keep running.
	if _, err := m.Join(id, "guest", "gary"); err != nil {
		t.Fatalf("join: %v", err)
	}
	m.now = func() time.Time { return base.Add(60 * time.Second) }
	delta, err := m.ModifyQueue(id, "guest", QueueAction{Action: QueueAdd, Items: []QueueItem{
		{ID: "trk-c", Title: "C", Duration: 180, Artist: "art-2", Album: "alb-2"},
	}})
	if err != nil {
		t.Fatalf("queue add: %v", err)
	}
	if delta.SyncState != StatePlaying {
		t.Fatalf("queue add must not change sync state, got %s", delta.SyncState)
	}

	snap, err := m.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Playback.PositionMs != 60000 {
		t.Fatalf("queue edit moved the playhead: got %dms, want 60000ms", snap.Playback.PositionMs)
	}
	if !snap.Playback.IsPlaying {
		t.Fatalf("queue edit stopped playback")
	}
}

func TestPlayWhilePlayingKeepsElapsedTime(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)

	base := time.Now()
	m.now = func() time.Time { return base }
	if _, err := m.Play(id, "host"); err != nil {
		t.Fatalf("play: %v", err)
	}

	m.now = func() time.Time { return base.Add(30 * time.Second) }
	delta, err := m.Play(id, "host")
	if err != nil {
		t.Fatalf("second play: %v", err)
	}
	if delta.PositionMs != 30000 {
		t.Fatalf("redundant play rewound the playhead: got %dms, want 30000ms", delta.PositionMs)
	}
	if !delta.IsPlaying {
		t.Fatalf("expected playback to stay running")
	}
}

func TestRemovingWaitedTrackClosesReadyGate(t *testing.T) {
	m, sched, _ := newTestManager(t)
	id := twoTrackGroup(t, m)
	if _, err := m.Join(id, "guest", "gary"); err != nil {
		t.Fatalf("join: %v", err)
	}
	m.AddSocket(id, "host", "s1")
	m.AddSocket(id, "guest", "s2")

	if _, err := m.SetTrack(id, "host", 1, true); err != nil {
		t.Fatalf("set track: %v", err)
	}
	if _, err := m.ReportReady(id, "host"); err != nil {
		t.Fatalf("ready: %v", err)
	}

	// Removing the waited-on track exits the gate and must tear it down.
	if _, err := m.ModifyQueue(id, "guest", QueueAction{Action: QueueRemove, Index: 1}); err != nil {
		t.Fatalf("remove: %v", err)
	}

	m.mu.Lock()
	g := m.groups[id]
	state := g.SyncState
	readyCount := len(g.ReadyUsers)
	timerArmed := g.readyTimer != nil
	m.mu.Unlock()

	if state != StatePaused {
		t.Fatalf("expected paused after removing the waited track, got %s", state)
	}
	if readyCount != 0 {
		t.Fatalf("ready set must be empty outside waiting, got %d entries", readyCount)
	}
	if timerArmed {
		t.Fatalf("gate timer still armed after leaving waiting")
	}

	// A stale timer firing later must not force-start playback.
	sched.fire()
	snap, err := m.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.SyncState == StatePlaying {
		t.Fatalf("stale gate timer force-started playback")
	}
}

func TestClearingQueueWhileWaitingClosesReadyGate(t *testing.T) {
	m, _, _ := newTestManager(t)
	id := twoTrackGroup(t, m)
	if _, err := m.Join(id, "guest", "gary"); err != nil {
		t.Fatalf("join: %v", err)
	}
	m.AddSocket(id, "host", "s1")
	m.AddSocket(id, "guest", "s2")

	if _, err := m.SetTrack(id, "host", 1, true); err != nil {
		t.Fatalf("set track: %v", err)
	}
	if _, err := m.ModifyQueue(id, "host", QueueAction{Action: QueueClear}); err != nil {
		t.Fatalf("clear: %v", err)
	}

	m.mu.Lock()
	g := m.groups[id]
	state := g.SyncState
	readyCount := len(g.ReadyUsers)
	timerArmed := g.readyTimer != nil
	m.mu.Unlock()

	if state != StateIdle {
		t.Fatalf("expected idle after clearing the queue, got %s", state)
	}
	if readyCount != 0 || timerArmed {
		t.Fatalf("gate state leaked: ready=%d timerArmed=%v", readyCount, timerArmed)
	}
}
