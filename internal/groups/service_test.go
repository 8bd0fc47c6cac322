package groups

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tandemfm/tandem/internal/events"
	"github.com/tandemfm/tandem/internal/models"
	"github.com/tandemfm/tandem/internal/session"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&models.GroupRecord{}, &models.GroupMembership{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func newTestService(t *testing.T) (*Service, *session.Manager, *gorm.DB) {
	t.Helper()
	database := newTestDB(t)
	manager := session.NewManager(session.Options{Logger: zerolog.Nop()})
	svc := New(database, manager, events.NewBus(), zerolog.Nop(), Options{})
	return svc, manager, database
}

func TestCreatePersistsRecordAndMembership(t *testing.T) {
	svc, manager, database := newTestService(t)
	ctx := context.Background()

	snap, err := svc.Create(ctx, CreateParams{
		Name:         "Road Trip",
		Visibility:   session.VisibilityPublic,
		HostUserID:   "u1",
		HostUsername: "hannah",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(snap.JoinCode) != joinCodeLength {
		t.Fatalf("join code %q has wrong length", snap.JoinCode)
	}
	if !manager.Has(snap.ID) {
		t.Fatal("group missing from hot store")
	}

	var record models.GroupRecord
	if err := database.First(&record, "id = ?", snap.ID).Error; err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if !record.IsActive || record.HostUserID != "u1" {
		t.Fatalf("unexpected record: %+v", record)
	}

	var membership models.GroupMembership
	if err := database.First(&membership, "group_id = ? AND user_id = ?", snap.ID, "u1").Error; err != nil {
		t.Fatalf("membership not persisted: %v", err)
	}
}

func TestJoinByCodeNormalizesInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	snap, err := svc.Create(ctx, CreateParams{Name: "g", HostUserID: "u1", HostUsername: "hannah"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	joined, err := svc.JoinByCode(ctx, "  "+snap.JoinCode+" ", "u2", "niko")
	if err != nil {
		t.Fatalf("JoinByCode: %v", err)
	}
	if joined.ID != snap.ID {
		t.Fatalf("joined wrong group %s", joined.ID)
	}
	if len(joined.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(joined.Members))
	}
}

func TestJoinByCodeUnknownIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.JoinByCode(context.Background(), "ZZZZZZ", "u1", "hannah"); session.CodeOf(err) != session.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestLastLeaveFinalizesRecord(t *testing.T) {
	svc, manager, database := newTestService(t)
	ctx := context.Background()

	snap, err := svc.Create(ctx, CreateParams{Name: "g", HostUserID: "u1", HostUsername: "hannah"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Leave(ctx, snap.ID, "u1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if manager.Has(snap.ID) {
		t.Fatal("group still resident after last leave")
	}

	var record models.GroupRecord
	if err := database.First(&record, "id = ?", snap.ID).Error; err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.IsActive || record.EndedAt == nil {
		t.Fatalf("record not finalized: %+v", record)
	}

	var membership models.GroupMembership
	if err := database.First(&membership, "group_id = ? AND user_id = ?", snap.ID, "u1").Error; err != nil {
		t.Fatalf("membership: %v", err)
	}
	if membership.LeftAt == nil {
		t.Fatal("departure not recorded")
	}
}

func TestEndRequiresHost(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	snap, err := svc.Create(ctx, CreateParams{Name: "g", HostUserID: "u1", HostUsername: "hannah"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Join(ctx, snap.ID, "u2", "niko"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := svc.End(ctx, snap.ID, "u2", "done"); session.CodeOf(err) != session.CodeNotAllowed {
		t.Fatalf("expected NOT_ALLOWED, got %v", err)
	}
	if err := svc.End(ctx, snap.ID, "u1", "done"); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestFlushAndRehydrateRoundTrip(t *testing.T) {
	database := newTestDB(t)
	managerA := session.NewManager(session.Options{Logger: zerolog.Nop()})
	svcA := New(database, managerA, events.NewBus(), zerolog.Nop(), Options{})
	ctx := context.Background()

	snap, err := svcA.Create(ctx, CreateParams{Name: "g", HostUserID: "u1", HostUsername: "hannah"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := managerA.ModifyQueue(snap.ID, "u1", session.QueueAction{
		Action: session.QueueAdd,
		Items: []session.QueueItem{
			{ID: "trk-a", Title: "A", Duration: 180},
			{ID: "trk-b", Title: "B", Duration: 200},
		},
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	svcA.Flush(ctx)

	// A second instance boots against the same database.
	managerB := session.NewManager(session.Options{Logger: zerolog.Nop()})
	svcB := New(database, managerB, events.NewBus(), zerolog.Nop(), Options{})
	if err := svcB.HydrateAll(ctx); err != nil {
		t.Fatalf("HydrateAll: %v", err)
	}

	restored, err := managerB.Snapshot(snap.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(restored.Playback.Queue) != 2 || restored.Playback.Queue[0].ID != "trk-a" {
		t.Fatalf("queue not restored: %+v", restored.Playback.Queue)
	}
	if restored.Playback.IsPlaying {
		t.Fatal("rehydrated group must not be playing")
	}
	if restored.SyncState != session.StatePaused {
		t.Fatalf("expected paused after rehydration, got %s", restored.SyncState)
	}
	if len(restored.Members) != 0 {
		t.Fatal("membership must not be restored from cold storage")
	}
}

func TestDiscoverListsOnlyPublicGroups(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateParams{Name: "pub", Visibility: session.VisibilityPublic, HostUserID: "u1", HostUsername: "hannah"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, CreateParams{Name: "priv", Visibility: session.VisibilityPrivate, HostUserID: "u2", HostUsername: "niko"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	listed := svc.Discover()
	if len(listed) != 1 || listed[0].Name != "pub" {
		t.Fatalf("unexpected discovery result: %+v", listed)
	}
}
