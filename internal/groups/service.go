/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package groups is the cold path around the in-memory session store:
// group creation and discovery, join-code resolution, durable records,
// boot-time rehydration, and the periodic dirty flush.
package groups

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tandemfm/tandem/internal/events"
	"github.com/tandemfm/tandem/internal/models"
	"github.com/tandemfm/tandem/internal/session"
	"github.com/tandemfm/tandem/internal/telemetry"
)

const joinCodeRetries = 5

// Options tunes the background loops.
type Options struct {
	FlushInterval    time.Duration
	StaleMemberAfter time.Duration
}

// Service owns the durable side of group lifecycle. All live playback
// state stays in the session manager; the service only reads snapshots.
type Service struct {
	db      *gorm.DB
	manager *session.Manager
	bus     *events.Bus
	logger  zerolog.Logger

	flushInterval time.Duration
	staleAfter    time.Duration
}

// New creates the group service.
func New(database *gorm.DB, manager *session.Manager, bus *events.Bus, logger zerolog.Logger, opts Options) *Service {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.StaleMemberAfter <= 0 {
		opts.StaleMemberAfter = 30 * time.Minute
	}
	return &Service{
		db:            database,
		manager:       manager,
		bus:           bus,
		logger:        logger.With().Str("component", "groups").Logger(),
		flushInterval: opts.FlushInterval,
		staleAfter:    opts.StaleMemberAfter,
	}
}

// CreateParams describes a new group. The creator becomes host.
type CreateParams struct {
	Name         string
	GroupType    session.GroupType
	Visibility   session.Visibility
	HostUserID   string
	HostUsername string
}

// Create registers a new group in the hot store and persists its record.
func (s *Service) Create(ctx context.Context, p CreateParams) (session.Snapshot, error) {
	if p.Name == "" {
		return session.Snapshot{}, &session.Error{Code: session.CodeInvalid, Message: "group name required"}
	}
	if p.GroupType == "" {
		p.GroupType = session.GroupHostFollower
	}
	if p.Visibility == "" {
		p.Visibility = session.VisibilityPrivate
	}

	code, err := s.uniqueJoinCode(ctx)
	if err != nil {
		return session.Snapshot{}, err
	}

	snap := s.manager.Create(session.CreateParams{
		ID:           uuid.NewString(),
		Name:         p.Name,
		JoinCode:     code,
		GroupType:    p.GroupType,
		Visibility:   p.Visibility,
		HostUserID:   p.HostUserID,
		HostUsername: p.HostUsername,
	})

	if err := s.persistSnapshot(ctx, snap); err != nil {
		s.manager.Remove(snap.ID)
		return session.Snapshot{}, fmt.Errorf("persist group: %w", err)
	}
	if err := s.recordJoin(ctx, snap.ID, p.HostUserID, p.HostUsername); err != nil {
		s.logger.Error().Err(err).Str("group_id", snap.ID).Msg("failed to record host membership")
	}
	s.manager.MarkClean(snap.ID)

	s.bus.Publish(events.EventGroupCreated, events.Payload{
		"group_id": snap.ID,
		"host":     p.HostUserID,
		"name":     p.Name,
	})

	return snap, nil
}

// uniqueJoinCode draws codes until one is free among active groups.
func (s *Service) uniqueJoinCode(ctx context.Context) (string, error) {
	for i := 0; i < joinCodeRetries; i++ {
		code, err := newJoinCode()
		if err != nil {
			return "", err
		}
		var count int64
		if err := s.db.WithContext(ctx).
			Model(&models.GroupRecord{}).
			Where("join_code = ? AND is_active = ?", code, true).
			Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique join code")
}

// JoinByCode resolves a join code to an active group and joins it,
// rehydrating the group first if this instance does not hold it.
func (s *Service) JoinByCode(ctx context.Context, code, userID, username string) (session.Snapshot, error) {
	var record models.GroupRecord
	err := s.db.WithContext(ctx).
		Where("join_code = ? AND is_active = ?", normalizeJoinCode(code), true).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Snapshot{}, session.ErrGroupNotFound
	}
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.join(ctx, &record, userID, username)
}

// Join joins a group by id.
func (s *Service) Join(ctx context.Context, groupID, userID, username string) (session.Snapshot, error) {
	// Fast path: the group is already resident.
	if s.manager.Has(groupID) {
		snap, err := s.manager.Join(groupID, userID, username)
		if err != nil {
			return session.Snapshot{}, err
		}
		if err := s.recordJoin(ctx, groupID, userID, username); err != nil {
			s.logger.Error().Err(err).Str("group_id", groupID).Msg("failed to record membership")
		}
		s.publishMemberEvent(events.EventMemberJoined, groupID, userID)
		return snap, nil
	}

	var record models.GroupRecord
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", groupID, true).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Snapshot{}, session.ErrGroupNotFound
	}
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.join(ctx, &record, userID, username)
}

func (s *Service) join(ctx context.Context, record *models.GroupRecord, userID, username string) (session.Snapshot, error) {
	if !s.manager.Has(record.ID) {
		if err := s.rehydrate(record); err != nil {
			return session.Snapshot{}, err
		}
	}

	snap, err := s.manager.Join(record.ID, userID, username)
	if err != nil {
		return session.Snapshot{}, err
	}

	if err := s.recordJoin(ctx, record.ID, userID, username); err != nil {
		s.logger.Error().Err(err).Str("group_id", record.ID).Msg("failed to record membership")
	}
	s.publishMemberEvent(events.EventMemberJoined, record.ID, userID)
	return snap, nil
}

// Leave removes the user from the group. When the last member leaves the
// hot store disbands the group; the record is finalized here.
func (s *Service) Leave(ctx context.Context, groupID, userID string) error {
	if err := s.manager.Leave(groupID, userID); err != nil {
		return err
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).
		Model(&models.GroupMembership{}).
		Where("group_id = ? AND user_id = ? AND left_at IS NULL", groupID, userID).
		Update("left_at", now).Error; err != nil {
		s.logger.Error().Err(err).Str("group_id", groupID).Msg("failed to record member departure")
	}
	s.publishMemberEvent(events.EventMemberLeft, groupID, userID)

	if !s.manager.Has(groupID) {
		if err := s.finalizeRecord(ctx, groupID); err != nil {
			s.logger.Error().Err(err).Str("group_id", groupID).Msg("failed to finalize disbanded group")
		}
		s.bus.Publish(events.EventGroupEnded, events.Payload{"group_id": groupID, "reason": "empty"})
	}
	return nil
}

// End closes the group. Host only.
func (s *Service) End(ctx context.Context, groupID, userID, reason string) error {
	if err := s.manager.EndGroup(groupID, userID, reason); err != nil {
		return err
	}

	if snap, err := s.manager.Snapshot(groupID); err == nil {
		if err := s.persistSnapshot(ctx, snap); err != nil {
			s.logger.Error().Err(err).Str("group_id", groupID).Msg("failed to persist final snapshot")
		}
	}
	if err := s.finalizeRecord(ctx, groupID); err != nil {
		s.logger.Error().Err(err).Str("group_id", groupID).Msg("failed to finalize group record")
	}
	s.manager.Remove(groupID)

	s.bus.Publish(events.EventGroupEnded, events.Payload{"group_id": groupID, "reason": reason})
	return nil
}

// Get returns the live snapshot of a resident group.
func (s *Service) Get(groupID string) (session.Snapshot, error) {
	return s.manager.Snapshot(groupID)
}

// Discover lists active public groups on this instance.
func (s *Service) Discover() []session.Snapshot {
	return s.manager.PublicSnapshots()
}

// HydrateAll loads every active group record into the hot store. Called
// once at boot before the HTTP listener starts.
func (s *Service) HydrateAll(ctx context.Context) error {
	var records []models.GroupRecord
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&records).Error; err != nil {
		return fmt.Errorf("load active groups: %w", err)
	}

	restored := 0
	for i := range records {
		if s.manager.Has(records[i].ID) {
			continue
		}
		if err := s.rehydrate(&records[i]); err != nil {
			s.logger.Error().Err(err).Str("group_id", records[i].ID).Msg("failed to rehydrate group")
			continue
		}
		restored++
	}

	s.logger.Info().Int("restored", restored).Msg("group hydration complete")
	return nil
}

// rehydrate rebuilds one group from its persisted snapshot. Membership is
// not restored; users re-join through the normal path.
func (s *Service) rehydrate(record *models.GroupRecord) error {
	var snap session.Snapshot
	if record.Snapshot != "" {
		if err := json.Unmarshal([]byte(record.Snapshot), &snap); err != nil {
			return fmt.Errorf("decode persisted snapshot: %w", err)
		}
	}

	s.manager.Hydrate(session.HydrateParams{
		ID:           record.ID,
		Name:         record.Name,
		JoinCode:     record.JoinCode,
		GroupType:    session.GroupType(record.GroupType),
		Visibility:   session.Visibility(record.Visibility),
		HostUserID:   record.HostUserID,
		Queue:        snap.Playback.Queue,
		CurrentIndex: snap.Playback.CurrentIndex,
		PositionMs:   snap.Playback.PositionMs,
		StateVersion: snap.Playback.StateVersion,
		CreatedAt:    record.CreatedAt,
	})
	return nil
}

// Run drives the periodic flush and the stale member sweep until ctx ends.
func (s *Service) Run(ctx context.Context) {
	flush := time.NewTicker(s.flushInterval)
	sweep := time.NewTicker(time.Minute)
	defer flush.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so a clean shutdown loses nothing.
			s.Flush(context.Background())
			return
		case <-flush.C:
			s.Flush(ctx)
		case <-sweep.C:
			s.sweepStaleMembers(ctx)
		}
	}
}

// Flush persists every dirty group and clears its dirty flag.
func (s *Service) Flush(ctx context.Context) {
	for _, snap := range s.manager.DirtyGroups() {
		if err := s.persistSnapshot(ctx, snap); err != nil {
			s.logger.Error().Err(err).Str("group_id", snap.ID).Msg("failed to flush group")
			continue
		}
		s.manager.MarkClean(snap.ID)
		telemetry.GroupFlushes.Inc()
	}
	telemetry.ActiveGroups.Set(float64(s.manager.Count()))
}

func (s *Service) sweepStaleMembers(ctx context.Context) {
	for _, id := range s.manager.GroupIDs() {
		removed := s.manager.CleanupStaleMembers(id, s.staleAfter)
		if len(removed) == 0 {
			continue
		}
		s.logger.Info().Str("group_id", id).Int("removed", len(removed)).Msg("swept stale members")

		now := time.Now()
		if err := s.db.WithContext(ctx).
			Model(&models.GroupMembership{}).
			Where("group_id = ? AND user_id IN ? AND left_at IS NULL", id, removed).
			Update("left_at", now).Error; err != nil {
			s.logger.Error().Err(err).Str("group_id", id).Msg("failed to record swept departures")
		}

		if !s.manager.Has(id) {
			if err := s.finalizeRecord(ctx, id); err != nil {
				s.logger.Error().Err(err).Str("group_id", id).Msg("failed to finalize swept group")
			}
			s.bus.Publish(events.EventGroupEnded, events.Payload{"group_id": id, "reason": "empty"})
		}
	}
}

// persistSnapshot upserts the durable record from a live snapshot.
func (s *Service) persistSnapshot(ctx context.Context, snap session.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	record := models.GroupRecord{
		ID:         snap.ID,
		Name:       snap.Name,
		JoinCode:   snap.JoinCode,
		GroupType:  string(snap.GroupType),
		Visibility: string(snap.Visibility),
		IsActive:   snap.IsActive,
		HostUserID: snap.HostUserID,
		Snapshot:   string(payload),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "visibility", "is_active", "host_user_id", "snapshot", "updated_at"}),
		}).
		Create(&record).Error
}

func (s *Service) finalizeRecord(ctx context.Context, groupID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&models.GroupRecord{}).
		Where("id = ?", groupID).
		Updates(map[string]any{"is_active": false, "ended_at": now}).Error
}

// recordJoin upserts the membership history row for a (group, user) pair.
func (s *Service) recordJoin(ctx context.Context, groupID, userID, username string) error {
	var existing models.GroupMembership
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&models.GroupMembership{
			ID:       uuid.NewString(),
			GroupID:  groupID,
			UserID:   userID,
			Username: username,
			JoinedAt: time.Now(),
		}).Error
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Model(&existing).
		Updates(map[string]any{"left_at": nil, "username": username}).Error
}

func (s *Service) publishMemberEvent(event events.EventType, groupID, userID string) {
	s.bus.Publish(event, events.Payload{"group_id": groupID, "user_id": userID})
}
