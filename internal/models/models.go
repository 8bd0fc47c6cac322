/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package models defines the persisted schema. The live playback state of
// a group is owned by the in-memory session store; rows here exist for
// discovery, membership history and crash recovery.
package models

import (
	"strings"
	"time"
)

// User represents an authenticated account.
type User struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Username  string `gorm:"uniqueIndex"`
	Email     string `gorm:"uniqueIndex"`
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeUsername lowercases and trims a username for uniqueness and
// ordering comparisons.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GroupRecord is the durable row behind a group session. Snapshot holds
// the last flushed session snapshot as JSON; it is only read back when an
// instance boots and rehydrates active groups.
type GroupRecord struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	Name       string `gorm:"index"`
	JoinCode   string `gorm:"uniqueIndex"`
	GroupType  string `gorm:"type:varchar(16)"`
	Visibility string `gorm:"type:varchar(16)"`
	IsActive   bool   `gorm:"index"`
	HostUserID string `gorm:"type:uuid;index"`
	Snapshot   string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	EndedAt    *time.Time
}

// GroupMembership records that a user joined a group, surviving the
// group's in-memory lifetime for history queries.
type GroupMembership struct {
	ID       string `gorm:"type:uuid;primaryKey"`
	GroupID  string `gorm:"type:uuid;index:idx_membership_group_user,unique"`
	UserID   string `gorm:"type:uuid;index:idx_membership_group_user,unique"`
	Username string
	JoinedAt time.Time
	LeftAt   *time.Time
}
