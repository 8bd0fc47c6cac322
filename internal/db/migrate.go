/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/tandemfm/tandem/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.User{},
		&models.GroupRecord{},
		&models.GroupMembership{},
	); err != nil {
		return err
	}

	if err := normalizeUsernames(database); err != nil {
		return err
	}

	return nil
}

// normalizeUsernames trims stray whitespace from usernames written by
// early builds so the unique index and host ordering behave.
func normalizeUsernames(database *gorm.DB) error {
	if err := database.Exec("UPDATE users SET username = TRIM(username) WHERE username != TRIM(username)").Error; err != nil {
		return fmt.Errorf("normalize usernames: %w", err)
	}
	return nil
}
