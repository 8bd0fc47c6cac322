/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

// Version is the current version of Tandem FM.
// This is set at build time via ldflags:
//
//	-X github.com/tandemfm/tandem/internal/version.Version=X.Y.Z
var Version = "0.3.0"

// String returns the version string.
func String() string {
	return Version
}
