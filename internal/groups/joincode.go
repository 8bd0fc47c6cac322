/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package groups

import (
	"crypto/rand"
	"strings"
)

// Join code alphabet avoids ambiguous glyphs (0/O, 1/I/L).
const joinCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const joinCodeLength = 6

// newJoinCode returns a random human-readable join code.
func newJoinCode() (string, error) {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte(joinCodeAlphabet[int(c)%len(joinCodeAlphabet)])
	}
	return b.String(), nil
}

// normalizeJoinCode canonicalizes user input before lookup.
func normalizeJoinCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
