/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import "errors"

// ErrorCode is the machine readable classification attached to every
// operation error, translated into a command rejection at the transport
// boundary.
type ErrorCode string

const (
	CodeNotFound   ErrorCode = "NOT_FOUND"
	CodeNotMember  ErrorCode = "NOT_MEMBER"
	CodeNotAllowed ErrorCode = "NOT_ALLOWED"
	CodeInvalid    ErrorCode = "INVALID"
	CodeConflict   ErrorCode = "CONFLICT"
)

// Error carries a code and a human readable message.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	// ErrGroupNotFound indicates an unknown group id.
	ErrGroupNotFound = &Error{Code: CodeNotFound, Message: "group not found"}

	// ErrNotMember indicates the caller is not in the group.
	ErrNotMember = &Error{Code: CodeNotMember, Message: "not a member of this group"}

	// ErrNotHost indicates the caller is a member but lacks host authority.
	ErrNotHost = &Error{Code: CodeNotAllowed, Message: "only the host can do this"}

	// ErrReorderDisabled indicates queue reordering, which is intentionally unsupported.
	ErrReorderDisabled = &Error{Code: CodeNotAllowed, Message: "queue reordering is disabled"}

	// ErrEmptyQueue indicates an operation that needs a playable queue.
	ErrEmptyQueue = &Error{Code: CodeInvalid, Message: "queue is empty"}

	// ErrIndexOutOfRange indicates a structurally bad queue index.
	ErrIndexOutOfRange = &Error{Code: CodeInvalid, Message: "queue index out of range"}

	// ErrTrackChangeInFlight indicates a ready gate is already open for this group.
	ErrTrackChangeInFlight = &Error{Code: CodeConflict, Message: "a track change is already in flight"}
)

// CodeOf extracts the error code, or empty string for foreign errors.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
