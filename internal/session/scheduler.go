/*
Copyright (C) 2026 Tandem FM

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import "time"

// TimerHandle is a cancelable pending timer.
type TimerHandle interface {
	// Stop cancels the timer if it has not fired yet.
	Stop() bool
}

// Scheduler schedules a function to run once after a delay. The core never
// touches platform timers directly so tests can drive the ready gate by
// hand and idle timers never keep the process alive.
type Scheduler interface {
	After(d time.Duration, fn func()) TimerHandle
}

type realScheduler struct{}

// NewScheduler returns the production scheduler backed by time.AfterFunc.
func NewScheduler() Scheduler {
	return realScheduler{}
}

func (realScheduler) After(d time.Duration, fn func()) TimerHandle {
	return time.AfterFunc(d, fn)
}
