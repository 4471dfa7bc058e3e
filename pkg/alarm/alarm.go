// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package alarm provides the deadline-alarm collaborator: a one-shot
// timer whose firing and cancellation race safely and whose callback
// is guaranteed to run exactly once either way.
package alarm

import (
	"sync"
	"time"
)

// Alarm is a single-use deadline timer. The zero value is an unarmed
// Alarm, the same as New returns.
type Alarm struct {
	mu    sync.Mutex
	timer *time.Timer
	done  bool
	cb    func(fired bool)
}

// New returns an unarmed Alarm.
func New() *Alarm {
	return &Alarm{}
}

// Init arms the alarm for the given deadline. cb is invoked exactly
// once, either when the deadline passes (fired=true) or when Cancel
// wins the race against firing (fired=false). Init must not be called
// more than once per Alarm.
func (a *Alarm) Init(deadline time.Time, cb func(fired bool)) {
	a.mu.Lock()
	a.cb = cb
	d := time.Until(deadline)
	a.timer = time.AfterFunc(d, func() { a.resolve(true) })
	a.mu.Unlock()
}

// Cancel stops the alarm if it has not yet fired. If the timer had
// already fired (or is in the process of firing), Cancel is a no-op:
// the fire callback owns the exactly-once guarantee in that case.
func (a *Alarm) Cancel() {
	a.mu.Lock()
	t := a.timer
	a.mu.Unlock()
	if t == nil {
		return
	}
	if t.Stop() {
		a.resolve(false)
	}
}

func (a *Alarm) resolve(fired bool) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.done = true
	cb := a.cb
	a.mu.Unlock()
	if cb != nil {
		cb(fired)
	}
}
