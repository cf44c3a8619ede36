// Package sched provides cancellable, replaceable one-shot timers.
//
// A [Task] holds at most one pending callback. Scheduling again replaces the
// pending callback, and [Task.Cancel] guarantees that a callback which has not
// yet started will never run, even if its timer already fired and the
// callback goroutine is waiting for the lock.
//
// Reconnect backoff, playback start retries, the debounced microphone resume
// and its failsafe, and the server close grace period are all built on Task.
package sched

import (
	"sync"
	"time"
)

// Task is a single replaceable one-shot timer. The zero value is ready to use.
// All methods are safe for concurrent use.
type Task struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Schedule arranges for fn to run on its own goroutine after d. Any callback
// scheduled earlier that has not started yet is discarded.
func (t *Task) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		fn()
	})
}

// Cancel discards the pending callback, if any. It is a no-op when nothing
// is scheduled.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Pending reports whether a callback is scheduled and has not started yet.
func (t *Task) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Group cancels a fixed set of tasks together.
type Group []*Task

// CancelAll cancels every task in the group.
func (g Group) CancelAll() {
	for _, t := range g {
		t.Cancel()
	}
}
