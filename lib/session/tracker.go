// Copyright 2022 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"sync"
)

// Tracker is an in-memory lifecycle tracker for a single session. Unlike
// Teleport's backend-synced SessionTracker that this is adapted from,
// Tracker holds no service dependency: the owning registry is the sole
// source of truth for a session's state, which is what satisfies the
// invariant that every active session is reachable from exactly one
// registry.
type Tracker struct {
	cond  *sync.Cond
	state State
	// exitCode is set when the backing process/channel terminates on its
	// own, and is surfaced alongside the terminal_exit/close notification.
	exitCode *int
}

// NewTracker returns a Tracker starting in StateStarting.
func NewTracker() *Tracker {
	return &Tracker{
		cond:  sync.NewCond(&sync.Mutex{}),
		state: StateStarting,
	}
}

// SetState transitions the tracker to the given state and wakes any
// goroutine blocked in WaitOnState. Transitioning to the
// same state is a no-op broadcast (harmless, simplifies callers).
func (t *Tracker) SetState(s State) {
	t.cond.L.Lock()
	defer t.cond.L.Unlock()
	t.state = s
	t.cond.Broadcast()
}

// SetExitCode records the backing process's exit code. Only meaningful once
// paired with a transition to StateClosing/StateClosed.
func (t *Tracker) SetExitCode(code int) {
	t.cond.L.Lock()
	defer t.cond.L.Unlock()
	t.exitCode = &code
	t.cond.Broadcast()
}

// ExitCode returns the recorded exit code and whether one was ever set.
func (t *Tracker) ExitCode() (int, bool) {
	t.cond.L.Lock()
	defer t.cond.L.Unlock()
	if t.exitCode == nil {
		return 0, false
	}
	return *t.exitCode, true
}

// State returns the current state.
func (t *Tracker) State() State {
	t.cond.L.Lock()
	defer t.cond.L.Unlock()
	return t.state
}

// WaitOnState blocks until the tracker reaches the wanted state or ctx is
// canceled.
func (t *Tracker) WaitOnState(ctx context.Context, wanted State) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	t.cond.L.Lock()
	defer t.cond.L.Unlock()
	for t.state != wanted {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		t.cond.Wait()
	}
	return nil
}
