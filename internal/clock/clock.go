// Package clock provides the monotonic-safe wall-clock source and unique-ID
// generator shared by every component that needs a timestamp or an
// identifier: tasks, log entries, activity entries, and provision nonces.
//
// Centralising both concerns here means tests can substitute a fake Clock
// without reaching into every package that happens to call time.Now.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the time source used throughout the core. NowMS returns the
// current time as Unix milliseconds — the unit every wire frame and record
// in this system uses for timestamps.
type Clock interface {
	NowMS() int64
}

// System is the production Clock backed by time.Now. It is safe for
// concurrent use.
type System struct{}

// NowMS returns the current wall-clock time in Unix milliseconds.
func (System) NowMS() int64 {
	return time.Now().UnixMilli()
}

// NewID returns a fresh random identifier suitable for task IDs, log and
// activity entry IDs, and provision nonces. Backed by UUIDv4 — these IDs
// are never persisted across restarts and never need to be time-ordered,
// so the teacher's UUIDv7-for-DB-rows rationale does not apply here.
func NewID() string {
	return uuid.NewString()
}

// Fake is a deterministic Clock for tests. The zero value starts at the
// Unix epoch; advance it explicitly with Set or Advance between assertions.
type Fake struct {
	ms int64
}

// NewFake returns a Fake clock set to startMS.
func NewFake(startMS int64) *Fake {
	return &Fake{ms: startMS}
}

// NowMS implements Clock.
func (f *Fake) NowMS() int64 {
	return f.ms
}

// Set pins the clock to ms.
func (f *Fake) Set(ms int64) {
	f.ms = ms
}

// Advance moves the clock forward by delta milliseconds.
func (f *Fake) Advance(delta int64) {
	f.ms += delta
}
