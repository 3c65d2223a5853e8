package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by every admission component. All expiries
// are evaluated against it on the next poll; nothing schedules timers.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in the session location.
type System struct {
	Loc *time.Location
}

func (s System) Now() time.Time {
	if s.Loc == nil {
		return time.Now()
	}
	return time.Now().In(s.Loc)
}

// Fake is a manually advanced clock for tests and replays.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t. Moving backwards is allowed; components that
// require monotonic stamps guard against it themselves.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// SessionZone returns a fixed zone for the configured UTC offset.
func SessionZone(offsetMinutes int) *time.Location {
	if offsetMinutes == 9*60 {
		return time.FixedZone("KST", offsetMinutes*60)
	}
	return time.FixedZone("SESSION", offsetMinutes*60)
}

// SessionDate formats t as the trading-day key used by ledgers and snapshots.
func SessionDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// MinuteOfDay returns minutes since local midnight for t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
