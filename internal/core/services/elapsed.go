package services

import (
	"sync"
	"time"

	"genloop/internal/core/ports"
	"genloop/pkg/utils"
)

// ElapsedTimer reports the time since its previous lap.
type ElapsedTimer struct {
	clock ports.Clock

	mu   sync.Mutex
	last time.Time
}

func NewElapsedTimer(clock ports.Clock) *ElapsedTimer {
	return &ElapsedTimer{clock: clock, last: clock.Now()}
}

// Lap returns the delta since the previous Lap (or construction) and resets it.
func (t *ElapsedTimer) Lap() (time.Duration, string) {
	now := t.clock.Now()

	t.mu.Lock()
	d := now.Sub(t.last)
	t.last = now
	t.mu.Unlock()

	return d, utils.FormatElapsed(d)
}

// Since formats the delta between now and ts without touching the lap.
func (t *ElapsedTimer) Since(ts time.Time) string {
	return utils.FormatElapsed(t.clock.Now().Sub(ts))
}

// Stopwatch converts absolute millisecond markers into offsets from the first
// marker it saw. The first call returns 0.
type Stopwatch struct {
	mu      sync.Mutex
	anchor  int64
	started bool
}

func (s *Stopwatch) Mark(ms int64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.anchor = ms
		s.started = true
		return 0
	}
	return time.Duration(ms-s.anchor) * time.Millisecond
}

// SessionClock reads the wall clock once, at construction, and advances from
// there on the base clock's monotonic reading. Readings never go backwards,
// so heartbeat stamps survive wall-clock steps while staying comparable with
// the backend's wall clock.
type SessionClock struct {
	base  ports.Clock
	epoch time.Time

	mu   sync.Mutex
	last time.Time
}

func NewSessionClock(base ports.Clock) *SessionClock {
	epoch := base.Now()
	return &SessionClock{base: base, epoch: epoch, last: epoch}
}

func (c *SessionClock) Now() time.Time {
	now := c.epoch.Add(c.base.Now().Sub(c.epoch))

	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}
