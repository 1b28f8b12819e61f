package utils

import (
	"fmt"
	"math"
	"time"
)

// FormatElapsed renders a delta in tenths of a second, e.g. "1.2s".
func FormatElapsed(d time.Duration) string {
	tenths := math.Round(float64(d) / float64(100*time.Millisecond))
	return fmt.Sprintf("%.1fs", tenths/10)
}

// Now returns current time (useful for mocking in tests)
var Now = time.Now

// ClockFunc adapts a function to the Clock interface used by the services.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock through Now.
var SystemClock = ClockFunc(func() time.Time { return Now() })
