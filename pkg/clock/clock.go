package clock

import (
	"sync"
	"time"
)

// MonoTime represents a monotonic timestamp in nanoseconds since an arbitrary epoch.
// Using int64 provides ~292 years of range with nanosecond precision.
type MonoTime int64

// Clock provides time to the manager.
// Latency and ordering use MonoTime; Wall is only for published timestamps.
type Clock interface {
	// Now returns the current monotonic time
	Now() MonoTime

	// Since returns the duration elapsed since the given monotonic time
	Since(t MonoTime) time.Duration

	// Wall returns the current wall-clock time
	Wall() time.Time
}

// ToDuration converts a MonoTime (nanoseconds) to a time.Duration.
func ToDuration(ns MonoTime) time.Duration {
	return time.Duration(ns)
}

// FromDuration converts a time.Duration to MonoTime (nanoseconds).
func FromDuration(d time.Duration) MonoTime {
	return MonoTime(d.Nanoseconds())
}

// SystemClock uses the system's monotonic clock.
type SystemClock struct {
	epoch time.Time // Cached at creation to provide stable monotonic base
}

// NewSystemClock creates a new SystemClock anchored at the current time.
func NewSystemClock() *SystemClock {
	return &SystemClock{
		epoch: time.Now(),
	}
}

// Now returns the current monotonic time in nanoseconds since epoch.
func (s *SystemClock) Now() MonoTime {
	// Use time.Since which leverages monotonic clock internally
	elapsed := time.Since(s.epoch)
	return FromDuration(elapsed)
}

// Since returns the duration elapsed since the given monotonic time.
func (s *SystemClock) Since(t MonoTime) time.Duration {
	return ToDuration(s.Now() - t)
}

// Wall returns time.Now().
func (s *SystemClock) Wall() time.Time {
	return time.Now()
}

// ManualClock only moves when told to. Tests use it to pin timestamps.
type ManualClock struct {
	mu      sync.RWMutex
	base    time.Time
	current MonoTime
}

// NewManualClock creates a clock whose wall time starts at base.
func NewManualClock(base time.Time) *ManualClock {
	return &ManualClock{base: base}
}

// Now returns the current manual time.
func (m *ManualClock) Now() MonoTime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns the manual time elapsed since t.
func (m *ManualClock) Since(t MonoTime) time.Duration {
	return ToDuration(m.Now() - t)
}

// Wall returns base plus the manual elapsed time.
func (m *ManualClock) Wall() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base.Add(ToDuration(m.current))
}

// Advance moves the clock forward by d. Negative values are ignored.
func (m *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.current += FromDuration(d)
	m.mu.Unlock()
}
