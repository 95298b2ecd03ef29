package download

import "time"

// speedMonitor watches a transfer's observed throughput over a rolling
// window and reports once the rate has stayed below a floor for a full
// sustained interval, so transfer() can cancel and retry instead of
// limping along at a near-zero rate indefinitely (spec.md §5: "total
// timeout is unbounded but overridden by slow_download_speed detection
// -- cancel-and-retry if observed rate falls below threshold for a
// sustained interval").
type speedMonitor struct {
	floorBytesPerSec int64
	window           time.Duration

	windowStart time.Time
	windowBytes int64
	belowSince  time.Time
}

// newSpeedMonitor constructs a speedMonitor. floorBytesPerSec <= 0
// disables the check entirely.
func newSpeedMonitor(floorBytesPerSec int64, window time.Duration) *speedMonitor {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &speedMonitor{floorBytesPerSec: floorBytesPerSec, window: window}
}

// observe records n bytes received at now and reports whether the rate
// has now been below the floor for a full window, closing one window
// and opening the next each time it is called with a stale windowStart.
func (m *speedMonitor) observe(now time.Time, n int) bool {
	if m.floorBytesPerSec <= 0 {
		return false
	}
	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.windowBytes += int64(n)

	elapsed := now.Sub(m.windowStart)
	if elapsed < m.window {
		return false
	}

	rate := float64(m.windowBytes) / elapsed.Seconds()
	start := m.windowStart
	m.windowStart = now
	m.windowBytes = 0

	if rate >= float64(m.floorBytesPerSec) {
		m.belowSince = time.Time{}
		return false
	}
	if m.belowSince.IsZero() {
		m.belowSince = start
	}
	return now.Sub(m.belowSince) >= m.window
}
