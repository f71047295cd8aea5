// Package throttle paces fetch tasks to a shared download speed limit. Each
// task owns a Throttler; all tasks of a download share one Config, which the
// caller may update at any time while the download runs.
package throttle

import (
	"sync/atomic"
	"time"
)

// minSleep is the smallest pause worth scheduling; anything shorter is noise.
const minSleep = time.Millisecond

// Config is the shared rate control read by every fetch task. taskSpeed is
// bytes per second per task, 0 meaning unthrottled. changed flags a pending
// update so tasks can rebuild their pacing against the new value.
type Config struct {
	taskSpeed atomic.Uint64
	changed   atomic.Bool
}

func NewConfig() *Config {
	return &Config{}
}

// TaskSpeed returns the current per-task budget in bytes per second.
func (c *Config) TaskSpeed() uint64 {
	return c.taskSpeed.Load()
}

// Changed reports whether an update has not yet been observed by all tasks.
func (c *Config) Changed() bool {
	return c.changed.Load()
}

// ResetChanged clears the update flag. Called by the barrier leader only, so
// exactly one task resets per update.
func (c *Config) ResetChanged() {
	c.changed.Store(false)
}

// Set divides a total speed limit (bytes per second, 0 = unthrottled) across
// tasksCount tasks without flagging a change. Used for the initial limit,
// before any task has built its pacing.
func (c *Config) Set(totalSpeed uint64, tasksCount int) {
	c.taskSpeed.Store(totalSpeed / uint64(tasksCount))
}

// Update divides a total speed limit (bytes per second, 0 = unthrottled)
// across tasksCount tasks and flags the change.
func (c *Config) Update(totalSpeed uint64, tasksCount int) {
	c.taskSpeed.Store(totalSpeed / uint64(tasksCount))
	c.changed.Store(true)
}

// Throttler tracks one task's consumption against its per-second budget.
type Throttler struct {
	timestamp       time.Time
	bytesDownloaded uint64
	targetSpeed     uint64
}

func New(targetSpeed uint64) *Throttler {
	return &Throttler{
		timestamp:   time.Now(),
		targetSpeed: targetSpeed,
	}
}

// Pace records n forwarded bytes and sleeps once the budget for the current
// window is spent. The sleep aborts early when cancel fires; Pace returns
// false in that case so the caller can bail out of its fetch loop.
func (t *Throttler) Pace(n int, cancel <-chan struct{}) bool {
	t.bytesDownloaded += uint64(n)
	if t.bytesDownloaded < t.targetSpeed {
		return true
	}

	ok := true
	if sleep := t.sleepTime(); sleep >= minSleep {
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-cancel:
			timer.Stop()
			ok = false
		}
	}

	t.bytesDownloaded = 0
	t.timestamp = time.Now()
	return ok
}

// sleepTime computes how long to pause so the window averages out to
// targetSpeed: one full second, plus compensation for overshoot, minus the
// time the window already took.
func (t *Throttler) sleepTime() time.Duration {
	var additional float64
	if diff := t.bytesDownloaded - t.targetSpeed; diff > 0 {
		additional = float64(diff) / float64(t.targetSpeed)
	}
	elapsed := time.Since(t.timestamp).Seconds()
	return time.Duration((1 + additional - elapsed) * float64(time.Second))
}
