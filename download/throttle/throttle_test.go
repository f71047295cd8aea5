package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Update(t *testing.T) {
	cfg := NewConfig()
	assert.Zero(t, cfg.TaskSpeed())
	assert.False(t, cfg.Changed())

	cfg.Update(8192, 4)
	assert.Equal(t, uint64(2048), cfg.TaskSpeed(), "total rate is split across tasks")
	assert.True(t, cfg.Changed())

	cfg.ResetChanged()
	assert.False(t, cfg.Changed())

	cfg.Update(0, 4)
	assert.Zero(t, cfg.TaskSpeed(), "zero removes the limit")
	assert.True(t, cfg.Changed())
}

func TestConfig_SetDoesNotFlag(t *testing.T) {
	cfg := NewConfig()
	cfg.Set(4096, 2)
	assert.Equal(t, uint64(2048), cfg.TaskSpeed())
	assert.False(t, cfg.Changed(), "the initial limit must not trigger a rebuild round")
}

func TestThrottler_BelowBudgetDoesNotSleep(t *testing.T) {
	thr := New(1 << 30)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.True(t, thr.Pace(1024, nil))
	}
	assert.Less(t, time.Since(start), time.Second, "under-budget pacing must not sleep")
}

func TestThrottler_SleepIsCancellable(t *testing.T) {
	thr := New(1)

	canceled := make(chan struct{})
	close(canceled)

	start := time.Now()
	// Massively over budget: the computed sleep is many seconds, but the
	// fired cancel signal must end it immediately.
	ok := thr.Pace(10, canceled)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestThrottler_SleepTime(t *testing.T) {
	thr := New(1000)
	thr.bytesDownloaded = 1500

	// 1s window + 0.5s overshoot compensation, minus ~0 elapsed.
	sleep := thr.sleepTime()
	assert.InDelta(t, 1.5, sleep.Seconds(), 0.1)
}

func TestThrottler_CountersResetAfterWindow(t *testing.T) {
	thr := New(100)
	thr.timestamp = time.Now().Add(-2 * time.Second) // window already elapsed: no sleep due

	require.True(t, thr.Pace(150, nil))
	assert.Zero(t, thr.bytesDownloaded, "counters reset once the budget is spent")
}

func TestBarrier_SingleLeader(t *testing.T) {
	const parties = 4
	b := NewBarrier(parties)

	type result struct{ leader, ok bool }
	results := make(chan result, parties)
	for i := 0; i < parties; i++ {
		go func() {
			leader, ok := b.Wait(nil)
			results <- result{leader: leader, ok: ok}
		}()
	}

	leaders := 0
	for i := 0; i < parties; i++ {
		select {
		case r := <-results:
			require.True(t, r.ok)
			if r.leader {
				leaders++
			}
		case <-time.After(2 * time.Second):
			t.Fatal("barrier did not release all parties")
		}
	}
	assert.Equal(t, 1, leaders, "exactly one party leads each round")
}

func TestBarrier_Reusable(t *testing.T) {
	b := NewBarrier(2)

	for round := 0; round < 3; round++ {
		done := make(chan struct{})
		go func() {
			b.Wait(nil)
			close(done)
		}()
		leader, ok := b.Wait(nil)
		require.True(t, ok)
		_ = leader

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d did not release", round)
		}
	}
}

func TestBarrier_CancelReleasesWaiter(t *testing.T) {
	b := NewBarrier(2)

	canceled := make(chan struct{})
	close(canceled)

	leader, ok := b.Wait(canceled)
	assert.False(t, ok)
	assert.False(t, leader)
}

func TestBarrier_LeaveReleasesPendingRound(t *testing.T) {
	b := NewBarrier(2)

	released := make(chan bool, 1)
	go func() {
		_, ok := b.Wait(nil)
		released <- ok
	}()

	// Give the waiter time to park, then detach the missing party.
	time.Sleep(50 * time.Millisecond)
	b.Leave()

	select {
	case ok := <-released:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("leave did not release the pending round")
	}

	// With one party left, later rounds complete alone.
	leader, ok := b.Wait(nil)
	assert.True(t, ok)
	assert.True(t, leader)
}

func TestBarrier_SinglePartyAlwaysLeads(t *testing.T) {
	b := NewBarrier(1)
	leader, ok := b.Wait(nil)
	assert.True(t, ok)
	assert.True(t, leader)
}
