package throttle

import "sync"

// Barrier is a cyclic rendezvous for the fetch tasks of one download. A speed
// change must take effect atomically across all tasks so the per-task split
// of the total rate holds; every task waits here after rebuilding its pacing,
// and exactly one (the last arriver) is told it leads the round.
type Barrier struct {
	mu      sync.Mutex
	parties int
	count   int
	round   chan struct{}
}

func NewBarrier(parties int) *Barrier {
	return &Barrier{
		parties: parties,
		round:   make(chan struct{}),
	}
}

// Leave permanently detaches one party, for a task whose segment is done. If
// the pending round only lacked the leaver, it is released; its waiters all
// return as non-leaders, so the changed flag survives until a full round with
// the reduced party count elects a leader.
func (b *Barrier) Leave() {
	b.mu.Lock()
	b.parties--
	if b.count > 0 && b.count >= b.parties {
		release := b.round
		b.round = make(chan struct{})
		b.count = 0
		b.mu.Unlock()
		close(release)
		return
	}
	b.mu.Unlock()
}

// Wait blocks until all parties arrive or cancel fires. leader is true for
// exactly one waiter per round; ok is false when the wait was abandoned due
// to cancellation.
func (b *Barrier) Wait(cancel <-chan struct{}) (leader, ok bool) {
	b.mu.Lock()
	b.count++
	if b.count >= b.parties {
		release := b.round
		b.round = make(chan struct{})
		b.count = 0
		b.mu.Unlock()
		close(release)
		return true, true
	}
	release := b.round
	b.mu.Unlock()

	select {
	case <-release:
		return false, true
	case <-cancel:
		b.mu.Lock()
		if release == b.round {
			// Round did not complete; withdraw so a later arrival is not
			// released against a stale count.
			b.count--
		}
		b.mu.Unlock()
		return false, false
	}
}
