// Package iosched provides an injectable per-StoreDB scheduler for
// batched durable flushes, with an explicit shutdown contract,
// instead of a process-wide batched-fsync wrapper.
package iosched

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/localmail/storecore/internal/logging"
)

// Scheduler batches a durability-sensitive operation (e.g. a WAL
// checkpoint) so callers don't pay its cost on every write.
type Scheduler interface {
	// Nudge records that a write happened; the scheduler will flush
	// no later than its idle threshold after the last nudge.
	Nudge()
	// Close blocks until any pending flush has drained, then stops
	// the scheduler. Close is idempotent.
	Close() error
}

// FlushFunc performs the actual durable flush (e.g. PRAGMA
// wal_checkpoint). It is called from the scheduler's own goroutine,
// never while the caller's writer lock is held.
type FlushFunc func() error

// Timer is a Scheduler that batches flushes at a fixed idle
// threshold: bursts of writes coalesce into one flush after idle has
// elapsed since the last Nudge, and Close blocks until drained.
type Timer struct {
	mu       sync.Mutex
	flush    FlushFunc
	idle     time.Duration
	log      zerolog.Logger
	timer    *time.Timer
	pending  bool
	closed   bool
	closeCh  chan struct{}
	drainedC chan struct{}
}

// NewTimer creates a Timer that calls flush no sooner than idle after
// the last Nudge. idle == 0 disables batching (flush runs
// synchronously on Nudge, use for tests); a negative idle disables
// the scheduler entirely and Nudge becomes a no-op.
func NewTimer(idle time.Duration, flush FlushFunc) *Timer {
	return &Timer{
		flush:   flush,
		idle:    idle,
		log:     logging.WithComponent("iosched"),
		closeCh: make(chan struct{}),
	}
}

// Nudge implements Scheduler.
func (t *Timer) Nudge() {
	if t.idle < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.idle == 0 {
		if err := t.flush(); err != nil {
			t.log.Error().Err(err).Msg("synchronous flush failed")
		}
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pending = true
	t.timer = time.AfterFunc(t.idle, t.fire)
}

func (t *Timer) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending = false

	if err := t.flush(); err != nil {
		t.log.Error().Err(err).Msg("deferred flush failed")
	}
}

// Close implements Scheduler: it stops the timer and, if a flush is
// still pending, runs it synchronously before returning, so no
// queued sync is lost at shutdown.
func (t *Timer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pending := t.pending
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	if pending {
		return t.flush()
	}
	return nil
}
