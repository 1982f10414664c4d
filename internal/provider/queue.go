package provider

import (
	"time"

	"github.com/agentworkforce/relaydoc/internal/crdt"
)

type timer interface {
	Stop() bool
}

// scheduler runs fn after d. The provider's scheduler delivers fn on the
// event loop, so the queues below are loop-confined and take no locks.
type scheduler interface {
	AfterFunc(d time.Duration, fn func()) timer
}

const (
	flushCap      = "cap"
	flushDebounce = "debounce"
)

// updateQueue coalesces local deltas. The max-th pending delta flushes at
// once; otherwise the queue flushes after wait without another delta.
type updateQueue struct {
	max   int
	wait  time.Duration
	sched scheduler
	flush func(blob []byte, reason string)

	pending [][]byte
	timer   timer
	gen     uint64
}

func newUpdateQueue(max int, wait time.Duration, sched scheduler, flush func([]byte, string)) *updateQueue {
	return &updateQueue{max: max, wait: wait, sched: sched, flush: flush}
}

func (q *updateQueue) push(delta []byte) {
	q.cancel()
	q.pending = append(q.pending, delta)
	if len(q.pending) >= q.max {
		q.flushNow(flushCap)
		return
	}
	gen := q.gen
	q.timer = q.sched.AfterFunc(q.wait, func() {
		// a fire that lost the race with cancel is stale
		if gen != q.gen {
			return
		}
		q.timer = nil
		q.flushNow(flushDebounce)
	})
}

func (q *updateQueue) flushNow(reason string) {
	q.cancel()
	if len(q.pending) == 0 {
		return
	}
	blob := crdt.MergeUpdates(q.pending...)
	q.pending = nil
	q.flush(blob, reason)
}

func (q *updateQueue) len() int {
	return len(q.pending)
}

func (q *updateQueue) cancel() {
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *updateQueue) stop() {
	q.cancel()
	q.pending = nil
}

// persistQueue decides when a snapshot goes to the store. A trigger writes at
// once if nobody has written for longer than wait, and otherwise rechecks
// after wait. Only one write is in flight; triggers during a write rerun the
// check when it finishes.
type persistQueue struct {
	wait     time.Duration
	sched    scheduler
	now      func() time.Time
	write    func(done func(writtenAt time.Time))
	onSaving func(bool)

	lastWrite time.Time
	saving    bool
	writing   bool
	again     bool
	timer     timer
	gen       uint64
}

func newPersistQueue(wait time.Duration, sched scheduler, now func() time.Time, write func(func(time.Time)), onSaving func(bool)) *persistQueue {
	return &persistQueue{wait: wait, sched: sched, now: now, write: write, onSaving: onSaving}
}

// observe records a write seen in the store, ours or anyone's, in server time.
func (q *persistQueue) observe(at time.Time) {
	if at.After(q.lastWrite) {
		q.lastWrite = at
	}
}

func (q *persistQueue) trigger() {
	q.cancel()
	q.setSaving(true)
	q.check()
}

func (q *persistQueue) check() {
	if q.writing {
		q.again = true
		return
	}
	if q.now().Sub(q.lastWrite) > q.wait {
		q.writing = true
		q.write(q.finish)
		return
	}
	gen := q.gen
	q.timer = q.sched.AfterFunc(q.wait, func() {
		if gen != q.gen {
			return
		}
		q.timer = nil
		q.check()
	})
}

// finish ends a write. A zero writtenAt means the write failed.
func (q *persistQueue) finish(writtenAt time.Time) {
	q.writing = false
	if !writtenAt.IsZero() {
		q.observe(writtenAt)
	}
	if q.again {
		q.again = false
		q.check()
		return
	}
	if q.timer == nil {
		q.setSaving(false)
	}
}

func (q *persistQueue) setSaving(saving bool) {
	if q.saving == saving {
		return
	}
	q.saving = saving
	if q.onSaving != nil {
		q.onSaving(saving)
	}
}

func (q *persistQueue) cancel() {
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// stop drops any scheduled check. A write in flight is abandoned.
func (q *persistQueue) stop() {
	q.cancel()
	q.writing = false
	q.again = false
}
