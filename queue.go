package backoff

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/bradenaw/juniper/container/deque"
	"go.uber.org/zap"
)

const (
	// retryBatch is how many queued calls one retry tick may start. Starting two per tick, and
	// re-arming a tick on every success, roughly doubles the calls in flight per tick after a
	// reset instead of jumping straight to the cap.
	retryBatch = 2

	throttleSlotWidth = time.Second
	throttleSlots     = 60
)

// QueueStats is a snapshot of one resource's backoff queue.
type QueueStats struct {
	// Delay is the current retry interval.
	Delay time.Duration
	// ToRetry is the number of calls waiting to be retried.
	ToRetry int
	// InFlight is the number of calls currently being retried.
	InFlight int
	// Timers is the number of scheduled retry ticks.
	Timers int
	// Throttled is the number of rate-limit failures seen in about the last minute.
	Throttled int
}

type callState int

const (
	callQueued callState = iota
	callInFlight
	callDone
)

type callResult struct {
	v   any
	err error
}

// pendingCall is one wrapped invocation waiting on a throttled resource. Its fields other than
// attempt and done belong to the queue's goroutine.
type pendingCall struct {
	attempt func() (any, error)
	// Receives exactly one result.
	done chan callResult
	// Attempts that have not returned yet. A reset can put a call back in the queue while its
	// attempt is still running.
	running sync.WaitGroup

	state    callState
	attempts int
}

func newPendingCall(attempt func() (any, error)) *pendingCall {
	return &pendingCall{
		attempt: attempt,
		done:    make(chan callResult, 1),
	}
}

type attemptOutcome struct {
	call *pendingCall
	// Which attempt of call this is the outcome of.
	n   int
	v   any
	err error
}

// backoffQueue is the retry state of one throttled resource. Everything below the channels is
// owned by run.
type backoffQueue struct {
	minDelay    time.Duration
	maxInFlight int
	isRateLimit func(error) bool
	log         *zap.Logger
	// Removes this queue from the Coordinator.
	forget func()

	enqueue  chan *pendingCall
	outcomes chan attemptOutcome
	ticks    chan uint64
	stats    chan chan QueueStats
	// Closed when run returns.
	done chan struct{}

	delay time.Duration
	// May hold calls that completed while waiting here, which are skipped. nToRetry counts only
	// the ones still queued.
	toRetry   deque.Deque[*pendingCall]
	nToRetry  int
	inFlight  []*pendingCall
	timers    map[uint64]*time.Timer
	nextTimer uint64
	throttled throttleWindow
}

// submit hands call to the queue. It returns false if the queue has already drained and exited.
func (q *backoffQueue) submit(call *pendingCall) bool {
	select {
	case q.enqueue <- call:
		return true
	case <-q.done:
		return false
	}
}

func (q *backoffQueue) snapshot() (QueueStats, bool) {
	c := make(chan QueueStats, 1)
	select {
	case q.stats <- c:
		return <-c, true
	case <-q.done:
		return QueueStats{}, false
	}
}

func (q *backoffQueue) run(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			q.shutdown()
			return
		case call := <-q.enqueue:
			q.push(call)
		case id := <-q.ticks:
			if _, ok := q.timers[id]; !ok {
				// Cancelled by a reset after it had already fired.
				continue
			}
			delete(q.timers, id)
			q.retryTick()
		case o := <-q.outcomes:
			if q.complete(o) {
				return
			}
		case c := <-q.stats:
			c <- QueueStats{
				Delay:     q.delay,
				ToRetry:   q.nToRetry,
				InFlight:  len(q.inFlight),
				Timers:    len(q.timers),
				Throttled: q.throttled.count(time.Now()),
			}
		}
	}
}

func (q *backoffQueue) push(call *pendingCall) {
	call.state = callQueued
	q.toRetry.PushBack(call)
	q.nToRetry++
	// Keep the drain loop armed.
	if len(q.timers) == 0 && len(q.inFlight) == 0 {
		q.schedule()
	}
}

func (q *backoffQueue) pop() (*pendingCall, bool) {
	for q.toRetry.Len() > 0 {
		call := q.toRetry.PopFront()
		if call.state != callQueued {
			continue
		}
		q.nToRetry--
		return call, true
	}
	return nil, false
}

func (q *backoffQueue) schedule() {
	id := q.nextTimer
	q.nextTimer++
	q.timers[id] = time.AfterFunc(q.delay, func() {
		select {
		case q.ticks <- id:
		case <-q.done:
		}
	})
}

func (q *backoffQueue) cancelTimers() {
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
}

func (q *backoffQueue) retryTick() {
	for i := 0; i < retryBatch; i++ {
		if len(q.inFlight) >= q.maxInFlight {
			return
		}
		call, ok := q.pop()
		if !ok {
			return
		}
		q.dispatch(call)
	}
}

func (q *backoffQueue) dispatch(call *pendingCall) {
	call.state = callInFlight
	call.attempts++
	q.inFlight = append(q.inFlight, call)

	n := call.attempts
	call.running.Add(1)
	go func() {
		v, err := call.attempt()
		call.running.Done()
		select {
		case q.outcomes <- attemptOutcome{call: call, n: n, v: v, err: err}:
		case <-q.done:
		}
	}()
}

// complete handles the outcome of one attempt, and returns true if that left the queue empty and
// it has been removed from the Coordinator.
func (q *backoffQueue) complete(o attemptOutcome) bool {
	call := o.call
	if call.state == callDone {
		// An earlier attempt of the same call already finished it.
		return false
	}

	switch {
	case o.err == nil:
		q.remove(call)
		drained := q.empty()
		if drained {
			q.drained()
		} else {
			q.delay = q.minDelay
			q.schedule()
		}
		call.done <- callResult{v: o.v}
		return drained

	case q.isRateLimit(o.err):
		q.throttled.record(time.Now())
		// Only the current attempt of a call still in flight resets the queue. Otherwise the
		// queue was already reset since this attempt started.
		if call.state != callInFlight || o.n != call.attempts {
			return false
		}
		q.reset()
		return false

	default:
		q.remove(call)
		drained := q.empty()
		if drained {
			q.drained()
		} else if len(q.timers) == 0 && q.nToRetry > 0 {
			q.schedule()
		}
		call.done <- callResult{err: o.err}
		return drained
	}
}

// reset backs off the whole queue: every call in flight goes back to be retried after a doubled
// delay, and only the one new tick is left scheduled.
func (q *backoffQueue) reset() {
	q.cancelTimers()
	for _, call := range q.inFlight {
		call.state = callQueued
		q.toRetry.PushBack(call)
		q.nToRetry++
	}
	q.inFlight = nil

	if q.delay > math.MaxInt64/2 {
		q.delay = math.MaxInt64
	} else {
		q.delay *= 2
	}
	q.schedule()

	q.log.Debug("retry rate limited, backing off",
		zap.Duration("delay", q.delay),
		zap.Int("to_retry", q.nToRetry),
	)
}

func (q *backoffQueue) remove(call *pendingCall) {
	switch call.state {
	case callQueued:
		q.nToRetry--
	case callInFlight:
		for i, other := range q.inFlight {
			if other == call {
				q.inFlight = append(q.inFlight[:i], q.inFlight[i+1:]...)
				break
			}
		}
	}
	call.state = callDone
}

func (q *backoffQueue) empty() bool {
	return q.nToRetry == 0 && len(q.inFlight) == 0
}

func (q *backoffQueue) drained() {
	q.cancelTimers()
	q.forget()
	q.log.Debug("resource healthy again")
}

func (q *backoffQueue) shutdown() {
	q.cancelTimers()
	for _, call := range q.inFlight {
		call.state = callDone
		call.done <- callResult{err: ErrClosed}
	}
	q.inFlight = nil
	for {
		call, ok := q.pop()
		if !ok {
			break
		}
		call.state = callDone
		call.done <- callResult{err: ErrClosed}
	}
}
