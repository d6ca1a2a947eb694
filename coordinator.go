package backoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bradenaw/juniper/xsync"
	"go.uber.org/zap"
)

const (
	// DefaultMinimumDelay is the delay a backoff queue starts at, and resets to after every
	// successful retry.
	DefaultMinimumDelay = 25 * time.Millisecond

	// DefaultMaxConcurrentRetries is the default cap on retries in flight for one resource.
	DefaultMaxConcurrentRetries = 3
)

// Coordinator tracks, per resource identity K, whether the resource is being throttled, and if so
// owns the backoff queue that every call against it goes through.
//
// K is only ever compared and used as a map key. It is also logged with %v, so it should not be a
// secret.
type Coordinator[K comparable] struct {
	minDelay    time.Duration
	maxInFlight int
	isRateLimit func(error) bool
	log         *zap.Logger
	bg          *xsync.Group

	m      sync.Mutex
	closed bool
	queues map[K]*backoffQueue
}

type CoordinatorOption struct{ f func(*coordinatorOptions) }

type coordinatorOptions struct {
	minDelay    time.Duration
	maxInFlight int
	isRateLimit func(error) bool
	log         *zap.Logger
}

// CoordinatorMinimumDelay sets the initial retry delay, which is also what the delay resets to
// after a successful retry.
func CoordinatorMinimumDelay(d time.Duration) CoordinatorOption {
	return CoordinatorOption{func(opts *coordinatorOptions) {
		opts.minDelay = d
	}}
}

// CoordinatorMaxConcurrentRetries caps how many retries may be in flight at once for a single
// resource.
func CoordinatorMaxConcurrentRetries(n int) CoordinatorOption {
	return CoordinatorOption{func(opts *coordinatorOptions) {
		opts.maxInFlight = n
	}}
}

// CoordinatorClassifier replaces IsRateLimit as the test for whether a failure means the resource
// is being throttled.
func CoordinatorClassifier(isRateLimit func(error) bool) CoordinatorOption {
	return CoordinatorOption{func(opts *coordinatorOptions) {
		opts.isRateLimit = isRateLimit
	}}
}

func CoordinatorLogger(log *zap.Logger) CoordinatorOption {
	return CoordinatorOption{func(opts *coordinatorOptions) {
		opts.log = log
	}}
}

func NewCoordinator[K comparable](options ...CoordinatorOption) *Coordinator[K] {
	opts := coordinatorOptions{
		minDelay:    DefaultMinimumDelay,
		maxInFlight: DefaultMaxConcurrentRetries,
		isRateLimit: IsRateLimit,
		log:         zap.NewNop(),
	}
	for _, option := range options {
		option.f(&opts)
	}
	if opts.minDelay <= 0 {
		panic(errZeroDelay)
	}
	if opts.maxInFlight < 1 {
		panic(errZeroRetries)
	}

	return &Coordinator[K]{
		minDelay:    opts.minDelay,
		maxInFlight: opts.maxInFlight,
		isRateLimit: opts.isRateLimit,
		log:         opts.log,
		bg:          xsync.NewGroup(context.Background()),
		queues:      make(map[K]*backoffQueue),
	}
}

// Do calls f, unless key is currently throttled, in which case the call waits in key's backoff
// queue. A rate-limit failure is never returned: the call is queued and retried until f succeeds
// or fails with some other error, which is returned unchanged.
//
// ctx is passed to every attempt of f but does not abandon a call that is waiting in the queue;
// the call will see ctx's error on its next attempt. Do does not return while any attempt of f it
// started is still running.
func Do[K comparable, T any](
	ctx context.Context,
	c *Coordinator[K],
	key K,
	f func(context.Context) (T, error),
) (T, error) {
	var zero T
	call := newPendingCall(func() (any, error) {
		t, err := f(ctx)
		return t, err
	})

	queued, err := c.joinIfThrottled(key, call)
	if err != nil {
		return zero, err
	}
	if !queued {
		t, err := f(ctx)
		if err == nil || !c.isRateLimit(err) {
			return t, err
		}
		err = c.enqueue(key, call)
		if err != nil {
			return zero, err
		}
	}

	result := <-call.done
	call.running.Wait()
	if result.err != nil {
		return zero, result.err
	}
	t, _ := result.v.(T)
	return t, nil
}

// Wrap returns a function with the same contract as f whose calls go through Do.
func Wrap[K comparable, A any, T any](
	c *Coordinator[K],
	key K,
	f func(context.Context, A) (T, error),
) func(context.Context, A) (T, error) {
	return func(ctx context.Context, a A) (T, error) {
		return Do(ctx, c, key, func(ctx context.Context) (T, error) {
			return f(ctx, a)
		})
	}
}

// Stats returns a snapshot of key's backoff queue, or false if key is not being throttled.
func (c *Coordinator[K]) Stats(key K) (QueueStats, bool) {
	for {
		q, err := c.lookup(key)
		if err != nil || q == nil {
			return QueueStats{}, false
		}
		stats, ok := q.snapshot()
		if ok {
			return stats, true
		}
	}
}

// Close stops every backoff queue. Calls still waiting in a queue return ErrClosed once none of
// their attempts are running, and calls made afterwards return ErrClosed right away.
func (c *Coordinator[K]) Close() {
	c.m.Lock()
	c.closed = true
	c.queues = make(map[K]*backoffQueue)
	c.m.Unlock()

	c.bg.Wait()
}

func (c *Coordinator[K]) lookup(key K) (*backoffQueue, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.queues[key], nil
}

// joinIfThrottled puts call into key's queue if there is one.
func (c *Coordinator[K]) joinIfThrottled(key K, call *pendingCall) (bool, error) {
	for {
		q, err := c.lookup(key)
		if err != nil {
			return false, err
		}
		if q == nil {
			return false, nil
		}
		// A false here means the queue drained in the meantime, so look again.
		if q.submit(call) {
			return true, nil
		}
	}
}

// enqueue puts call into key's queue, creating it if necessary. call has just been rate limited.
func (c *Coordinator[K]) enqueue(key K, call *pendingCall) error {
	for {
		c.m.Lock()
		if c.closed {
			c.m.Unlock()
			return ErrClosed
		}
		q, ok := c.queues[key]
		if !ok {
			c.startQueueLocked(key, call)
			c.m.Unlock()
			return nil
		}
		c.m.Unlock()

		if q.submit(call) {
			return nil
		}
	}
}

func (c *Coordinator[K]) startQueueLocked(key K, first *pendingCall) {
	now := time.Now()
	q := &backoffQueue{
		minDelay:    c.minDelay,
		maxInFlight: c.maxInFlight,
		isRateLimit: c.isRateLimit,
		log:         c.log.With(zap.String("resource", fmt.Sprintf("%v", key))),

		enqueue:  make(chan *pendingCall),
		outcomes: make(chan attemptOutcome),
		ticks:    make(chan uint64),
		stats:    make(chan chan QueueStats),
		done:     make(chan struct{}),

		delay:     c.minDelay,
		timers:    make(map[uint64]*time.Timer),
		throttled: newThrottleWindow(now, throttleSlotWidth, throttleSlots),
	}
	q.forget = func() {
		c.m.Lock()
		if c.queues[key] == q {
			delete(c.queues, key)
		}
		c.m.Unlock()
	}
	q.throttled.record(now)
	q.push(first)
	c.queues[key] = q

	q.log.Debug("rate limited, backing off", zap.Duration("delay", q.delay))
	c.bg.Once(q.run)
}
