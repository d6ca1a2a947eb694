package backoff

import (
	"time"
)

// throttleWindow counts the rate-limit failures a backoffQueue has seen over roughly the last
// `len(slots) * width`, including the one that created the queue and those of stale attempts. It is
// reported as QueueStats.Throttled and plays no part in retry decisions.
//
// Time is cut into slots of `width`; slots that fall out of the window are zeroed as the window
// slides. Only the queue's goroutine touches it.
type throttleWindow struct {
	width time.Duration
	epoch time.Time

	// Offset from epoch of the slot `head` refers to, truncated to width.
	headAt time.Duration
	head   int
	total  int
	// Circular buffer of per-slot counts.
	slots []int
}

func newThrottleWindow(now time.Time, width time.Duration, n int) throttleWindow {
	return throttleWindow{
		width: width,
		epoch: now,
		slots: make([]int, n),
	}
}

func (w *throttleWindow) record(now time.Time) {
	w.count(now)
	w.slots[w.head]++
	w.total++
}

func (w *throttleWindow) count(now time.Time) int {
	at := now.Sub(w.epoch).Truncate(w.width)
	passed := int((at - w.headAt) / w.width)
	if passed <= 0 {
		return w.total
	}
	// Wrapping past every slot clears the same slots as passing each of them once.
	if passed > len(w.slots) {
		passed = len(w.slots)
	}
	for i := 0; i < passed; i++ {
		w.head = (w.head + 1) % len(w.slots)
		w.total -= w.slots[w.head]
		w.slots[w.head] = 0
	}
	w.headAt = at
	return w.total
}
