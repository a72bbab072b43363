package runtime

import (
	"sync"
	"time"
)

// handleCounter tracks retry budgets and fault flags for outstanding work
// keyed by K, typically an instance or participant id. The scanner uses it
// to decide between re-driving a command and declaring a timeout.
//
// Safe for concurrent use.
type handleCounter[K comparable] struct {
	maxRetries int
	maxWait    time.Duration

	mu     sync.Mutex
	counts map[K]int
	faults map[K]struct{}
	times  map[K]time.Time
}

func newHandleCounter[K comparable](maxRetries int, maxWait time.Duration) *handleCounter[K] {
	return &handleCounter[K]{
		maxRetries: maxRetries,
		maxWait:    maxWait,
		counts:     make(map[K]int),
		faults:     make(map[K]struct{}),
		times:      make(map[K]time.Time),
	}
}

// clear forgets all tracking for a key, called when its work completes.
func (h *handleCounter[K]) clear(key K) {
	h.mu.Lock()
	delete(h.counts, key)
	delete(h.faults, key)
	delete(h.times, key)
	h.mu.Unlock()
}

// markFault flags a key as faulted. Faulted keys stay flagged until
// cleared; the scanner reports them every cycle without re-driving.
func (h *handleCounter[K]) markFault(key K) {
	h.mu.Lock()
	h.faults[key] = struct{}{}
	h.mu.Unlock()
}

// isFault reports whether a key is flagged.
func (h *handleCounter[K]) isFault(key K) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.faults[key]
	return ok
}

// touch records activity for a key, resetting its wait window. First touch
// starts the window.
func (h *handleCounter[K]) touch(key K, now time.Time) {
	h.mu.Lock()
	h.times[key] = now
	h.mu.Unlock()
}

// overdue reports whether a key's wait window has expired. Keys never
// touched start their window on first query so a fresh transition gets a
// full window.
func (h *handleCounter[K]) overdue(key K, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	started, ok := h.times[key]
	if !ok {
		h.times[key] = now
		return false
	}
	return now.Sub(started) > h.maxWait
}

// increment consumes one retry. It returns true while budget remains and
// false once the key has exhausted its retries.
func (h *handleCounter[K]) increment(key K) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.counts[key]++
	return h.counts[key] <= h.maxRetries
}

// count returns the retries consumed so far.
func (h *handleCounter[K]) count(key K) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[key]
}
