// Package hub holds the latest immutable value of a producer and notifies subscribers
// at most once per interval.
//
// Publish always replaces the current value. If the previous notification went out at
// least one interval ago, subscribers are notified immediately; otherwise a single
// trailing timer fires at lastEmit+interval. Bursts collapse into one notification and
// subscribers always read the latest value through Load.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the notification throttle used by the sample store.
const DefaultInterval = 200 * time.Millisecond

// Hub is safe for concurrent use. Subscriber callbacks run on the publishing goroutine
// or on the trailing timer goroutine and must not block.
type Hub[T any] struct {
	current  atomic.Pointer[T]
	interval time.Duration
	logger   *logrus.Logger

	mu       sync.Mutex
	lastEmit time.Time
	timer    *time.Timer
	closed   bool

	subs   *hashmap.Map[uint64, func()]
	nextID atomic.Uint64
	emits  atomic.Uint64
}

// New creates a hub. An interval of zero notifies synchronously on every Publish.
func New[T any](interval time.Duration, logger *logrus.Logger) *Hub[T] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub[T]{
		interval: interval,
		logger:   logger,
		subs:     hashmap.New[uint64, func()](),
	}
}

// Load returns the latest published value, or nil before the first Publish.
func (h *Hub[T]) Load() *T {
	return h.current.Load()
}

// Publish replaces the current value and schedules a notification.
// The value must not be mutated after this call.
func (h *Hub[T]) Publish(v *T) {
	h.Set(v)
	h.Notify()
}

// Set replaces the current value without notifying. Pair it with Notify when the
// value is produced under a lock that subscribers must not run under.
func (h *Hub[T]) Set(v *T) {
	h.current.Store(v)
}

// Notify schedules a notification for the current value, subject to the throttle.
func (h *Hub[T]) Notify() {
	h.schedule()
}

// Subscribe registers fn and returns a function that removes it.
func (h *Hub[T]) Subscribe(fn func()) (unsubscribe func()) {
	id := h.nextID.Add(1)
	h.subs.Set(id, fn)
	var once sync.Once
	return func() {
		once.Do(func() { h.subs.Del(id) })
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub[T]) Subscribers() int {
	return h.subs.Len()
}

// Emits returns how many notifications went out since creation.
func (h *Hub[T]) Emits() uint64 {
	return h.emits.Load()
}

// Close cancels a pending trailing notification. Later publishes still update Load
// but no longer notify.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Hub[T]) schedule() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	// a trailing notification is already queued; it will read the latest value
	if h.timer != nil {
		h.mu.Unlock()
		return
	}

	now := time.Now()
	elapsed := now.Sub(h.lastEmit)
	if elapsed >= h.interval {
		h.lastEmit = now
		h.mu.Unlock()
		h.emit()
		return
	}

	h.timer = time.AfterFunc(h.interval-elapsed, h.fire)
	h.mu.Unlock()
}

func (h *Hub[T]) fire() {
	h.mu.Lock()
	if h.closed || h.timer == nil {
		h.mu.Unlock()
		return
	}
	h.timer = nil
	h.lastEmit = time.Now()
	h.mu.Unlock()
	h.emit()
}

func (h *Hub[T]) emit() {
	h.emits.Add(1)
	h.subs.Range(func(id uint64, fn func()) bool {
		h.notify(id, fn)
		return true
	})
}

func (h *Hub[T]) notify(id uint64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"subscriber": id,
				"panic":      r,
			}).Error("Subscriber panicked during notification")
		}
	}()
	fn()
}
