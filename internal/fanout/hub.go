// Package fanout implements the typed observer used by the transport to push
// classified records to every registered listener.
//
// A Hub delivers synchronously, in registration order, one record at a time.
// Records published while nobody is listening are parked in a bounded replay
// buffer and handed, in order, to the next listener that subscribes. The
// buffer is then empty; a record is replayed at most once.
package fanout

import (
	"fmt"
	"sync"

	"github.com/lalith-99/lazerchat/internal/observ"
	"go.uber.org/zap"
)

// DefaultCapacity is the replay buffer size used when New is given zero.
const DefaultCapacity = 64

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

type Hub[T any] struct {
	name     string
	capacity int
	logger   *zap.Logger

	// deliverMu serializes Publish and the replay in Subscribe so that a
	// listener never sees records out of order.
	deliverMu sync.Mutex

	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
	buffer []T
}

// New returns a hub whose metrics and logs are labelled with name.
func New[T any](name string, capacity int, logger *zap.Logger) *Hub[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub[T]{
		name:     name,
		capacity: capacity,
		logger:   logger.With(zap.String("stream", name)),
	}
}

// Subscribe registers fn and returns the function that removes it. Calling
// the returned function more than once is harmless.
//
// If records were buffered, fn receives them before Subscribe returns.
// Subscribe must not be called from inside a listener of the same hub.
// Unsubscribing from inside a listener is fine.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber[T]{id: id, fn: fn})
	replay := h.buffer
	h.buffer = nil
	h.mu.Unlock()

	if len(replay) > 0 {
		h.logger.Debug("replaying buffered records", zap.Int("count", len(replay)))
	}
	for _, v := range replay {
		h.call(fn, v)
		observ.Dispatched.WithLabelValues(h.name).Inc()
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == id {
			// Copy so a Publish iterating the old slice is unaffected.
			next := make([]subscriber[T], 0, len(h.subs)-1)
			next = append(next, h.subs[:i]...)
			h.subs = append(next, h.subs[i+1:]...)
			return
		}
	}
}

// Publish hands v to every listener. With no listeners v is buffered,
// evicting the oldest record when the buffer is full, and Publish reports
// false.
func (h *Hub[T]) Publish(v T) bool {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	subs := h.subs
	if len(subs) == 0 {
		if len(h.buffer) >= h.capacity {
			h.buffer = h.buffer[1:]
			h.logger.Warn("replay buffer full, dropping oldest record", zap.Int("capacity", h.capacity))
		}
		h.buffer = append(h.buffer, v)
		h.mu.Unlock()
		observ.Buffered.WithLabelValues(h.name).Inc()
		return false
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.call(s.fn, v)
	}
	observ.Dispatched.WithLabelValues(h.name).Add(float64(len(subs)))
	return true
}

func (h *Hub[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("listener panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(v)
}

// Len returns the number of registered listeners.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Buffered returns the number of records waiting for a listener.
func (h *Hub[T]) Buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buffer)
}

// Reset drops every buffered record.
func (h *Hub[T]) Reset() {
	h.mu.Lock()
	h.buffer = nil
	h.mu.Unlock()
}
