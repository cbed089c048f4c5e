// Package events implements the gateway's lifecycle event streams: typed
// pub-sub for the Health Monitor's node.dead and the Delegation Manager's
// delegation.* events. Unlike a buffered channel bus, delivery here is
// synchronous — Publish calls every subscriber inline on the publisher's
// goroutine, so subscribers observe events in emission order without the
// gateway owning a retry/backpressure story. A panicking subscriber is
// swallowed and logged so it cannot break delivery to the others, the same
// per-call recover-and-continue shape agentcore's executeAgent uses around
// a subagent's Execute call.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Emitter is a typed, synchronous pub-sub channel for one event type T.
type Emitter[T any] struct {
	log *zap.Logger

	mu     sync.RWMutex
	nextID int64
	subs   map[int64]func(T)
}

// NewEmitter creates an empty Emitter. log may be nil (a no-op logger is
// substituted) and is only used to report subscriber panics.
func NewEmitter[T any](log *zap.Logger) *Emitter[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter[T]{log: log, subs: make(map[int64]func(T))}
}

// Subscribe registers fn to be called synchronously on every Publish.
// The returned function removes the subscription; it is safe to call
// more than once.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Publish delivers ev to every current subscriber, in registration order
// is not guaranteed (map iteration), but delivery to each is synchronous
// and a panicking subscriber does not prevent delivery to the rest.
func (e *Emitter[T]) Publish(ev T) {
	e.mu.RLock()
	fns := make([]func(T), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		e.callSafely(fn, ev)
	}
}

func (e *Emitter[T]) callSafely(fn func(T), ev T) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event subscriber panicked", zap.Any("recover", r))
		}
	}()
	fn(ev)
}

// Clear removes every subscriber. Used by dispose/stop paths.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.subs = make(map[int64]func(T))
	e.mu.Unlock()
}
