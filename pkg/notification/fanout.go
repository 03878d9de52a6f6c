// Package notification multiplexes events to any number of independently
// registered subscribers.
package notification

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	slogctx "github.com/veqryn/slog-context"
)

// Handler receives one published event.
type Handler[T any] func(ctx context.Context, event T)

// Subscription is the ownership handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the subscriber. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type Option[T any] func(*Fanout[T])

// WithDedupe drops events whose key was already published within window.
// Events with an empty key are always delivered.
func WithDedupe[T any](key func(T) string, window time.Duration) Option[T] {
	return func(f *Fanout[T]) {
		if key == nil || window <= 0 {
			return
		}
		f.dedupeKey = key
		f.seen = cache.New(window, 2*window)
	}
}

// Fanout delivers every published event to all current subscribers.
type Fanout[T any] struct {
	mu          sync.RWMutex
	subscribers map[uint64]Handler[T]
	nextID      uint64

	dedupeKey func(T) string
	seen      *cache.Cache
}

func New[T any](opts ...Option[T]) *Fanout[T] {
	f := &Fanout[T]{
		subscribers: make(map[uint64]Handler[T]),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Subscribe registers h and returns the handle that removes it.
func (f *Fanout[T]) Subscribe(h Handler[T]) *Subscription {
	if h == nil {
		return &Subscription{}
	}

	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subscribers[id] = h
	f.mu.Unlock()

	return &Subscription{
		cancel: func() {
			f.mu.Lock()
			delete(f.subscribers, id)
			f.mu.Unlock()
		},
	}
}

// Publish invokes every subscriber registered at call time, in subscription
// order, and returns how many were invoked. A panicking subscriber is
// recovered and does not prevent delivery to the others.
func (f *Fanout[T]) Publish(ctx context.Context, event T) int {
	if f.isDuplicate(event) {
		slogctx.Debug(ctx, "Dropping duplicate notification")
		return 0
	}

	f.mu.RLock()
	ids := slices.Sorted(maps.Keys(f.subscribers))
	handlers := make([]Handler[T], 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, f.subscribers[id])
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		deliver(ctx, h, event)
	}

	return len(handlers)
}

// Len returns the number of current subscribers.
func (f *Fanout[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Clear removes all subscribers. Outstanding handles stay safe to call.
func (f *Fanout[T]) Clear() {
	f.mu.Lock()
	clear(f.subscribers)
	f.mu.Unlock()
}

func (f *Fanout[T]) isDuplicate(event T) bool {
	if f.dedupeKey == nil {
		return false
	}
	key := f.dedupeKey(event)
	if key == "" {
		return false
	}
	// Add fails when the key is still live.
	return f.seen.Add(key, struct{}{}, cache.DefaultExpiration) != nil
}

func deliver[T any](ctx context.Context, h Handler[T], event T) {
	defer func() {
		if r := recover(); r != nil {
			slogctx.Error(ctx, "Notification subscriber panicked", "panic", r)
		}
	}()
	h(ctx, event)
}
