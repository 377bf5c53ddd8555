// Package events provides the broadcast streams that carry link state
// changes and decoded protocol messages to any number of consumers.
package events

import (
	"sync"
)

const subscriberBuffer = 64

// subscriber owns one consumer channel. Events that do not fit in the
// channel wait in an overflow queue so a slow consumer delays only itself.
type subscriber[T any] struct {
	ch      chan T
	wake    chan struct{}
	done    chan struct{}
	mu      sync.Mutex
	pending []T
}

// Bus fans values out to all registered subscribers. Publish never blocks
// and never drops: every subscriber sees every value published while it is
// subscribed, in publish order.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[*subscriber[T]]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewBus constructs a ready Bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[*subscriber[T]]struct{})}
}

// Subscribe registers a consumer. The returned function unsubscribes and
// closes the channel; it is safe to call more than once. Subscribing to a
// closed bus yields an already-closed channel.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{
		ch:   make(chan T, subscriberBuffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.pump(s)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			_, ok := b.subs[s]
			delete(b.subs, s)
			b.mu.Unlock()
			if ok {
				close(s.done)
			}
		})
	}
	return s.ch, unsub
}

// Publish queues v for every current subscriber.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.mu.Lock()
		s.pending = append(s.pending, v)
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone and waits for delivery goroutines to exit.
// Values not yet taken by a consumer are discarded.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*subscriber[T]]struct{})
	b.mu.Unlock()

	for s := range subs {
		close(s.done)
	}
	b.wg.Wait()
}

// pump moves queued values into the consumer channel until the subscriber
// is cancelled.
func (b *Bus[T]) pump(s *subscriber[T]) {
	defer b.wg.Done()
	defer close(s.ch)

	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, v := range batch {
			select {
			case s.ch <- v:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
