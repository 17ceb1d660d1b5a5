// SPDX-FileCopyrightText: 2026 Nextcloud GmbH and Nextcloud contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventbus delivers values to subscribers on a single dispatcher
// goroutine, in publish order. Publish never blocks.
package eventbus

import (
	"log/slog"
	"sync"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

type Bus[T any] struct {
	mu     sync.Mutex
	subs   []subscriber[T]
	nextID uint64
	queue  []T
	wake   chan struct{}
	done   chan struct{}
	closed bool

	logger *slog.Logger
}

func New[T any](name string) *Bus[T] {
	b := &Bus[T]{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: slog.With("component", "eventbus", "bus", name),
	}
	go b.dispatch()
	return b
}

// Subscribe registers fn and returns a function that removes it. A handler may
// still observe a value whose dispatch began before it unsubscribed.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, v)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close stops the dispatcher. Values still queued are dropped.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.queue = nil
	close(b.done)
}

func (b *Bus[T]) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if b.closed || len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			v := b.queue[0]
			var zero T
			b.queue[0] = zero
			b.queue = b.queue[1:]
			subs := make([]subscriber[T], len(b.subs))
			copy(subs, b.subs)
			b.mu.Unlock()

			for _, s := range subs {
				b.deliver(s, v)
			}
		}
	}
}

func (b *Bus[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "subscriber_id", s.id, "panic", r)
		}
	}()
	s.fn(v)
}
