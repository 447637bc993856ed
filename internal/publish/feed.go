// Package publish provides [Feed], a multi-subscriber broadcast of snapshot
// values. It decouples the cadence at which snapshots are produced (store
// commits, sync passes) from the cadence at which consumers render them.
//
// A Feed keeps only the latest value. New subscribers receive it
// immediately; slow subscribers skip intermediate values and always observe
// the most recent one.
package publish

import (
	"context"
	"sync"
)

// Feed broadcasts snapshot values of type T. The zero value is not usable;
// create one with [NewFeed].
type Feed[T any] struct {
	mu     sync.Mutex
	latest T
	has    bool
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewFeed returns an empty Feed.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Publish records v as the latest snapshot and delivers it to every
// subscriber. It never blocks: a subscriber that has not consumed the
// previous value has it replaced by v.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.latest = v
	f.has = true
	for s := range f.subs {
		s.offer(v)
	}
}

// Latest returns the most recently published value and whether one exists.
func (f *Feed[T]) Latest() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.has
}

// Subscribe registers a new subscriber. If a value has already been
// published it is replayed at once. The subscription ends when ctx is
// cancelled, when [Subscription.Close] is called, or when the feed is closed.
func (f *Feed[T]) Subscribe(ctx context.Context) *Subscription[T] {
	s := &Subscription[T]{
		feed: f,
		ch:   make(chan T, 1),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		s.once.Do(func() {
			close(s.done)
			close(s.ch)
		})
		return s
	}
	f.subs[s] = struct{}{}
	if f.has {
		s.offer(f.latest)
	}
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

// Subscribers returns the number of live subscriptions.
func (f *Feed[T]) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every subscription. Later publishes are ignored and later
// subscriptions are closed immediately.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := make([]*Subscription[T], 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Subscription is one consumer of a [Feed].
type Subscription[T any] struct {
	feed *Feed[T]
	ch   chan T
	done chan struct{}
	once sync.Once
}

// C returns the channel of snapshots. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		close(s.done)
		close(s.ch)
		s.feed.mu.Unlock()
	})
}

// offer replaces any undelivered value with v. Callers hold feed.mu, which
// makes the publisher the only sender on ch.
func (s *Subscription[T]) offer(v T) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
}
