// Package notify fans typed events out to subscribers and builds the
// user-facing notifications derived by the sync engine.
package notify

import "sync"

// Feed is a typed one-to-many broadcaster. Publishing never blocks: a
// subscriber whose buffer is full loses its oldest pending value.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// Subscription receives values published to a Feed until Close is called.
type Subscription[T any] struct {
	feed *Feed[T]
	ch   chan T
	once sync.Once
}

// NewFeed creates an empty feed.
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new subscriber with the given buffer size.
// A subscription on a closed feed starts out closed.
func (f *Feed[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription[T]{feed: f, ch: make(chan T, buffer)}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	f.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every current subscriber.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	for s := range f.subs {
		select {
		case s.ch <- v:
		default:
			// Full: drop the oldest value and retry once.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- v:
			default:
			}
		}
	}
}

// Len returns the number of live subscriptions.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every subscription. Later publishes are ignored.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for s := range f.subs {
		delete(f.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

// C returns the receive channel. It is closed after Close or Feed.Close.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()

	delete(s.feed.subs, s)
	s.once.Do(func() { close(s.ch) })
}
