package telemetry

import "sync"

// Feed is a Sink that broadcasts to any number of subscribers. A slow
// subscriber only ever sees the latest value: older undelivered values are
// replaced.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	last   T
	has    bool
	closed bool
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[int]chan T)}
}

func (f *Feed[T]) Report(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.last, f.has = v, true
	for _, ch := range f.subs {
		offer(ch, v)
	}
}

// Latest returns the last reported value, if any.
func (f *Feed[T]) Latest() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.has
}

// Subscribe returns a channel receiving subsequent values, primed with the
// latest value if one exists. The returned func unsubscribes.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan T, 1)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	if f.has {
		ch <- f.last
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

// Close ends every subscription. Reports after Close are dropped.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
