package store

import "sync"

// feedBuffer is the per-subscriber channel capacity.
const feedBuffer = 64

// Feed fans coordinate records out to live subscribers. A subscriber whose
// buffer is full misses the record; publishers never block.
//
// Feed is safe for concurrent use.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan CoordinateRecord
	next   int
	closed bool
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan CoordinateRecord)}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (f *Feed) Subscribe() (<-chan CoordinateRecord, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan CoordinateRecord, feedBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers rec to every subscriber with room in its buffer.
func (f *Feed) Publish(rec CoordinateRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscribers get a closed channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	f.closed = true
}

// Subscribers returns the number of registered subscribers.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
