// Package catchup keeps the most recent coordinate records under monotonic
// sequence numbers so a dashboard viewer that reconnects can resume where it
// left off instead of missing positions.
package catchup

import (
	"sync"

	"github.com/chronologos/gpstrack/internal/store"
)

const (
	DefaultCapacity = 1024

	// liveBuffer is the per-subscriber channel depth. A subscriber that falls
	// further behind loses records and sees a gap in Seq.
	liveBuffer = 64
)

// Entry is one journaled record.
type Entry struct {
	Seq    uint64
	Record store.CoordinateRecord
}

// Buffer is a ring of the newest records plus a live fan-out. Sequence
// numbers start at 1 and never repeat. When the ring is full the oldest
// entry is evicted.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	head     int // index of next write position
	count    int // number of entries stored
	capacity int // slots in ring
	lastSeq  uint64

	subs   map[int]chan Entry
	nextID int
	closed bool
}

// New creates a buffer holding up to capacity records (<= 0 selects
// DefaultCapacity).
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]Entry, capacity),
		capacity: capacity,
		subs:     make(map[int]chan Entry),
	}
}

// Append journals rec under the next sequence number and hands it to every
// live subscriber without blocking.
func (b *Buffer) Append(rec store.CoordinateRecord) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}

	if b.count >= b.capacity {
		b.evictOldest()
	}
	b.lastSeq++
	e := Entry{Seq: b.lastSeq, Record: rec}
	b.entries[b.head] = e
	b.head = (b.head + 1) % b.capacity
	b.count++

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return e.Seq
}

// tail returns the index of the oldest entry. Caller must hold b.mu and ensure b.count > 0.
func (b *Buffer) tail() int {
	return (b.head - b.count + b.capacity) % b.capacity
}

// newest returns the index of the most recent entry. Caller must hold b.mu and ensure b.count > 0.
func (b *Buffer) newest() int {
	return (b.head - 1 + b.capacity) % b.capacity
}

func (b *Buffer) evictOldest() {
	b.entries[b.tail()] = Entry{}
	b.count--
}

// ReplaySince returns all stored entries with sequence number > afterSeq,
// in order. Returns nil if no entries qualify.
func (b *Buffer) ReplaySince(afterSeq uint64) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replaySince(afterSeq)
}

func (b *Buffer) replaySince(afterSeq uint64) []Entry {
	if b.count == 0 {
		return nil
	}

	var result []Entry
	t := b.tail()
	for i := 0; i < b.count; i++ {
		e := b.entries[(t+i)%b.capacity]
		if e.Seq > afterSeq {
			result = append(result, e)
		}
	}
	return result
}

// SubscribeSince returns the backlog after afterSeq and a channel of every
// entry appended from then on. Taking both under one lock means nothing is
// missed or delivered twice between them. The channel is closed by cancel or
// by Close.
func (b *Buffer) SubscribeSince(afterSeq uint64) (backlog []Entry, live <-chan Entry, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Entry, liveBuffer)
	if b.closed {
		close(ch)
		return nil, ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return b.replaySince(afterSeq), ch, cancel
}

// Close ends every subscription. Later appends are ignored.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.closed = true
}

// Subscribers returns the number of live subscriptions.
func (b *Buffer) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// OldestSeq returns the oldest sequence number in the buffer, or 0 if empty.
func (b *Buffer) OldestSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return 0
	}
	return b.entries[b.tail()].Seq
}

// NewestSeq returns the newest sequence number in the buffer, or 0 if empty.
func (b *Buffer) NewestSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return 0
	}
	return b.entries[b.newest()].Seq
}
