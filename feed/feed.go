// Package feed holds the in-memory message log of the room a view has open.
package feed

import (
	"iter"
	"sync"

	"devconnect/types"
)

const DefaultCapacity = 200

// Feed is a bounded ring of messages in receipt order. When full, the oldest
// message is evicted to make room for the newest.
type Feed struct {
	mu    sync.RWMutex
	buf   []types.Message
	start int
	count int
}

func New(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Feed{buf: make([]types.Message, capacity)}
}

func (f *Feed) Append(msg types.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.count < len(f.buf) {
		f.buf[(f.start+f.count)%len(f.buf)] = msg
		f.count++
		return
	}
	f.buf[f.start] = msg
	f.start = (f.start + 1) % len(f.buf)
}

// Snapshot captures the feed as it is now. The returned sequence yields
// messages oldest first and can be ranged over any number of times.
func (f *Feed) Snapshot() iter.Seq[types.Message] {
	f.mu.RLock()
	items := make([]types.Message, f.count)
	for i := range items {
		items[i] = f.buf[(f.start+i)%len(f.buf)]
	}
	f.mu.RUnlock()

	return func(yield func(types.Message) bool) {
		for _, msg := range items {
			if !yield(msg) {
				return
			}
		}
	}
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

func (f *Feed) Cap() int {
	return len(f.buf)
}

func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.buf)
	f.start = 0
	f.count = 0
}
