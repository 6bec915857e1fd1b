// Package query implements the unified query router: it merges the
// low-latency stream buffer, OLTP storage (MemTable + sealed SSTables),
// and converted OLAP files into one time-range query and aggregation
// surface, routing each request by where the requested range falls
// relative to the OLAP conversion cutoff.
package query

import (
	"sync"

	"github.com/qaexchange/qax-core/pkg/record"
)

// DefaultStreamBufferCapacity bounds how many recent entries one key's
// ring holds before the oldest is evicted.
const DefaultStreamBufferCapacity = 4096

// Entry is one record surfaced by the stream buffer or the router,
// carrying its storage key (timestamp, sequence) alongside the payload.
type Entry struct {
	TimestampNanos int64
	Sequence       uint64
	Record         record.Record
}

// StreamBuffer is a bounded, per-key ring buffer of the most recently
// pushed records. It exists purely as a latency optimization for data a
// producer wants visible before (or regardless of) a durable write;
// correctness never depends on it holding anything; entries are
// overwritten oldest-first once a key's ring fills.
type StreamBuffer struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string][]Entry
}

// NewStreamBuffer creates a StreamBuffer whose per-key rings hold at
// most capacity entries (DefaultStreamBufferCapacity if <= 0).
func NewStreamBuffer(capacity int) *StreamBuffer {
	if capacity <= 0 {
		capacity = DefaultStreamBufferCapacity
	}
	return &StreamBuffer{capacity: capacity, rings: make(map[string][]Entry)}
}

// Push appends an entry to key's ring. Intended to be called by a
// single writer per key; concurrent pushes to the same key are safe but
// their relative order is whatever arrival order the mutex serializes.
func (b *StreamBuffer) Push(key string, e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.rings[key]
	ring = append(ring, e)
	if len(ring) > b.capacity {
		ring = ring[len(ring)-b.capacity:]
	}
	b.rings[key] = ring
}

// Range returns every entry for key with a timestamp in
// [startNanos, endNanos], in the order they were pushed.
func (b *StreamBuffer) Range(key string, startNanos, endNanos int64) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ring := b.rings[key]
	var out []Entry
	for _, e := range ring {
		if e.TimestampNanos >= startNanos && e.TimestampNanos <= endNanos {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the total number of entries buffered across every key.
func (b *StreamBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, ring := range b.rings {
		n += len(ring)
	}
	return n
}

// Keys returns every key with at least one buffered entry.
func (b *StreamBuffer) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.rings))
	for k := range b.rings {
		out = append(out, k)
	}
	return out
}
