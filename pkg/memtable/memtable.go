// Package memtable implements the OLTP MemTable: an ordered, in-memory
// buffer of recently written records keyed by (timestamp_ns, sequence),
// backed by a skip list guarded by the MemTable's own RWMutex, so access
// is not lock-free.
package memtable

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/guycipher/k4/skiplist"

	"github.com/qaexchange/qax-core/pkg/record"
	"github.com/qaexchange/qax-core/pkg/xerrors"
)

// DefaultMaxSizeBytes matches the OLTP MemTable's default flush
// threshold: 64MiB of estimated entry size before a flush is triggered.
const DefaultMaxSizeBytes = 64 * 1024 * 1024

// EstimatedEntrySizeBytes approximates a typical event record plus
// skip-list node overhead. MemTable's own size accounting does not use
// it: InsertBatch counts each entry's key plus serialized record length.
const EstimatedEntrySizeBytes = 256

const keyLen = 8 + 8 // timestamp_ns (8, big-endian) + sequence (8, big-endian)

// EncodeKey packs (timestamp_ns, sequence) into a byte key whose
// lexicographic order matches the pair's natural order, which is what
// the MemTable is keyed and iterated by.
func EncodeKey(timestampNanos int64, sequence uint64) []byte {
	k := make([]byte, keyLen)
	binary.BigEndian.PutUint64(k[0:8], uint64(timestampNanos))
	binary.BigEndian.PutUint64(k[8:16], sequence)
	return k
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(k []byte) (timestampNanos int64, sequence uint64) {
	timestampNanos = int64(binary.BigEndian.Uint64(k[0:8]))
	sequence = binary.BigEndian.Uint64(k[8:16])
	return
}

// Entry is one (key, record) pair returned by Range/IterAll.
type Entry struct {
	TimestampNanos int64
	Sequence       uint64
	Record         record.Record
}

// MemTable is safe for concurrent use. Every skip-list access is wrapped
// in mu (write lock for inserts and Clear, read lock for lookups); the
// size accounting uses an atomic counter so ShouldFlush never blocks a
// writer.
type MemTable struct {
	sl           *skiplist.SkipList
	mu           sync.RWMutex
	sizeBytes    int64
	maxSizeBytes int64
}

// New creates an empty MemTable that reports ShouldFlush once its
// estimated size reaches maxSizeBytes (DefaultMaxSizeBytes if zero).
func New(maxSizeBytes int64) *MemTable {
	if maxSizeBytes <= 0 {
		maxSizeBytes = DefaultMaxSizeBytes
	}
	return &MemTable{
		sl:           skiplist.NewSkipList(12, 0.25),
		maxSizeBytes: maxSizeBytes,
	}
}

// Insert adds one record under its (timestamp_ns, sequence) key.
func (m *MemTable) Insert(timestampNanos int64, sequence uint64, rec record.Record) error {
	return m.InsertBatch([]Entry{{TimestampNanos: timestampNanos, Sequence: sequence, Record: rec}})
}

// InsertBatch adds several records in one call, amortizing the
// size-accounting lock across the whole batch.
func (m *MemTable) InsertBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var added int64
	for _, e := range entries {
		payload, err := record.Serialize(e.Record)
		if err != nil {
			return err
		}
		key := EncodeKey(e.TimestampNanos, e.Sequence)
		m.mu.Lock()
		m.sl.Insert(key, payload, nil)
		m.mu.Unlock()
		added += int64(len(key) + len(payload))
	}
	atomic.AddInt64(&m.sizeBytes, added)
	return nil
}

// Get looks up the exact (timestamp_ns, sequence) key.
func (m *MemTable) Get(timestampNanos int64, sequence uint64) (record.Record, error) {
	key := EncodeKey(timestampNanos, sequence)
	m.mu.RLock()
	value, found := m.sl.Search(key)
	m.mu.RUnlock()
	if !found {
		return nil, xerrors.ErrNotFound
	}
	return record.Deserialize(value)
}

// IterAll returns every entry in ascending key order.
func (m *MemTable) IterAll() ([]Entry, error) {
	return m.Range(minInt64, maxInt64)
}

const (
	minInt64 = -1 << 63
	maxInt64 = 1<<63 - 1
)

// Range returns every entry whose timestamp falls within
// [startNanos, endNanos], in ascending key order. Because MemTable keys
// sort by timestamp first, iteration can stop as soon as it passes
// endNanos.
func (m *MemTable) Range(startNanos, endNanos int64) ([]Entry, error) {
	if startNanos > endNanos {
		return nil, xerrors.ErrInvalidArgument
	}

	m.mu.RLock()
	it := skiplist.NewIterator(m.sl)
	m.mu.RUnlock()

	var out []Entry
	for it.Next() {
		key, value := it.Current()
		ts, seq := DecodeKey(key)
		if ts < startNanos {
			continue
		}
		if ts > endNanos {
			break
		}
		rec, err := record.Deserialize(value)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{TimestampNanos: ts, Sequence: seq, Record: rec})
	}
	return out, nil
}

// Clear discards the MemTable's contents after a successful flush to an
// OLTP SSTable.
func (m *MemTable) Clear() {
	m.mu.Lock()
	m.sl = skiplist.NewSkipList(12, 0.25)
	m.mu.Unlock()
	atomic.StoreInt64(&m.sizeBytes, 0)
}

// SizeBytes returns the estimated in-memory footprint.
func (m *MemTable) SizeBytes() int64 {
	return atomic.LoadInt64(&m.sizeBytes)
}

// skiplistSizeBytes exposes the skip list's own internal byte-size
// estimate, primarily useful for tests cross-checking SizeBytes.
func (m *MemTable) skiplistSizeBytes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sl.Size()
}

// ShouldFlush reports whether the MemTable has reached its configured
// threshold and should be sealed into an OLTP SSTable.
func (m *MemTable) ShouldFlush() bool {
	return m.SizeBytes() >= m.maxSizeBytes
}
