// Package sstable implements the OLTP SSTable: an immutable, sorted,
// memory-mapped file sealed from a flushed MemTable, with a Bloom filter
// for fast negative lookups and a sparse block index for positive ones.
package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/guycipher/k4/bloomfilter"

	"github.com/qaexchange/qax-core/pkg/xerrors"
)

// Magic identifies an OLTP SSTable file. It is 8 bytes, padded with NULs.
var Magic = [8]byte{'Q', 'A', 'X', 'S', 'S', 0, 0, 0}

const (
	headerSize  = 128
	fileVersion = 1

	// DefaultSparseIndexInterval is how many entries separate consecutive
	// sparse index points: fine enough for a short linear scan within a
	// block, coarse enough that the index itself stays small.
	DefaultSparseIndexInterval = 16

	// DefaultBloomFilterBits / DefaultBloomFilterHashes size the Bloom
	// filter for roughly a 1% false-positive rate at moderate entry
	// counts, the same shape guycipher/k4 uses for its own SSTables.
	DefaultBloomFilterBits   = 1_000_000
	DefaultBloomFilterHashes = 8
)

// header is the fixed 128-byte file header. Fields beyond the ones used
// today are reserved so the layout never needs to shrink.
type header struct {
	Magic             [8]byte
	Version           uint32
	EntryCount        uint64
	SparseInterval    uint64
	BloomFilterOffset uint64
	BloomFilterLength uint64
	IndexOffset       uint64
	IndexLength       uint64
	DataOffset        uint64
	DataLength        uint64
	MinTimestampNanos int64
	MaxTimestampNanos int64
}

func (h *header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint64(buf[16:24], h.EntryCount)
	binary.LittleEndian.PutUint64(buf[24:32], h.SparseInterval)
	binary.LittleEndian.PutUint64(buf[32:40], h.BloomFilterOffset)
	binary.LittleEndian.PutUint64(buf[40:48], h.BloomFilterLength)
	binary.LittleEndian.PutUint64(buf[48:56], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[56:64], h.IndexLength)
	binary.LittleEndian.PutUint64(buf[64:72], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[72:80], h.DataLength)
	binary.LittleEndian.PutUint64(buf[80:88], uint64(h.MinTimestampNanos))
	binary.LittleEndian.PutUint64(buf[88:96], uint64(h.MaxTimestampNanos))
	return buf
}

func unmarshalHeader(buf []byte) (*header, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("sstable: short header: %w", xerrors.ErrCorrupted)
	}
	h := &header{}
	copy(h.Magic[:], buf[0:8])
	if h.Magic != Magic {
		return nil, fmt.Errorf("sstable: bad magic: %w", xerrors.ErrCorrupted)
	}
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	h.EntryCount = binary.LittleEndian.Uint64(buf[16:24])
	h.SparseInterval = binary.LittleEndian.Uint64(buf[24:32])
	h.BloomFilterOffset = binary.LittleEndian.Uint64(buf[32:40])
	h.BloomFilterLength = binary.LittleEndian.Uint64(buf[40:48])
	h.IndexOffset = binary.LittleEndian.Uint64(buf[48:56])
	h.IndexLength = binary.LittleEndian.Uint64(buf[56:64])
	h.DataOffset = binary.LittleEndian.Uint64(buf[64:72])
	h.DataLength = binary.LittleEndian.Uint64(buf[72:80])
	h.MinTimestampNanos = int64(binary.LittleEndian.Uint64(buf[80:88]))
	h.MaxTimestampNanos = int64(binary.LittleEndian.Uint64(buf[88:96]))
	return h, nil
}

// KV is one key/value pair to be written into an SSTable. Key is
// typically a memtable.EncodeKey result; Value is a serialized record.
type KV struct {
	Key   []byte
	Value []byte
}

// indexEntry is one sparse index point: the first key at a block and
// that block's byte offset within the data section.
type indexEntry struct {
	Key    []byte
	Offset uint64
}

// Write seals a sorted slice of entries into a new SSTable file at path.
// entries must already be in ascending key order; a decrease is reported
// as ErrOutOfOrder rather than silently accepted.
func Write(path string, entries []KV, sparseInterval int) error {
	if sparseInterval <= 0 {
		sparseInterval = DefaultSparseIndexInterval
	}
	for i := 1; i < len(entries); i++ {
		if bytes.Compare(entries[i].Key, entries[i-1].Key) <= 0 {
			return fmt.Errorf("sstable: %w", xerrors.ErrOutOfOrder)
		}
	}

	bf := bloomfilter.NewBloomFilter(DefaultBloomFilterBits, DefaultBloomFilterHashes)
	for _, e := range entries {
		bf.Add(e.Key)
	}
	bfData, err := bf.Serialize()
	if err != nil {
		return fmt.Errorf("sstable: serialize bloom filter: %w", xerrors.ErrIO)
	}

	var data bytes.Buffer
	var index []indexEntry
	for i, e := range entries {
		if i%sparseInterval == 0 {
			index = append(index, indexEntry{Key: e.Key, Offset: uint64(data.Len())})
		}
		writeUint32(&data, uint32(len(e.Key)))
		data.Write(e.Key)
		writeUint32(&data, uint32(len(e.Value)))
		data.Write(e.Value)
	}

	var indexBuf bytes.Buffer
	writeUint32(&indexBuf, uint32(len(index)))
	for _, ix := range index {
		writeUint32(&indexBuf, uint32(len(ix.Key)))
		indexBuf.Write(ix.Key)
		var offBuf [8]byte
		binary.LittleEndian.PutUint64(offBuf[:], ix.Offset)
		indexBuf.Write(offBuf[:])
	}

	h := &header{
		Magic:             Magic,
		Version:           fileVersion,
		EntryCount:        uint64(len(entries)),
		SparseInterval:    uint64(sparseInterval),
		BloomFilterOffset: headerSize,
		BloomFilterLength: uint64(len(bfData)),
	}
	h.IndexOffset = h.BloomFilterOffset + h.BloomFilterLength
	h.IndexLength = uint64(indexBuf.Len())
	h.DataOffset = h.IndexOffset + h.IndexLength
	h.DataLength = uint64(data.Len())
	if len(entries) > 0 {
		// entries are already sorted ascending by (timestamp_ns, sequence),
		// so the first and last keys bound the timestamp range.
		h.MinTimestampNanos = keyTimestamp(entries[0].Key)
		h.MaxTimestampNanos = keyTimestamp(entries[len(entries)-1].Key)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sstable: create %s: %w", path, xerrors.ErrIO)
	}
	defer f.Close()

	if _, err := f.Write(h.marshal()); err != nil {
		return fmt.Errorf("sstable: write header: %w", xerrors.ErrIO)
	}
	if _, err := f.Write(bfData); err != nil {
		return fmt.Errorf("sstable: write bloom filter: %w", xerrors.ErrIO)
	}
	if _, err := f.Write(indexBuf.Bytes()); err != nil {
		return fmt.Errorf("sstable: write index: %w", xerrors.ErrIO)
	}
	if _, err := f.Write(data.Bytes()); err != nil {
		return fmt.Errorf("sstable: write data: %w", xerrors.ErrIO)
	}
	return f.Sync()
}

// keyTimestamp reads the big-endian timestamp_ns prefix off a key encoded
// by memtable.EncodeKey, without importing memtable to get it.
func keyTimestamp(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[0:8]))
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// Reader is an opened, memory-mapped SSTable. Reads never copy the
// mapped region except where returning a value to the caller.
type Reader struct {
	file  *os.File
	mm    mmap.MMap
	h     *header
	bf    *bloomfilter.BloomFilter
	index []indexEntry
}

// Open memory-maps path and parses its header, Bloom filter, and sparse
// index eagerly; the (much larger) data section is left mapped and
// touched only on demand.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, xerrors.ErrIO)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: mmap %s: %w", path, xerrors.ErrIO)
	}

	h, err := unmarshalHeader(m)
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}

	bfEnd := h.BloomFilterOffset + h.BloomFilterLength
	if uint64(len(m)) < bfEnd {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("sstable: %s: bloom filter out of bounds: %w", path, xerrors.ErrCorrupted)
	}
	bf, err := bloomfilter.Deserialize(m[h.BloomFilterOffset:bfEnd])
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("sstable: %s: bad bloom filter: %w", path, xerrors.ErrCorrupted)
	}

	idxEnd := h.IndexOffset + h.IndexLength
	if uint64(len(m)) < idxEnd {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("sstable: %s: index out of bounds: %w", path, xerrors.ErrCorrupted)
	}
	index, err := parseIndex(m[h.IndexOffset:idxEnd])
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("sstable: %s: %w", path, err)
	}

	return &Reader{file: f, mm: m, h: h, bf: bf, index: index}, nil
}

func parseIndex(buf []byte) ([]indexEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("index: short buffer: %w", xerrors.ErrCorrupted)
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	pos := 4
	out := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(buf) {
			return nil, fmt.Errorf("index: truncated: %w", xerrors.ErrCorrupted)
		}
		keyLen := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4
		if pos+int(keyLen)+8 > len(buf) {
			return nil, fmt.Errorf("index: truncated: %w", xerrors.ErrCorrupted)
		}
		key := buf[pos : pos+int(keyLen)]
		pos += int(keyLen)
		off := binary.LittleEndian.Uint64(buf[pos : pos+8])
		pos += 8
		out = append(out, indexEntry{Key: key, Offset: off})
	}
	return out, nil
}

// EntryCount returns the number of key/value pairs sealed in this file.
func (r *Reader) EntryCount() uint64 { return r.h.EntryCount }

// Path returns the filesystem path this Reader was opened from.
func (r *Reader) Path() string { return r.file.Name() }

// MinTimestamp and MaxTimestamp return the inclusive timestamp_ns range
// sealed into this file, letting a caller skip Scan entirely for a query
// range that can't overlap it.
func (r *Reader) MinTimestamp() int64 { return r.h.MinTimestampNanos }
func (r *Reader) MaxTimestamp() int64 { return r.h.MaxTimestampNanos }

// Get returns the value for key, or ErrNotFound if absent. The Bloom
// filter is checked first so the common miss case never touches the
// data section.
func (r *Reader) Get(key []byte) ([]byte, error) {
	if !r.bf.Check(key) {
		return nil, xerrors.ErrNotFound
	}

	start := r.blockOffsetFor(key)
	data := r.mm[r.h.DataOffset+start : r.h.DataOffset+r.h.DataLength]

	pos := 0
	for pos < len(data) {
		k, v, next, err := readEntry(data, pos)
		if err != nil {
			return nil, err
		}
		cmp := bytes.Compare(k, key)
		if cmp == 0 {
			out := make([]byte, len(v))
			copy(out, v)
			return out, nil
		}
		if cmp > 0 {
			break
		}
		pos = next
	}
	return nil, xerrors.ErrNotFound
}

// blockOffsetFor returns the data-section byte offset of the sparse
// index block that might contain key: the last index point whose key is
// <= the search key, or 0 if key precedes every index point.
func (r *Reader) blockOffsetFor(key []byte) uint64 {
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, key) > 0
	})
	if i == 0 {
		return 0
	}
	return r.index[i-1].Offset
}

func readEntry(data []byte, pos int) (key, value []byte, next int, err error) {
	if pos+4 > len(data) {
		return nil, nil, 0, fmt.Errorf("sstable: truncated entry: %w", xerrors.ErrCorrupted)
	}
	keyLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if pos+keyLen+4 > len(data) {
		return nil, nil, 0, fmt.Errorf("sstable: truncated entry: %w", xerrors.ErrCorrupted)
	}
	key = data[pos : pos+keyLen]
	pos += keyLen
	valLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if pos+valLen > len(data) {
		return nil, nil, 0, fmt.Errorf("sstable: truncated entry: %w", xerrors.ErrCorrupted)
	}
	value = data[pos : pos+valLen]
	pos += valLen
	return key, value, pos, nil
}

// Scan calls fn for every entry with startKey <= key <= endKey, in
// ascending order, stopping early if fn returns false.
func (r *Reader) Scan(startKey, endKey []byte, fn func(key, value []byte) bool) error {
	off := r.blockOffsetFor(startKey)
	data := r.mm[r.h.DataOffset+off : r.h.DataOffset+r.h.DataLength]

	pos := 0
	for pos < len(data) {
		k, v, next, err := readEntry(data, pos)
		if err != nil {
			return err
		}
		if bytes.Compare(k, startKey) >= 0 {
			if bytes.Compare(k, endKey) > 0 {
				return nil
			}
			if !fn(k, v) {
				return nil
			}
		}
		pos = next
	}
	return nil
}

// Close unmaps and closes the underlying file.
func (r *Reader) Close() error {
	if err := r.mm.Unmap(); err != nil {
		return fmt.Errorf("sstable: unmap: %w", xerrors.ErrIO)
	}
	return r.file.Close()
}
