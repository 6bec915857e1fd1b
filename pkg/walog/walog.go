// Package walog implements the write-ahead log each per-instrument shard
// uses for durability: segmented rolling files, group commit (one fsync
// per batch), a CRC32 per entry, and strictly monotonic sequence numbers.
package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qaexchange/qax-core/pkg/record"
	"github.com/qaexchange/qax-core/pkg/xerrors"
)

// entryHeaderSize is the fixed prefix before the record bytes: u32 length
// + u32 crc32 + u64 sequence + i64 timestamp_ns.
const entryHeaderSize = 4 + 4 + 8 + 8

// DefaultSegmentMaxBytes is the size at which a segment is rolled.
const DefaultSegmentMaxBytes = 64 * 1024 * 1024

// Config controls segment rolling and sync behavior.
type Config struct {
	Dir             string
	SegmentMaxBytes int64
	Logger          zerolog.Logger
}

// Entry is one record read back from the log, with its WAL-assigned
// sequence number and timestamp attached.
type Entry struct {
	Sequence       uint64
	TimestampNanos int64
	Record         record.Record
	Raw            []byte
}

// WAL is a single per-shard write-ahead log spanning one or more segment
// files under Dir. Callers append records; Replay reconstructs them in
// sequence order at startup.
type WAL struct {
	mu sync.Mutex

	dir             string
	segmentMaxBytes int64
	logger          zerolog.Logger

	file         *os.File
	writer       *bufio.Writer
	segmentBytes int64

	nextSeq uint64
	closed  bool
	poisoned bool
}

// Open creates or resumes a WAL in cfg.Dir, replaying existing segments
// to determine the next sequence number to assign. It does not return the
// replayed entries; call Replay separately if the caller needs them.
func Open(cfg Config) (*WAL, error) {
	if cfg.SegmentMaxBytes <= 0 {
		cfg.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("walog: mkdir %s: %w", cfg.Dir, xerrors.ErrIO)
	}

	w := &WAL{
		dir:             cfg.Dir,
		segmentMaxBytes: cfg.SegmentMaxBytes,
		logger:          cfg.Logger,
	}

	entries, err := w.Replay()
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		w.nextSeq = entries[len(entries)-1].Sequence + 1
	}

	if err := w.openActiveSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func segmentPath(dir string, firstSeq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.wal", firstSeq))
}

func (w *WAL) openActiveSegment() error {
	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}

	var path string
	if len(segments) == 0 {
		path = segmentPath(w.dir, w.nextSeq)
	} else {
		path = segments[len(segments)-1]
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("walog: open segment %s: %w", path, xerrors.ErrIO)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("walog: stat segment %s: %w", path, xerrors.ErrIO)
	}

	w.file = f
	w.writer = bufio.NewWriter(f)
	w.segmentBytes = info.Size()
	return nil
}

func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("walog: read dir %s: %w", dir, xerrors.ErrIO)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wal" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// CurrentSequence returns the sequence number that will be assigned to
// the next appended record.
func (w *WAL) CurrentSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Append writes a single record and fsyncs before returning, guaranteeing
// it is durable. For higher throughput under concurrent writers, prefer
// AppendBatch so multiple records share one fsync (group commit).
func (w *WAL) Append(rec record.Record, ts time.Time) (uint64, error) {
	seqs, err := w.AppendBatch([]record.Record{rec}, ts)
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch writes every record in recs to the active segment and
// issues exactly one fsync for the whole batch. It returns the sequence
// number assigned to each record, in order.
func (w *WAL) AppendBatch(recs []record.Record, ts time.Time) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, xerrors.ErrClosed
	}
	if w.poisoned {
		return nil, xerrors.ErrPoisoned
	}

	seqs := make([]uint64, len(recs))
	tsNanos := ts.UnixNano()

	for i, rec := range recs {
		payload, err := record.Serialize(rec)
		if err != nil {
			return nil, fmt.Errorf("walog: serialize: %w", err)
		}
		seq := w.nextSeq
		if err := w.writeEntryLocked(seq, tsNanos, payload); err != nil {
			w.poisoned = true
			return nil, err
		}
		seqs[i] = seq
		w.nextSeq++
	}

	if err := w.writer.Flush(); err != nil {
		w.poisoned = true
		return nil, fmt.Errorf("walog: flush: %w", xerrors.ErrIO)
	}
	if err := w.file.Sync(); err != nil {
		w.poisoned = true
		return nil, fmt.Errorf("walog: fsync: %w", xerrors.ErrIO)
	}

	if w.segmentBytes >= w.segmentMaxBytes {
		if err := w.rollSegmentLocked(); err != nil {
			return nil, err
		}
	}
	return seqs, nil
}

func (w *WAL) writeEntryLocked(seq uint64, tsNanos int64, payload []byte) error {
	header := make([]byte, entryHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[8:16], seq)
	binary.LittleEndian.PutUint64(header[16:24], uint64(tsNanos))

	crc := crc32.NewIEEE()
	crc.Write(header[8:24])
	crc.Write(payload)
	binary.LittleEndian.PutUint32(header[4:8], crc.Sum32())

	n1, err := w.writer.Write(header)
	if err != nil {
		return fmt.Errorf("walog: write header: %w", xerrors.ErrIO)
	}
	n2, err := w.writer.Write(payload)
	if err != nil {
		return fmt.Errorf("walog: write payload: %w", xerrors.ErrIO)
	}
	w.segmentBytes += int64(n1 + n2)
	return nil
}

func (w *WAL) rollSegmentLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("walog: close segment: %w", xerrors.ErrIO)
	}
	path := segmentPath(w.dir, w.nextSeq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("walog: create segment %s: %w", path, xerrors.ErrIO)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.segmentBytes = 0
	return nil
}

// Replay reads every segment in Dir in order and returns the entries they
// contain. A CRC mismatch or short read at the very end of the last
// segment is treated as an unfinished write and silently truncated; the
// same failure in the middle of a segment, or in any non-final segment,
// is surfaced as a corruption error since it indicates a compromised log.
func (w *WAL) Replay() ([]Entry, error) {
	return ReplayDir(w.dir)
}

// ReplayDir replays every .wal segment under dir without requiring an
// open WAL, used by the recovery manager and operational tooling.
func ReplayDir(dir string) ([]Entry, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	var out []Entry
	var lastSeq uint64
	haveLast := false

	for si, path := range segments {
		isLastSegment := si == len(segments)-1
		entries, err := replaySegment(path, isLastSegment)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if haveLast && e.Sequence <= lastSeq {
				return nil, fmt.Errorf("walog: non-monotonic sequence in %s: %w", path, xerrors.ErrCorrupted)
			}
			lastSeq = e.Sequence
			haveLast = true
			out = append(out, e)
		}
	}
	return out, nil
}

func replaySegment(path string, isLastSegment bool) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("walog: read segment %s: %w", path, xerrors.ErrIO)
	}

	var entries []Entry
	pos := 0
	for pos < len(data) {
		remaining := len(data) - pos
		if remaining < entryHeaderSize {
			if isLastSegment {
				break // trailing partial write from a crash, discard
			}
			return nil, fmt.Errorf("walog: truncated header in %s at %d: %w", path, pos, xerrors.ErrCorrupted)
		}

		header := data[pos : pos+entryHeaderSize]
		payloadLen := binary.LittleEndian.Uint32(header[0:4])
		wantCRC := binary.LittleEndian.Uint32(header[4:8])
		seq := binary.LittleEndian.Uint64(header[8:16])
		tsNanos := int64(binary.LittleEndian.Uint64(header[16:24]))

		payloadStart := pos + entryHeaderSize
		payloadEnd := payloadStart + int(payloadLen)
		if payloadEnd > len(data) {
			if isLastSegment {
				break
			}
			return nil, fmt.Errorf("walog: truncated payload in %s at %d: %w", path, pos, xerrors.ErrCorrupted)
		}
		payload := data[payloadStart:payloadEnd]

		crc := crc32.NewIEEE()
		crc.Write(header[8:24])
		crc.Write(payload)
		if crc.Sum32() != wantCRC {
			if isLastSegment && payloadEnd == len(data) {
				break // tail corruption from an interrupted write
			}
			return nil, fmt.Errorf("walog: crc mismatch in %s at %d: %w", path, pos, xerrors.ErrCorrupted)
		}

		rec, err := record.Deserialize(payload)
		if err != nil {
			if isLastSegment && payloadEnd == len(data) {
				break
			}
			return nil, fmt.Errorf("walog: bad record in %s at %d: %w", path, pos, err)
		}

		entries = append(entries, Entry{
			Sequence:       seq,
			TimestampNanos: tsNanos,
			Record:         rec,
			Raw:            payload,
		})
		pos = payloadEnd
	}
	return entries, nil
}

// Checkpoint appends a Checkpoint record marking seq as the point below
// which every record is durably reflected in sealed SSTables, then
// deletes any sealed segment file made entirely redundant by it.
func (w *WAL) Checkpoint(seq uint64, ts time.Time) error {
	if _, err := w.Append(&record.Checkpoint{Sequence: seq, Timestamp: ts.UnixNano()}, ts); err != nil {
		return err
	}
	return w.TruncateBefore(seq)
}

// TruncateBefore deletes every sealed (non-active) segment file whose
// entries are all at or below seq. Segments are named by the first
// sequence number they contain, so a segment is fully covered once the
// following segment's first sequence is itself <= seq; the active
// segment is never removed, even if it qualifies.
func (w *WAL) TruncateBefore(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	if len(segments) <= 1 {
		return nil
	}

	activePath := w.file.Name()
	for i := 0; i < len(segments)-1; i++ {
		nextFirstSeq := firstSeqFromSegmentPath(segments[i+1])
		if nextFirstSeq > seq {
			break
		}
		if segments[i] == activePath {
			continue
		}
		if err := os.Remove(segments[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("walog: remove sealed segment %s: %w", segments[i], xerrors.ErrIO)
		}
	}
	return nil
}

func firstSeqFromSegmentPath(path string) uint64 {
	name := filepath.Base(path)
	name = name[:len(name)-len(filepath.Ext(name))]
	seq, _ := strconv.ParseUint(name, 10, 64)
	return seq
}

// Close flushes and closes the active segment. A closed WAL rejects
// further appends with ErrClosed.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("walog: flush on close: %w", xerrors.ErrIO)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("walog: fsync on close: %w", xerrors.ErrIO)
	}
	return w.file.Close()
}
