// Package hybrid composes the WAL, MemTable, and a chain of sealed OLTP
// SSTables into one per-instrument storage unit: writes go to the WAL and
// MemTable; once the MemTable is full it is sealed into an immutable
// SSTable; range queries fan out across the MemTable and every SSTable
// and merge the results by key order.
package hybrid

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qaexchange/qax-core/pkg/memtable"
	"github.com/qaexchange/qax-core/pkg/record"
	"github.com/qaexchange/qax-core/pkg/sstable"
	"github.com/qaexchange/qax-core/pkg/walog"
	"github.com/qaexchange/qax-core/pkg/xerrors"
)

// Config controls one Storage instance.
type Config struct {
	Dir                 string
	MemTableMaxBytes    int64
	WALSegmentMaxBytes  int64
	SSTableSparseInterval int
	Logger              zerolog.Logger
}

// Entry is one record returned from a range query with its
// (timestamp_ns, sequence) key; it does not record which source
// (MemTable or SSTable) it came from.
type Entry struct {
	TimestampNanos int64
	Sequence       uint64
	Record         record.Record
}

// Stats summarizes the current state of one Storage instance.
type Stats struct {
	MemTableSizeBytes int64
	MemTableShouldFlush bool
	SSTableCount      int
	NextSequence      uint64
	OLAPCutoffNanos   int64
}

// Storage is one instrument's (or the reserved __ACCOUNT__ shard's) full
// OLTP storage stack.
type Storage struct {
	mu sync.RWMutex

	dir       string
	sstableDir string

	cfg Config
	wal *walog.WAL
	mem *memtable.MemTable

	sstables      []*sstable.Reader // oldest first
	nextSSTableID uint64

	olapFiles       []string
	olapCutoffNanos int64

	logger zerolog.Logger
}

// Open creates or resumes storage at cfg.Dir: it replays the WAL into a
// fresh MemTable and opens every previously sealed SSTable found in the
// instrument's sstable subdirectory.
func Open(cfg Config) (*Storage, error) {
	if cfg.MemTableMaxBytes <= 0 {
		cfg.MemTableMaxBytes = memtable.DefaultMaxSizeBytes
	}
	walDir := filepath.Join(cfg.Dir, "wal")
	sstableDir := filepath.Join(cfg.Dir, "sstable")
	if err := os.MkdirAll(sstableDir, 0o755); err != nil {
		return nil, fmt.Errorf("hybrid: mkdir %s: %w", sstableDir, xerrors.ErrIO)
	}

	wal, err := walog.Open(walog.Config{Dir: walDir, SegmentMaxBytes: cfg.WALSegmentMaxBytes, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	s := &Storage{
		dir:        cfg.Dir,
		sstableDir: sstableDir,
		cfg:        cfg,
		wal:        wal,
		mem:        memtable.New(cfg.MemTableMaxBytes),
		logger:     cfg.Logger,
	}

	if err := s.recoverMemTable(); err != nil {
		wal.Close()
		return nil, err
	}
	if err := s.loadSSTables(); err != nil {
		wal.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) recoverMemTable() error {
	entries, err := s.wal.Replay()
	if err != nil {
		return err
	}
	batch := make([]memtable.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Record.Tag() == record.TagCheckpoint {
			continue // marker entry, not real data
		}
		batch = append(batch, memtable.Entry{TimestampNanos: e.TimestampNanos, Sequence: e.Sequence, Record: e.Record})
	}
	return s.mem.InsertBatch(batch)
}

func (s *Storage) loadSSTables() error {
	entries, err := os.ReadDir(s.sstableDir)
	if err != nil {
		return fmt.Errorf("hybrid: read sstable dir: %w", xerrors.ErrIO)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sst" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // sst files are named by monotonically increasing id

	for _, name := range names {
		r, err := sstable.Open(filepath.Join(s.sstableDir, name))
		if err != nil {
			return err
		}
		s.sstables = append(s.sstables, r)
		s.nextSSTableID++
	}
	return nil
}

// Write appends rec to the WAL, inserts it into the MemTable, and flushes
// the MemTable to a new SSTable if it has grown past its threshold.
func (s *Storage) Write(rec record.Record, ts time.Time) (uint64, error) {
	seqs, err := s.WriteBatch([]record.Record{rec}, ts)
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// WriteBatch appends every record in one WAL group-commit batch, then
// inserts them all into the MemTable.
func (s *Storage) WriteBatch(recs []record.Record, ts time.Time) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, err := s.wal.AppendBatch(recs, ts)
	if err != nil {
		return nil, err
	}

	entries := make([]memtable.Entry, len(recs))
	tsNanos := ts.UnixNano()
	for i, rec := range recs {
		entries[i] = memtable.Entry{TimestampNanos: tsNanos, Sequence: seqs[i], Record: rec}
	}
	if err := s.mem.InsertBatch(entries); err != nil {
		return nil, err
	}

	if s.mem.ShouldFlush() {
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
	}
	return seqs, nil
}

// Flush forces the current MemTable to seal into a new SSTable, even if
// it hasn't reached its size threshold.
func (s *Storage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Storage) flushLocked() error {
	all, err := s.mem.IterAll()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return nil
	}

	kvs := make([]sstable.KV, len(all))
	var maxSeq uint64
	for i, e := range all {
		payload, err := record.Serialize(e.Record)
		if err != nil {
			return err
		}
		kvs[i] = sstable.KV{Key: memtable.EncodeKey(e.TimestampNanos, e.Sequence), Value: payload}
		if e.Sequence > maxSeq {
			maxSeq = e.Sequence
		}
	}

	path := filepath.Join(s.sstableDir, fmt.Sprintf("%020d.sst", s.nextSSTableID))
	if err := sstable.Write(path, kvs, s.cfg.SSTableSparseInterval); err != nil {
		return err
	}
	reader, err := sstable.Open(path)
	if err != nil {
		return err
	}

	s.sstables = append(s.sstables, reader)
	s.nextSSTableID++
	s.mem.Clear()

	// Every record up to maxSeq is now durably sealed in an SSTable; mark
	// the WAL so its covered segments can be dropped on a future restart.
	if err := s.wal.Checkpoint(maxSeq, time.Now()); err != nil {
		s.logger.Warn().Err(err).Uint64("sequence", maxSeq).Msg("failed to checkpoint wal after flush")
	}
	return nil
}

// RangeQuery returns every record with a timestamp in
// [startNanos, endNanos], merged from the MemTable and every sealed
// SSTable, in ascending (timestamp, sequence) order.
func (s *Storage) RangeQuery(startNanos, endNanos int64) ([]Entry, error) {
	if startNanos > endNanos {
		return nil, xerrors.ErrInvalidArgument
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	memEntries, err := s.mem.Range(startNanos, endNanos)
	if err != nil {
		return nil, err
	}

	// seen tracks every key already emitted so a stale SSTable copy of a
	// key the MemTable still holds (e.g. replayed from an un-truncated
	// WAL range) never produces a duplicate; the MemTable always wins
	// since its entries are added first.
	seen := make(map[string]struct{}, len(memEntries))
	var out []Entry
	for _, e := range memEntries {
		seen[string(memtable.EncodeKey(e.TimestampNanos, e.Sequence))] = struct{}{}
		out = append(out, Entry{TimestampNanos: e.TimestampNanos, Sequence: e.Sequence, Record: e.Record})
	}

	startKey := memtable.EncodeKey(startNanos, 0)
	endKey := memtable.EncodeKey(endNanos, ^uint64(0))
	for _, r := range s.sstables {
		if r.MaxTimestamp() < startNanos || r.MinTimestamp() > endNanos {
			continue
		}
		scanErr := r.Scan(startKey, endKey, func(k, v []byte) bool {
			if _, dup := seen[string(k)]; dup {
				return true
			}
			ts, seq := memtable.DecodeKey(k)
			rec, derr := record.Deserialize(v)
			if derr != nil {
				err = derr
				return false
			}
			seen[string(k)] = struct{}{}
			out = append(out, Entry{TimestampNanos: ts, Sequence: seq, Record: rec})
			return true
		})
		if scanErr != nil {
			return nil, scanErr
		}
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampNanos != out[j].TimestampNanos {
			return out[i].TimestampNanos < out[j].TimestampNanos
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

// RegisterOLAPFile records that path now covers every record up to and
// including maxNanos, advancing the OLAP cutoff that query.Router reads
// to decide whether a range query also needs the OLAP files.
func (s *Storage) RegisterOLAPFile(path string, maxNanos int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.olapFiles = append(s.olapFiles, path)
	if maxNanos > s.olapCutoffNanos {
		s.olapCutoffNanos = maxNanos
	}
}

// GetOLAPFiles returns every OLAP file registered as covering this
// instrument's converted data.
func (s *Storage) GetOLAPFiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.olapFiles))
	copy(out, s.olapFiles)
	return out
}

// GetOLAPCutoffTimestamp returns the newest timestamp already reflected
// in a sealed OLAP file; data at or below this point is eligible for
// OLTP SSTable retention cleanup.
func (s *Storage) GetOLAPCutoffTimestamp() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.olapCutoffNanos
}

// SealedSSTablePaths returns the file paths of every sealed SSTable, in
// the order they were created, for the conversion worker to merge.
func (s *Storage) SealedSSTablePaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sstables))
	names, err := os.ReadDir(s.sstableDir)
	if err != nil {
		return out
	}
	for _, n := range names {
		if !n.IsDir() && filepath.Ext(n.Name()) == ".sst" {
			out = append(out, filepath.Join(s.sstableDir, n.Name()))
		}
	}
	sort.Strings(out)
	return out
}

// ArchiveSSTables closes and drops the readers for the sealed SSTables
// at the given paths, removing them from the set that RangeQuery scans.
// It does not touch the underlying files; the caller (the conversion
// worker) owns deleting or renaming them once their data is safely
// reflected in an OLAP file. Paths not currently open are ignored.
func (s *Storage) ArchiveSSTables(paths []string) error {
	drop := make(map[string]bool, len(paths))
	for _, p := range paths {
		drop[p] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.sstables[:0]
	var firstErr error
	for _, r := range s.sstables {
		if drop[r.Path()] {
			if err := r.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		kept = append(kept, r)
	}
	s.sstables = kept
	return firstErr
}

// Stats reports the current size of the MemTable and the number of
// sealed SSTables.
func (s *Storage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		MemTableSizeBytes:   s.mem.SizeBytes(),
		MemTableShouldFlush: s.mem.ShouldFlush(),
		SSTableCount:        len(s.sstables),
		NextSequence:        s.wal.CurrentSequence(),
		OLAPCutoffNanos:     s.olapCutoffNanos,
	}
}

// Checkpoint appends a checkpoint record to the WAL marking seq as
// durably sealed, then truncates any WAL segment made fully redundant by
// it. flushLocked performs the same WAL checkpoint after every flush;
// exposed here for callers (e.g. operator tooling) that want to force it.
func (s *Storage) Checkpoint(seq uint64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal.Checkpoint(seq, ts)
}

// Close closes the WAL and every open SSTable reader.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.sstables {
		if err := r.Close(); err != nil {
			return err
		}
	}
	return s.wal.Close()
}
