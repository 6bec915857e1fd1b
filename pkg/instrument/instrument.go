// Package instrument manages one hybrid.Storage per instrument, creating
// shards on demand and exposing them under a single concurrency-safe map.
// The reserved instrument ID AccountInstrumentID holds account/user
// lifecycle records rather than market instrument data; it is a shard
// like any other from the storage layer's point of view.
package instrument

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qaexchange/qax-core/pkg/hybrid"
	"github.com/qaexchange/qax-core/pkg/record"
)

// AccountInstrumentID is the pseudo-instrument under which account and
// user lifecycle records (AccountOpen, AccountUpdate, UserRegister, ...)
// are written, keeping them in the same replay/recovery path as market
// instruments without polluting any real instrument's shard.
const AccountInstrumentID = "__ACCOUNT__"

// Config controls every shard's storage configuration.
type Config struct {
	RootDir           string
	MemTableMaxBytes  int64
	WALSegmentMaxBytes int64
	Logger            zerolog.Logger
}

// Manager owns one hybrid.Storage per instrument ID, created lazily on
// first use and kept open for the Manager's lifetime.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	shards map[string]*hybrid.Storage
}

// New creates an empty Manager. No shard directories are created until a
// caller writes to or otherwise opens that instrument.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg, shards: make(map[string]*hybrid.Storage)}
}

func (m *Manager) shardDir(instrumentID string) string {
	return filepath.Join(m.cfg.RootDir, instrumentID)
}

// shard returns the Storage for instrumentID, opening it on first use.
func (m *Manager) shard(instrumentID string) (*hybrid.Storage, error) {
	m.mu.RLock()
	s, ok := m.shards[instrumentID]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.shards[instrumentID]; ok {
		return s, nil
	}

	s, err := hybrid.Open(hybrid.Config{
		Dir:                m.shardDir(instrumentID),
		MemTableMaxBytes:   m.cfg.MemTableMaxBytes,
		WALSegmentMaxBytes: m.cfg.WALSegmentMaxBytes,
		Logger:             m.cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("instrument: open shard %s: %w", instrumentID, err)
	}
	m.shards[instrumentID] = s
	return s, nil
}

// Append writes one record to instrumentID's shard.
func (m *Manager) Append(instrumentID string, rec record.Record, ts time.Time) (uint64, error) {
	s, err := m.shard(instrumentID)
	if err != nil {
		return 0, err
	}
	return s.Write(rec, ts)
}

// AppendBatch writes several records to instrumentID's shard in one WAL
// group-commit batch.
func (m *Manager) AppendBatch(instrumentID string, recs []record.Record, ts time.Time) ([]uint64, error) {
	s, err := m.shard(instrumentID)
	if err != nil {
		return nil, err
	}
	return s.WriteBatch(recs, ts)
}

// Replay returns every record currently held (MemTable + sealed
// SSTables) for instrumentID, across all time.
func (m *Manager) Replay(instrumentID string) ([]hybrid.Entry, error) {
	s, err := m.shard(instrumentID)
	if err != nil {
		return nil, err
	}
	return s.RangeQuery(minNanos, maxNanos)
}

const (
	minNanos = -1 << 63
	maxNanos = 1<<63 - 1
)

// DiscoverShards lists the immediate subdirectories of RootDir, each of
// which is one instrument's (or AccountInstrumentID's) on-disk shard
// directory, regardless of whether this process has opened it yet. A
// cold-restart recovery path calls this first so it can replay every
// shard, not just ones a write has already touched this run.
func (m *Manager) DiscoverShards() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.RootDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("instrument: discover shards: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ReplayAll discovers every shard on disk under RootDir (opening each
// lazily) and replays it, keyed by instrument ID. Use this for
// full-system crash recovery; Replay alone only covers a single shard.
func (m *Manager) ReplayAll() (map[string][]hybrid.Entry, error) {
	ids, err := m.DiscoverShards()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]hybrid.Entry, len(ids))
	for _, id := range ids {
		entries, err := m.Replay(id)
		if err != nil {
			return nil, err
		}
		out[id] = entries
	}
	return out, nil
}

// Checkpoint appends a checkpoint record to instrumentID's shard marking
// seq as durably reflected in sealed storage.
func (m *Manager) Checkpoint(instrumentID string, seq uint64, ts time.Time) error {
	s, err := m.shard(instrumentID)
	if err != nil {
		return err
	}
	return s.Checkpoint(seq, ts)
}

// ActiveInstruments returns the IDs of every shard opened so far.
func (m *Manager) ActiveInstruments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.shards))
	for id := range m.shards {
		out = append(out, id)
	}
	return out
}

// Shard exposes the underlying hybrid.Storage for instrumentID, opening
// it on first use, for components (query router, conversion worker) that
// need direct access beyond Append/Replay.
func (m *Manager) Shard(instrumentID string) (*hybrid.Storage, error) {
	return m.shard(instrumentID)
}

// Close closes every opened shard, returning the first error
// encountered but attempting to close them all regardless.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for id, s := range m.shards {
		if err := s.Close(); err != nil && first == nil {
			first = fmt.Errorf("instrument: close shard %s: %w", id, err)
		}
	}
	return first
}
