// Package conversion implements the OLTP->OLAP conversion pipeline: a
// scheduler that finds eligible sealed SSTables and enqueues batches, and
// a worker pool that merges them into columnar OLAP files. A single JSON
// metadata document, written atomically via temp-file-then-rename,
// tracks every conversion record so the pipeline can resume after a
// crash at any point before the final rename.
package conversion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/qaexchange/qax-core/pkg/xerrors"
)

// Status is a conversion record's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConverting Status = "converting"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Record describes one batch conversion: which sealed OLTP SSTables feed
// it, the OLAP file it produces, and enough state to resume or retry
// after a crash.
type Record struct {
	ID             uint64
	InstrumentID   string
	OLTPSSTables   []string
	OLAPFile       string
	Status         Status
	EntryCount     uint64
	MinTimestamp   int64
	MaxTimestamp   int64
	StartTimeUnix  int64
	EndTimeUnix    int64 // 0 means not yet ended
	ErrorMessage   string
	RetryCount     uint32
	CreatedAtUnix  int64
}

// TempFilePath is where the worker stages output before the atomic
// rename into OLAPFile.
func (r *Record) TempFilePath() string {
	return strings.TrimSuffix(r.OLAPFile, filepath.Ext(r.OLAPFile)) + ".tmp"
}

// CanRetry reports whether a Failed record is still under its retry
// budget. Pending/Converting/Success records are never retryable.
func (r *Record) CanRetry(maxRetries uint32) bool {
	return r.Status == StatusFailed && r.RetryCount < maxRetries
}

// MarkConverting transitions a record to Converting.
func (r *Record) MarkConverting() {
	r.Status = StatusConverting
}

// MarkSuccess transitions a record to Success and records the merged
// entry count and timestamp range.
func (r *Record) MarkSuccess(entryCount uint64, minTimestamp, maxTimestamp int64) {
	r.Status = StatusSuccess
	r.EntryCount = entryCount
	r.MinTimestamp = minTimestamp
	r.MaxTimestamp = maxTimestamp
}

// MarkFailed transitions a record to Failed, records msg, and increments
// the retry counter.
func (r *Record) MarkFailed(msg string) {
	r.Status = StatusFailed
	r.ErrorMessage = msg
	r.RetryCount++
}

// DurationSecs returns the record's elapsed processing time, if ended.
func (r *Record) DurationSecs() (int64, bool) {
	if r.EndTimeUnix == 0 {
		return 0, false
	}
	return r.EndTimeUnix - r.StartTimeUnix, true
}

// Stats summarizes a Metadata store's records by status.
type Stats struct {
	Total, Pending, Converting, Success, Failed int
}

// Metadata is the durable, crash-recoverable conversion record store.
type Metadata struct {
	mu      sync.Mutex
	path    string
	Records []*Record
	NextID  uint64
}

type metadataDoc struct {
	Records []*Record
	NextID  uint64
}

// NewMetadata creates an empty, unsaved Metadata at path.
func NewMetadata(path string) *Metadata {
	return &Metadata{path: path, NextID: 1}
}

// LoadMetadata loads the document at path; a missing file is equivalent
// to an empty store, matching the original's "no metadata yet" startup
// case.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewMetadata(path), nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversion: read metadata: %w", xerrors.ErrIO)
	}
	var doc metadataDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("conversion: parse metadata: %w", xerrors.ErrCorrupted)
	}
	if doc.NextID == 0 {
		doc.NextID = 1
	}
	return &Metadata{path: path, Records: doc.Records, NextID: doc.NextID}, nil
}

// save writes the document atomically: serialize, write to a temp file,
// fsync, then rename over the real path. Caller must hold m.mu.
func (m *Metadata) save() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("conversion: mkdir metadata dir: %w", xerrors.ErrIO)
	}
	data, err := json.MarshalIndent(metadataDoc{Records: m.Records, NextID: m.NextID}, "", "  ")
	if err != nil {
		return fmt.Errorf("conversion: marshal metadata: %w", err)
	}
	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("conversion: create temp metadata: %w", xerrors.ErrIO)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("conversion: write temp metadata: %w", xerrors.ErrIO)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("conversion: sync temp metadata: %w", xerrors.ErrIO)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("conversion: close temp metadata: %w", xerrors.ErrIO)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("conversion: rename metadata: %w", xerrors.ErrIO)
	}
	return nil
}

// AllocateID returns the next unique conversion record ID.
func (m *Metadata) AllocateID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.NextID
	m.NextID++
	return id
}

// AddRecord appends r and persists the document.
func (m *Metadata) AddRecord(r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, r)
	return m.save()
}

// UpdateRecord replaces the stored record sharing r.ID and persists.
func (m *Metadata) UpdateRecord(r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.Records {
		if existing.ID == r.ID {
			m.Records[i] = r
			return m.save()
		}
	}
	return fmt.Errorf("conversion: record %d not found: %w", r.ID, xerrors.ErrNotFound)
}

// GetPending returns every Pending record.
func (m *Metadata) GetPending() []*Record { return m.filter(StatusPending) }

// GetConverting returns every Converting record.
func (m *Metadata) GetConverting() []*Record { return m.filter(StatusConverting) }

// GetSuccess returns every Success record.
func (m *Metadata) GetSuccess() []*Record { return m.filter(StatusSuccess) }

func (m *Metadata) filter(status Status) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.Records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// GetRetryable returns every Failed record still under maxRetries.
func (m *Metadata) GetRetryable(maxRetries uint32) []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.Records {
		if r.CanRetry(maxRetries) {
			out = append(out, r)
		}
	}
	return out
}

// Stats summarizes the store's records by status.
func (m *Metadata) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, r := range m.Records {
		s.Total++
		switch r.Status {
		case StatusPending:
			s.Pending++
		case StatusConverting:
			s.Converting++
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}
