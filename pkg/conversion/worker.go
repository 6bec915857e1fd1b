package conversion

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/memtable"
	"github.com/qaexchange/qax-core/pkg/olap"
	"github.com/qaexchange/qax-core/pkg/record"
	"github.com/qaexchange/qax-core/pkg/sstable"
)

// WorkerConfig controls how the worker pool converts a batch and what it
// does with the source SSTables afterward.
type WorkerConfig struct {
	WorkerCount int
	// ChunkRows bounds how many rows share one OLAP chunk's statistics
	// and compressed payload.
	ChunkRows int
	// Algorithm is the compression codec applied to each chunk.
	Algorithm olap.Algorithm
	// DeleteSourceAfterSuccess archives converted sources once a batch
	// succeeds; false leaves them in place for manual inspection.
	DeleteSourceAfterSuccess bool
	// SourceRetention selects how converted sources are disposed of:
	// zero deletes them immediately on success; any other value renames
	// them with a .archived suffix, which nothing in this package deletes
	// afterwards.
	SourceRetention time.Duration
}

// DefaultWorkerConfig returns the worker pool's default concurrency and
// retention policy.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		WorkerCount:              4,
		ChunkRows:                olap.DefaultChunkRows,
		Algorithm:                olap.Zstd1,
		DeleteSourceAfterSuccess: true,
		SourceRetention:          time.Hour,
	}
}

// WorkerPool consumes conversion tasks from a Scheduler and merges each
// batch's sealed OLTP SSTables into one new OLAP file.
type WorkerPool struct {
	cfg         WorkerConfig
	instruments *instrument.Manager
	meta        *Metadata
	tasks       <-chan Task
	logger      zerolog.Logger
	wg          sync.WaitGroup

	onRecordDone func(*Record)
}

// NewWorkerPool constructs a WorkerPool reading from tasks (a
// Scheduler's Tasks() channel).
func NewWorkerPool(cfg WorkerConfig, instruments *instrument.Manager, meta *Metadata, tasks <-chan Task, logger zerolog.Logger) *WorkerPool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultWorkerConfig().WorkerCount
	}
	if cfg.ChunkRows <= 0 {
		cfg.ChunkRows = olap.DefaultChunkRows
	}
	return &WorkerPool{
		cfg:         cfg,
		instruments: instruments,
		meta:        meta,
		tasks:       tasks,
		logger:      logger.With().Str("component", "conversion.WorkerPool").Logger(),
	}
}

// SetOnRecordDone registers fn to be called after every record reaches
// a terminal state for this attempt (Success or Failed). Not safe to
// call once Start has been invoked.
func (p *WorkerPool) SetOnRecordDone(fn func(*Record)) {
	p.onRecordDone = fn
}

// Start launches WorkerCount goroutines draining the task channel. It
// returns immediately; call Wait to block until the channel is closed
// and every in-flight task has finished.
func (p *WorkerPool) Start() {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
}

// Wait blocks until every worker goroutine has exited, which happens
// once the task channel is closed and drained.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) loop(id int) {
	defer p.wg.Done()
	log := p.logger.With().Int("worker_id", id).Logger()
	for task := range p.tasks {
		p.process(task.Record, log)
	}
}

// DrainOnce processes every task currently available on the channel and
// returns as soon as none is immediately ready, without waiting for a
// Scheduler's periodic loop to enqueue more. Pairs with Scheduler.RunOnce
// for a one-shot operator-driven conversion pass; production use should
// call Start instead.
func (p *WorkerPool) DrainOnce() {
	log := p.logger.With().Int("worker_id", 0).Logger()
	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.process(task.Record, log)
		default:
			return
		}
	}
}

func (p *WorkerPool) process(rec *Record, log zerolog.Logger) {
	log = log.With().Uint64("record_id", rec.ID).Str("instrument_id", rec.InstrumentID).Logger()

	rec.MarkConverting()
	rec.StartTimeUnix = time.Now().Unix()
	if err := p.meta.UpdateRecord(rec); err != nil {
		log.Error().Err(err).Msg("failed to mark conversion record converting")
		return
	}

	rows, sourceEntryCount, err := p.mergeSources(rec.OLTPSSTables)
	if err != nil {
		p.fail(rec, fmt.Sprintf("merge sources: %v", err))
		log.Error().Err(err).Msg("failed to merge source sstables")
		return
	}

	if uint64(len(rows)) != sourceEntryCount {
		p.fail(rec, fmt.Sprintf("entry count mismatch: merged %d, sources reported %d", len(rows), sourceEntryCount))
		log.Error().Uint64("merged", uint64(len(rows))).Uint64("expected", sourceEntryCount).Msg("conversion entry count mismatch")
		return
	}
	if len(rows) == 0 {
		p.fail(rec, "no entries found in source sstables")
		return
	}

	tmpPath := rec.TempFilePath()
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0o755); err != nil {
		p.fail(rec, fmt.Sprintf("mkdir target dir: %v", err))
		return
	}
	if err := olap.Write(tmpPath, rows, p.cfg.ChunkRows, p.cfg.Algorithm); err != nil {
		os.Remove(tmpPath)
		p.fail(rec, fmt.Sprintf("write olap file: %v", err))
		log.Error().Err(err).Msg("failed to write olap file")
		return
	}

	if err := os.Rename(tmpPath, rec.OLAPFile); err != nil {
		os.Remove(tmpPath)
		p.fail(rec, fmt.Sprintf("rename olap file: %v", err))
		log.Error().Err(err).Msg("failed to rename olap file into place")
		return
	}

	minTS := rows[0].TimestampNanos
	maxTS := rows[len(rows)-1].TimestampNanos

	rec.MarkSuccess(uint64(len(rows)), minTS, maxTS)
	rec.EndTimeUnix = time.Now().Unix()
	if err := p.meta.UpdateRecord(rec); err != nil {
		log.Error().Err(err).Msg("failed to persist successful conversion record")
	}

	if shard, err := p.instruments.Shard(rec.InstrumentID); err == nil {
		shard.RegisterOLAPFile(rec.OLAPFile, maxTS)
		if err := shard.ArchiveSSTables(rec.OLTPSSTables); err != nil {
			log.Warn().Err(err).Msg("failed to close archived sstable readers")
		}
	} else {
		log.Error().Err(err).Msg("failed to open shard to register converted olap file")
	}

	p.archiveSources(rec.OLTPSSTables, log)
	log.Info().Uint64("entries", rec.EntryCount).Str("olap_file", rec.OLAPFile).Msg("conversion succeeded")

	if p.onRecordDone != nil {
		p.onRecordDone(rec)
	}
}

func (p *WorkerPool) fail(rec *Record, msg string) {
	rec.MarkFailed(msg)
	rec.EndTimeUnix = time.Now().Unix()
	if err := p.meta.UpdateRecord(rec); err != nil {
		p.logger.Error().Err(err).Uint64("record_id", rec.ID).Msg("failed to persist failed conversion record")
	}
	if p.onRecordDone != nil {
		p.onRecordDone(rec)
	}
}

// archiveSources disposes of successfully converted source files per
// the retention policy: deleted immediately if SourceRetention is zero,
// otherwise renamed with a .archived suffix. Archived files are not
// deleted later by this package.
func (p *WorkerPool) archiveSources(paths []string, log zerolog.Logger) {
	if !p.cfg.DeleteSourceAfterSuccess {
		return
	}
	for _, path := range paths {
		if p.cfg.SourceRetention <= 0 {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", path).Msg("failed to delete converted source sstable")
			}
			continue
		}
		if err := os.Rename(path, path+".archived"); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("failed to archive converted source sstable")
		}
	}
}

type sourceCursor struct {
	reader *sstable.Reader
	keys   [][]byte
	values [][]byte
	pos    int
}

func (c *sourceCursor) exhausted() bool { return c.pos >= len(c.keys) }

// mergeSources opens every source SSTable, scans each in full (they are
// already individually key-sorted), and merges them into one ascending
// sequence of olap.Row without a full re-sort of already-sorted data. It
// also returns the sum of each source's reported entry count so the
// caller can validate nothing was lost or duplicated.
func (p *WorkerPool) mergeSources(paths []string) ([]olap.Row, uint64, error) {
	cursors := make([]*sourceCursor, 0, len(paths))
	defer func() {
		for _, c := range cursors {
			c.reader.Close()
		}
	}()

	var totalEntries uint64
	minKey := memtable.EncodeKey(minNanos, 0)
	maxKey := memtable.EncodeKey(maxNanos, ^uint64(0))

	for _, path := range paths {
		r, err := sstable.Open(path)
		if err != nil {
			return nil, 0, err
		}
		totalEntries += r.EntryCount()

		c := &sourceCursor{reader: r}
		scanErr := r.Scan(minKey, maxKey, func(k, v []byte) bool {
			keyCopy := append([]byte(nil), k...)
			valCopy := append([]byte(nil), v...)
			c.keys = append(c.keys, keyCopy)
			c.values = append(c.values, valCopy)
			return true
		})
		if scanErr != nil {
			r.Close()
			return nil, 0, scanErr
		}
		cursors = append(cursors, c)
	}

	rows := make([]olap.Row, 0, totalEntries)
	for {
		minIdx := -1
		for i, c := range cursors {
			if c.exhausted() {
				continue
			}
			if minIdx == -1 || lessKey(c.keys[c.pos], cursors[minIdx].keys[cursors[minIdx].pos]) {
				minIdx = i
			}
		}
		if minIdx == -1 {
			break
		}
		c := cursors[minIdx]
		ts, seq := memtable.DecodeKey(c.keys[c.pos])
		rec, err := record.Deserialize(c.values[c.pos])
		if err != nil {
			return nil, 0, err
		}
		rows = append(rows, olap.Row{TimestampNanos: ts, Sequence: seq, Record: rec})
		c.pos++
	}

	return rows, totalEntries, nil
}

func lessKey(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

const (
	minNanos = -1 << 63
	maxNanos = 1<<63 - 1
)
