package conversion

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/log"
)

// Config controls the scheduler's scan cadence and batching policy.
type Config struct {
	// ScanInterval is how often the scheduler looks for new work.
	ScanInterval time.Duration
	// MinBatch and MaxBatch bound how many sealed SSTables one
	// conversion task merges.
	MinBatch, MaxBatch int
	// MinAge is how long an SSTable must have gone unmodified before it
	// is eligible for conversion, giving any in-flight readers time to
	// finish against it without racing an archive.
	MinAge time.Duration
	// MaxRetries caps how many times a Failed record is retried before
	// it is left alone for an operator to investigate.
	MaxRetries uint32
	// ZombieTimeout is how long a record may sit in Converting before
	// the scheduler assumes its worker died and force-fails it.
	ZombieTimeout time.Duration
	// StorageBaseDir is the instrument manager's root directory; the
	// scheduler walks its immediate subdirectories as instrument shards.
	StorageBaseDir string
	// MetadataPath is where the conversion record store is persisted.
	MetadataPath string
}

// DefaultConfig returns the scheduler's default batching and timing
// policy.
func DefaultConfig() Config {
	return Config{
		ScanInterval:  5 * time.Minute,
		MinBatch:      3,
		MaxBatch:      20,
		MinAge:        time.Minute,
		MaxRetries:    5,
		ZombieTimeout: time.Hour,
	}
}

// Task is one unit of work handed to the worker pool: merge the named
// source SSTables for InstrumentID into a new OLAP file.
type Task struct {
	Record *Record
}

// Scheduler periodically scans every instrument's sealed SSTables for
// conversion-eligible batches, retries failed records on a backoff, and
// reclaims tasks whose worker appears to have died.
type Scheduler struct {
	cfg        Config
	instruments *instrument.Manager
	meta       *Metadata
	tasks      chan Task
	stopCh     chan struct{}
	done       chan struct{}
	logger     zerolog.Logger
}

// New constructs a Scheduler. meta must already be loaded (see
// LoadMetadata); tasks it finds are sent on the returned channel for a
// WorkerPool to consume.
func New(cfg Config, instruments *instrument.Manager, meta *Metadata, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		instruments: instruments,
		meta:        meta,
		tasks:       make(chan Task, cfg.MaxBatch),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.With().Str("component", "conversion.Scheduler").Logger(),
	}
}

// Tasks returns the channel workers should range over.
func (s *Scheduler) Tasks() <-chan Task { return s.tasks }

// Start launches the scheduler's periodic scan loop. It runs one scan
// immediately rather than waiting a full interval before the first one.
func (s *Scheduler) Start() {
	go s.run()
}

// RunOnce performs a single scan-retry-cleanup pass synchronously and
// returns, without starting the periodic loop. It is meant for one-shot
// operator-driven conversion runs rather than the long-running daemon,
// which should use Start instead.
func (s *Scheduler) RunOnce() {
	s.tick()
}

// Stop signals the scan loop to exit and waits for it to finish. The
// task channel is left open; callers should drain any in-flight workers
// before discarding the Scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	s.tick()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	s.recoverZombieTasks()
	s.scanAndSchedule()
	s.scheduleRetries()
	s.cleanupTempFiles()
}

// scanAndSchedule walks every instrument shard, finds sealed SSTables
// old enough to convert, and enqueues them in [MinBatch, MaxBatch]-sized
// groups in file order (oldest first, since SSTable file names are
// monotonically increasing IDs).
func (s *Scheduler) scanAndSchedule() {
	instrumentIDs, err := s.discoverInstruments()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to discover instrument shards")
		return
	}

	for _, instrumentID := range instrumentIDs {
		shard, err := s.instruments.Shard(instrumentID)
		if err != nil {
			s.logger.Error().Err(err).Str("instrument_id", instrumentID).Msg("failed to open shard")
			continue
		}

		eligible, err := s.eligibleSSTables(shard.SealedSSTablePaths())
		if err != nil {
			s.logger.Error().Err(err).Str("instrument_id", instrumentID).Msg("failed to stat sstables")
			continue
		}
		if len(eligible) < s.cfg.MinBatch {
			continue
		}

		alreadyQueued := s.pendingSourceSets(instrumentID)
		for _, batch := range chunk(eligible, s.cfg.MinBatch, s.cfg.MaxBatch) {
			if alreadyQueued[sourceSetKey(batch)] {
				continue
			}
			s.enqueueBatch(instrumentID, batch)
		}
	}
}

// discoverInstruments lists the immediate subdirectories of
// StorageBaseDir, each of which is one instrument's (or __ACCOUNT__'s)
// shard directory.
func (s *Scheduler) discoverInstruments() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.StorageBaseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// eligibleSSTables filters paths down to those whose modification time
// is older than MinAge, preserving order.
func (s *Scheduler) eligibleSSTables(paths []string) ([]string, error) {
	cutoff := time.Now().Add(-s.cfg.MinAge)
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if info.ModTime().Before(cutoff) {
			out = append(out, p)
		}
	}
	return out, nil
}

// pendingSourceSets returns the set of source-file combinations already
// queued (Pending or Converting) for instrumentID, so a re-scan never
// double-enqueues the same batch.
func (s *Scheduler) pendingSourceSets(instrumentID string) map[string]bool {
	seen := make(map[string]bool)
	for _, r := range append(s.meta.GetPending(), s.meta.GetConverting()...) {
		if r.InstrumentID == instrumentID {
			seen[sourceSetKey(r.OLTPSSTables)] = true
		}
	}
	return seen
}

func sourceSetKey(paths []string) string {
	joined := ""
	for _, p := range paths {
		joined += p + "\x00"
	}
	return joined
}

// chunk splits paths into groups of at least min and at most max
// elements, in order. A final remainder smaller than min is left
// unscheduled until a later scan has enough new files to reach min.
func chunk(paths []string, min, max int) [][]string {
	var out [][]string
	for len(paths) >= min {
		n := max
		if n > len(paths) {
			n = len(paths)
		}
		out = append(out, paths[:n])
		paths = paths[n:]
	}
	return out
}

func (s *Scheduler) enqueueBatch(instrumentID string, sources []string) {
	id := s.meta.AllocateID()
	rec := &Record{
		ID:            id,
		InstrumentID:  instrumentID,
		OLTPSSTables:  append([]string(nil), sources...),
		OLAPFile:      filepath.Join(filepath.Dir(filepath.Dir(sources[0])), "olap", fmt.Sprintf("%020d.parquet", id)),
		Status:        StatusPending,
		CreatedAtUnix: time.Now().Unix(),
	}
	if err := s.meta.AddRecord(rec); err != nil {
		s.logger.Error().Err(err).Uint64("record_id", id).Msg("failed to persist conversion record")
		return
	}
	s.enqueue(rec)
}

func (s *Scheduler) enqueue(rec *Record) {
	select {
	case s.tasks <- Task{Record: rec}:
	default:
		s.logger.Warn().Uint64("record_id", rec.ID).Msg("conversion task queue full, will retry next scan")
	}
}

// scheduleRetries re-enqueues Failed records whose exponential backoff
// has elapsed: delay = 2^min(retry_count,10) seconds since end_time.
func (s *Scheduler) scheduleRetries() {
	now := time.Now().Unix()
	for _, rec := range s.meta.GetRetryable(s.cfg.MaxRetries) {
		delay := retryDelaySeconds(rec.RetryCount)
		if now-rec.EndTimeUnix < delay {
			continue
		}
		rec.Status = StatusPending
		if err := s.meta.UpdateRecord(rec); err != nil {
			s.logger.Error().Err(err).Uint64("record_id", rec.ID).Msg("failed to persist retry")
			continue
		}
		s.logger.Info().Uint64("record_id", rec.ID).Uint32("retry_count", rec.RetryCount).Msg("retrying failed conversion")
		s.enqueue(rec)
	}
}

func retryDelaySeconds(retryCount uint32) int64 {
	exp := retryCount
	if exp > 10 {
		exp = 10
	}
	return int64(1) << exp
}

// recoverZombieTasks force-fails any Converting record whose worker has
// exceeded ZombieTimeout without reporting success or failure, most
// likely because the process that owned it crashed.
func (s *Scheduler) recoverZombieTasks() {
	now := time.Now().Unix()
	for _, rec := range s.meta.GetConverting() {
		if now-rec.StartTimeUnix <= int64(s.cfg.ZombieTimeout/time.Second) {
			continue
		}
		rec.MarkFailed(fmt.Sprintf("zombie task timeout after %d seconds", now-rec.StartTimeUnix))
		if err := s.meta.UpdateRecord(rec); err != nil {
			s.logger.Error().Err(err).Uint64("record_id", rec.ID).Msg("failed to persist zombie recovery")
			continue
		}
		log.WithConversionID(rec.ID).Warn().Str("instrument_id", rec.InstrumentID).Msg("reclaimed zombie conversion task")
	}
}

// cleanupTempFiles removes the staging temp file left behind by any
// Failed record; Success records have already renamed theirs away.
func (s *Scheduler) cleanupTempFiles() {
	for _, rec := range s.meta.Records {
		if rec.Status != StatusFailed {
			continue
		}
		tmp := rec.TempFilePath()
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", tmp).Msg("failed to clean up temp conversion file")
		}
	}
}
