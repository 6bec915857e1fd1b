package conversion

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/record"
)

func trade(id uint64, ts int64, price float64) *record.TradeExecuted {
	return &record.TradeExecuted{TradeID: id, Price: price, Volume: 1, Timestamp: ts}
}

func sealTwoSSTables(t *testing.T, im *instrument.Manager, instrumentID string) []string {
	t.Helper()
	shard, err := im.Shard(instrumentID)
	require.NoError(t, err)

	_, err = shard.Write(trade(1, 1000, 10), time.Unix(0, 1000))
	require.NoError(t, err)
	require.NoError(t, shard.Flush())

	_, err = shard.Write(trade(2, 2000, 20), time.Unix(0, 2000))
	require.NoError(t, err)
	require.NoError(t, shard.Flush())

	paths := shard.SealedSSTablePaths()
	require.Len(t, paths, 2)
	return paths
}

func TestWorkerPoolConvertsBatchToOLAPFile(t *testing.T) {
	root := t.TempDir()
	im := instrument.New(instrument.Config{RootDir: root})
	defer im.Close()

	paths := sealTwoSSTables(t, im, "IF2501")

	meta := NewMetadata(filepath.Join(root, "conversion.json"))
	id := meta.AllocateID()
	rec := &Record{
		ID:           id,
		InstrumentID: "IF2501",
		OLTPSSTables: paths,
		OLAPFile:     filepath.Join(root, "IF2501", "olap", "00000000000000000001.parquet"),
		Status:       StatusPending,
	}
	require.NoError(t, meta.AddRecord(rec))

	tasks := make(chan Task, 1)
	tasks <- Task{Record: rec}
	close(tasks)

	pool := NewWorkerPool(DefaultWorkerConfig(), im, meta, tasks, zerolog.Nop())
	pool.Start()
	pool.Wait()

	reloaded, err := LoadMetadata(meta.path)
	require.NoError(t, err)
	require.Len(t, reloaded.Records, 1)
	got := reloaded.Records[0]
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, uint64(2), got.EntryCount)
	assert.Equal(t, int64(1000), got.MinTimestamp)
	assert.Equal(t, int64(2000), got.MaxTimestamp)

	_, err = os.Stat(rec.OLAPFile)
	assert.NoError(t, err, "olap file should exist at its final path")

	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "source sstable should have been archived away")
		_, err = os.Stat(p + ".archived")
		assert.NoError(t, err, "source sstable should have been renamed with .archived suffix")
	}

	shard, err := im.Shard("IF2501")
	require.NoError(t, err)
	assert.Empty(t, shard.SealedSSTablePaths(), "archived sstables should no longer be listed as sealed")
	assert.Equal(t, []string{rec.OLAPFile}, shard.GetOLAPFiles())
}

func TestWorkerPoolFailsOnMissingSourceSSTable(t *testing.T) {
	root := t.TempDir()
	im := instrument.New(instrument.Config{RootDir: root})
	defer im.Close()

	paths := sealTwoSSTables(t, im, "IF2501")

	meta := NewMetadata(filepath.Join(root, "conversion.json"))
	id := meta.AllocateID()
	rec := &Record{
		ID:           id,
		InstrumentID: "IF2501",
		OLTPSSTables: append(paths, filepath.Join(root, "IF2501", "sstable", "nonexistent.sst")),
		OLAPFile:     filepath.Join(root, "IF2501", "olap", "bad.parquet"),
		Status:       StatusPending,
	}
	require.NoError(t, meta.AddRecord(rec))

	tasks := make(chan Task, 1)
	tasks <- Task{Record: rec}
	close(tasks)

	pool := NewWorkerPool(DefaultWorkerConfig(), im, meta, tasks, zerolog.Nop())
	pool.Start()
	pool.Wait()

	reloaded, err := LoadMetadata(meta.path)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, reloaded.Records[0].Status)
	assert.Equal(t, uint32(1), reloaded.Records[0].RetryCount)
}

func TestWorkerPoolDeletesSourcesImmediatelyWhenRetentionIsZero(t *testing.T) {
	root := t.TempDir()
	im := instrument.New(instrument.Config{RootDir: root})
	defer im.Close()

	paths := sealTwoSSTables(t, im, "IF2501")

	meta := NewMetadata(filepath.Join(root, "conversion.json"))
	id := meta.AllocateID()
	rec := &Record{
		ID:           id,
		InstrumentID: "IF2501",
		OLTPSSTables: paths,
		OLAPFile:     filepath.Join(root, "IF2501", "olap", "00000000000000000001.parquet"),
		Status:       StatusPending,
	}
	require.NoError(t, meta.AddRecord(rec))

	tasks := make(chan Task, 1)
	tasks <- Task{Record: rec}
	close(tasks)

	cfg := DefaultWorkerConfig()
	cfg.SourceRetention = 0
	pool := NewWorkerPool(cfg, im, meta, tasks, zerolog.Nop())
	pool.Start()
	pool.Wait()

	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(p + ".archived")
		assert.True(t, os.IsNotExist(err), "retention of zero should delete rather than archive")
	}
}
