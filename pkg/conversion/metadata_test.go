package conversion

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMetadataMissingFileReturnsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversion.json")
	m, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Empty(t, m.Records)
	assert.Equal(t, uint64(1), m.NextID)
}

func TestAddRecordAndUpdateRecordPersistAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conversion.json")
	m, err := LoadMetadata(path)
	require.NoError(t, err)

	id := m.AllocateID()
	rec := &Record{ID: id, InstrumentID: "IF2501", OLTPSSTables: []string{"a.sst", "b.sst"}, Status: StatusPending}
	require.NoError(t, m.AddRecord(rec))

	rec.MarkConverting()
	require.NoError(t, m.UpdateRecord(rec))

	reloaded, err := LoadMetadata(path)
	require.NoError(t, err)
	require.Len(t, reloaded.Records, 1)
	assert.Equal(t, StatusConverting, reloaded.Records[0].Status)
	assert.Equal(t, "IF2501", reloaded.Records[0].InstrumentID)
}

func TestUpdateRecordMissingIDReturnsError(t *testing.T) {
	m := NewMetadata(filepath.Join(t.TempDir(), "conversion.json"))
	err := m.UpdateRecord(&Record{ID: 999})
	assert.Error(t, err)
}

func TestGetPendingConvertingSuccessFailedFilters(t *testing.T) {
	m := NewMetadata(filepath.Join(t.TempDir(), "conversion.json"))
	require.NoError(t, m.AddRecord(&Record{ID: 1, Status: StatusPending}))
	require.NoError(t, m.AddRecord(&Record{ID: 2, Status: StatusConverting}))
	require.NoError(t, m.AddRecord(&Record{ID: 3, Status: StatusSuccess}))
	require.NoError(t, m.AddRecord(&Record{ID: 4, Status: StatusFailed}))

	assert.Len(t, m.GetPending(), 1)
	assert.Len(t, m.GetConverting(), 1)
	assert.Len(t, m.GetSuccess(), 1)

	stats := m.Stats()
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Failed)
}

func TestCanRetryRespectsMaxRetries(t *testing.T) {
	r := &Record{Status: StatusFailed, RetryCount: 4}
	assert.True(t, r.CanRetry(5))
	r.RetryCount = 5
	assert.False(t, r.CanRetry(5))

	r.Status = StatusSuccess
	r.RetryCount = 0
	assert.False(t, r.CanRetry(5))
}

func TestMarkFailedIncrementsRetryCount(t *testing.T) {
	r := &Record{Status: StatusConverting}
	r.MarkFailed("boom")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, uint32(1), r.RetryCount)
	assert.Equal(t, "boom", r.ErrorMessage)
}

func TestMarkSuccessRecordsEntryCountAndTimestamps(t *testing.T) {
	r := &Record{Status: StatusConverting}
	r.MarkSuccess(10, 100, 900)
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Equal(t, uint64(10), r.EntryCount)
	assert.Equal(t, int64(100), r.MinTimestamp)
	assert.Equal(t, int64(900), r.MaxTimestamp)
}

func TestTempFilePathSwapsExtension(t *testing.T) {
	r := &Record{OLAPFile: "/data/IF2501/olap/00000000000000000001.parquet"}
	assert.Equal(t, "/data/IF2501/olap/00000000000000000001.tmp", r.TempFilePath())
}
