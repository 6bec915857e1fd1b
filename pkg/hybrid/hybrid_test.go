package hybrid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaexchange/qax-core/pkg/record"
)

func tick(ts int64, price float64) *record.TickData {
	r := &record.TickData{LastPrice: price, Timestamp: ts}
	record.PutFixed(r.InstrumentID[:], "IF2501")
	return r
}

func TestWriteAndRangeQueryFromMemTable(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	ts := time.Unix(0, 1000)
	_, err = s.Write(tick(1000, 1), ts)
	require.NoError(t, err)
	_, err = s.Write(tick(2000, 2), time.Unix(0, 2000))
	require.NoError(t, err)

	entries, err := s.RangeQuery(0, 3000)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(1), entries[0].Record.(*record.TickData).LastPrice)
	assert.Equal(t, float64(2), entries[1].Record.(*record.TickData).LastPrice)
}

func TestFlushSealsMemTableIntoSSTableAndQueryStillWorks(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	for i := int64(0); i < 5; i++ {
		_, err := s.Write(tick(i*1000, float64(i)), time.Unix(0, i*1000))
		require.NoError(t, err)
	}
	require.NoError(t, s.Flush())
	assert.Equal(t, 1, s.Stats().SSTableCount)
	assert.Equal(t, int64(0), s.Stats().MemTableSizeBytes)

	entries, err := s.RangeQuery(0, 10_000)
	require.NoError(t, err)
	require.Len(t, entries, 5)
}

func TestRangeQueryMergesMemTableAndSSTable(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Write(tick(1000, 1), time.Unix(0, 1000))
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	_, err = s.Write(tick(2000, 2), time.Unix(0, 2000))
	require.NoError(t, err)

	entries, err := s.RangeQuery(0, 5000)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(1), entries[0].Record.(*record.TickData).LastPrice)
	assert.Equal(t, float64(2), entries[1].Record.(*record.TickData).LastPrice)
}

func TestRecoverRebuildsMemTableFromWAL(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	_, err = s.Write(tick(1000, 1), time.Unix(0, 1000))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	defer s2.Close()

	entries, err := s2.RangeQuery(0, 5000)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFlushCheckpointSurvivesRestartWithoutDuplicates(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir})
	require.NoError(t, err)

	for i := int64(0); i < 5; i++ {
		_, err := s.Write(tick(i*1000, float64(i)), time.Unix(0, i*1000))
		require.NoError(t, err)
	}
	require.NoError(t, s.Flush())

	// One more write lands in the MemTable after the flush and is only
	// covered by the WAL, not yet sealed into an SSTable.
	_, err = s.Write(tick(5000, 5), time.Unix(0, 5000))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	defer s2.Close()

	entries, err := s2.RangeQuery(0, 10_000)
	require.NoError(t, err)
	require.Len(t, entries, 6)

	seen := make(map[int64]bool)
	for i, e := range entries {
		assert.False(t, seen[e.TimestampNanos], "duplicate entry at timestamp %d", e.TimestampNanos)
		seen[e.TimestampNanos] = true
		assert.Equal(t, float64(i), e.Record.(*record.TickData).LastPrice)
	}
}

func TestRegisterAndReadOLAPCutoff(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	s.RegisterOLAPFile("instr/2026-01.parquet", 5000)
	assert.Equal(t, int64(5000), s.GetOLAPCutoffTimestamp())
	assert.Equal(t, []string{"instr/2026-01.parquet"}, s.GetOLAPFiles())
}

func TestRangeQueryRejectsInvertedWindow(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.RangeQuery(100, 1)
	assert.Error(t, err)
}
