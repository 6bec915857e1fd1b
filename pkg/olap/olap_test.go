package olap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaexchange/qax-core/pkg/record"
)

func tickRow(ts int64, seq uint64, price float64) Row {
	r := &record.TickData{LastPrice: price, Timestamp: ts}
	record.PutFixed(r.InstrumentID[:], "IF2501")
	return Row{TimestampNanos: ts, Sequence: seq, Record: r}
}

func TestWriteAndQueryRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{Uncompressed, Snappy, LZ4, Zstd1, Zstd9} {
		t.Run(algo.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data.parquet")
			rows := []Row{
				tickRow(100, 0, 10),
				tickRow(200, 1, 20),
				tickRow(300, 2, 30),
			}
			require.NoError(t, Write(path, rows, 2, algo))

			r, err := Open(path)
			require.NoError(t, err)
			defer r.Close()

			var got []float64
			err = r.Query(0, 1_000_000, nil, func(row Row) bool {
				got = append(got, row.Record.(*record.TickData).LastPrice)
				return true
			})
			require.NoError(t, err)
			assert.Equal(t, []float64{10, 20, 30}, got)
		})
	}
}

func TestQuerySkipsChunksOutsidePredicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	rows := []Row{tickRow(100, 0, 1), tickRow(5000, 1, 2)}
	require.NoError(t, Write(path, rows, 1, Uncompressed))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	var got []int64
	err = r.Query(4000, 6000, nil, func(row Row) bool {
		got = append(got, row.TimestampNanos)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{5000}, got)
}

func TestQueryFiltersByTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	cp := &record.Checkpoint{Sequence: 1, Timestamp: 100}
	tk := tickRow(200, 1, 5)
	require.NoError(t, Write(path, []Row{{TimestampNanos: 100, Sequence: 0, Record: cp}, tk}, 4, Uncompressed))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	tag := record.TagTickData
	var count int
	err = r.Query(0, 10_000, &tag, func(row Row) bool {
		count++
		assert.Equal(t, record.TagTickData, row.Record.Tag())
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestQueryRejectsInvertedRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	require.NoError(t, Write(path, []Row{tickRow(1, 0, 1)}, 4, Uncompressed))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	err = r.Query(100, 1, nil, func(Row) bool { return true })
	assert.Error(t, err)
}
