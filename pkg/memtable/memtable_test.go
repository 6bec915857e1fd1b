package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaexchange/qax-core/pkg/record"
)

func insertRec(orderID uint64) *record.OrderInsert {
	r := &record.OrderInsert{OrderID: orderID, Price: 1, Volume: 1}
	record.PutFixed(r.InstrumentID[:], "IF2501")
	return r
}

func TestInsertAndGet(t *testing.T) {
	mt := New(0)
	require.NoError(t, mt.Insert(100, 1, insertRec(7)))

	got, err := mt.Get(100, 1)
	require.NoError(t, err)
	oi, ok := got.(*record.OrderInsert)
	require.True(t, ok)
	assert.Equal(t, uint64(7), oi.OrderID)
}

func TestGetMissReturnsNotFound(t *testing.T) {
	mt := New(0)
	_, err := mt.Get(1, 1)
	assert.Error(t, err)
}

func TestRangeOrdersByTimestampThenSequence(t *testing.T) {
	mt := New(0)
	require.NoError(t, mt.Insert(300, 0, insertRec(3)))
	require.NoError(t, mt.Insert(100, 1, insertRec(1)))
	require.NoError(t, mt.Insert(100, 0, insertRec(0)))
	require.NoError(t, mt.Insert(200, 0, insertRec(2)))

	entries, err := mt.IterAll()
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var order []uint64
	for _, e := range entries {
		order = append(order, e.Record.(*record.OrderInsert).OrderID)
	}
	assert.Equal(t, []uint64{0, 1, 2, 3}, order)
}

func TestRangeFiltersByTimestampWindow(t *testing.T) {
	mt := New(0)
	require.NoError(t, mt.Insert(100, 0, insertRec(1)))
	require.NoError(t, mt.Insert(200, 0, insertRec(2)))
	require.NoError(t, mt.Insert(300, 0, insertRec(3)))

	entries, err := mt.Range(150, 250)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Record.(*record.OrderInsert).OrderID)
}

func TestRangeRejectsInvertedWindow(t *testing.T) {
	mt := New(0)
	_, err := mt.Range(500, 100)
	assert.Error(t, err)
}

func TestShouldFlushAfterThreshold(t *testing.T) {
	mt := New(32)
	assert.False(t, mt.ShouldFlush())
	require.NoError(t, mt.Insert(1, 0, insertRec(1)))
	assert.True(t, mt.ShouldFlush())
}

func TestClearResetsSizeAndContents(t *testing.T) {
	mt := New(0)
	require.NoError(t, mt.Insert(1, 0, insertRec(1)))
	mt.Clear()
	assert.Equal(t, int64(0), mt.SizeBytes())

	_, err := mt.Get(1, 0)
	assert.Error(t, err)
}

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	k := EncodeKey(123456789, 42)
	ts, seq := DecodeKey(k)
	assert.Equal(t, int64(123456789), ts)
	assert.Equal(t, uint64(42), seq)
}
