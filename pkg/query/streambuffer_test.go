package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qaexchange/qax-core/pkg/record"
)

func tradeEntry(ts int64, seq uint64) Entry {
	return Entry{TimestampNanos: ts, Sequence: seq, Record: &record.TradeExecuted{TradeID: seq, Price: 100, Volume: 1, Timestamp: ts}}
}

func TestStreamBufferPushAndRange(t *testing.T) {
	b := NewStreamBuffer(10)
	b.Push("IF2501", tradeEntry(1000, 1))
	b.Push("IF2501", tradeEntry(2000, 2))
	b.Push("IF2501", tradeEntry(3000, 3))

	got := b.Range("IF2501", 1500, 3000)
	assert.Len(t, got, 2)
	assert.Equal(t, int64(2000), got[0].TimestampNanos)
	assert.Equal(t, int64(3000), got[1].TimestampNanos)
}

func TestStreamBufferEvictsOldestAtCapacity(t *testing.T) {
	b := NewStreamBuffer(2)
	b.Push("IF2501", tradeEntry(1000, 1))
	b.Push("IF2501", tradeEntry(2000, 2))
	b.Push("IF2501", tradeEntry(3000, 3))

	got := b.Range("IF2501", 0, 10000)
	assert.Len(t, got, 2)
	assert.Equal(t, int64(2000), got[0].TimestampNanos)
	assert.Equal(t, int64(3000), got[1].TimestampNanos)
}

func TestStreamBufferIsolatesKeys(t *testing.T) {
	b := NewStreamBuffer(10)
	b.Push("IF2501", tradeEntry(1000, 1))
	b.Push("IC2501", tradeEntry(1000, 2))

	assert.Len(t, b.Range("IF2501", 0, 10000), 1)
	assert.Len(t, b.Range("IC2501", 0, 10000), 1)
	assert.Empty(t, b.Range("IH2501", 0, 10000))
}

func TestStreamBufferLenAndKeys(t *testing.T) {
	b := NewStreamBuffer(10)
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Keys())

	b.Push("IF2501", tradeEntry(1000, 1))
	b.Push("IC2501", tradeEntry(1000, 2))
	b.Push("IC2501", tradeEntry(2000, 3))

	assert.Equal(t, 3, b.Len())
	assert.ElementsMatch(t, []string{"IF2501", "IC2501"}, b.Keys())
}

func TestStreamBufferDefaultCapacityAppliedWhenNonPositive(t *testing.T) {
	b := NewStreamBuffer(0)
	assert.Equal(t, DefaultStreamBufferCapacity, b.capacity)
}
