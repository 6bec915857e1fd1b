package instrument

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaexchange/qax-core/pkg/record"
)

func tick(ts int64) *record.TickData {
	r := &record.TickData{Timestamp: ts}
	record.PutFixed(r.InstrumentID[:], "IF2501")
	return r
}

func accountOpen(ts int64) *record.AccountOpen {
	r := &record.AccountOpen{Timestamp: ts}
	record.PutFixed(r.AccountID[:], "acct-1")
	return r
}

func TestAppendCreatesShardLazily(t *testing.T) {
	m := New(Config{RootDir: t.TempDir()})
	defer m.Close()

	assert.Empty(t, m.ActiveInstruments())
	_, err := m.Append("IF2501", tick(1000), time.Unix(0, 1000))
	require.NoError(t, err)
	assert.Equal(t, []string{"IF2501"}, m.ActiveInstruments())
}

func TestAccountPseudoInstrumentIsolatedFromMarketShards(t *testing.T) {
	m := New(Config{RootDir: t.TempDir()})
	defer m.Close()

	_, err := m.Append("IF2501", tick(1000), time.Unix(0, 1000))
	require.NoError(t, err)
	_, err = m.Append(AccountInstrumentID, accountOpen(2000), time.Unix(0, 2000))
	require.NoError(t, err)

	marketEntries, err := m.Replay("IF2501")
	require.NoError(t, err)
	require.Len(t, marketEntries, 1)
	_, isTick := marketEntries[0].Record.(*record.TickData)
	assert.True(t, isTick)

	acctEntries, err := m.Replay(AccountInstrumentID)
	require.NoError(t, err)
	require.Len(t, acctEntries, 1)
	_, isOpen := acctEntries[0].Record.(*record.AccountOpen)
	assert.True(t, isOpen)
}

func TestReplayAllCoversEveryOpenedShard(t *testing.T) {
	m := New(Config{RootDir: t.TempDir()})
	defer m.Close()

	_, err := m.Append("IF2501", tick(1000), time.Unix(0, 1000))
	require.NoError(t, err)
	_, err = m.Append("IC2501", tick(2000), time.Unix(0, 2000))
	require.NoError(t, err)

	all, err := m.ReplayAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "IF2501")
	assert.Contains(t, all, "IC2501")
}

func TestCheckpointAppendsWithoutError(t *testing.T) {
	m := New(Config{RootDir: t.TempDir()})
	defer m.Close()

	_, err := m.Append("IF2501", tick(1000), time.Unix(0, 1000))
	require.NoError(t, err)
	require.NoError(t, m.Checkpoint("IF2501", 0, time.Now()))
}
