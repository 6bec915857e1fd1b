package recovery

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/record"
)

type fakeAccountSink struct {
	opened  map[string]float64
	updated map[string]float64
}

func newFakeAccountSink() *fakeAccountSink {
	return &fakeAccountSink{opened: map[string]float64{}, updated: map[string]float64{}}
}

func (f *fakeAccountSink) OpenAccount(accountID, userID, accountName string, initCash float64, accountType record.AccountType, createdAt int64) {
	f.opened[accountID] = initCash
}

func (f *fakeAccountSink) UpdateAccount(userID string, balance, available, frozen, margin float64, sequence uint64) {
	f.updated[userID] = balance
}

type fakeUserSink struct {
	registered map[string]string
	bound      map[string][]string
	roles      map[string]uint32
}

func newFakeUserSink() *fakeUserSink {
	return &fakeUserSink{registered: map[string]string{}, bound: map[string][]string{}, roles: map[string]uint32{}}
}

func (f *fakeUserSink) RegisterUser(userID, username, passwordHash, phone, email string, rolesBitmask uint32, createdAt int64) {
	f.registered[userID] = username
}

func (f *fakeUserSink) BindAccount(userID, accountID string) {
	f.bound[userID] = append(f.bound[userID], accountID)
}

func (f *fakeUserSink) UpdateUserRole(userID string, rolesBitmask uint32, timestamp int64) {
	f.roles[userID] = rolesBitmask
}

func setupManager(t *testing.T) (*instrument.Manager, *fakeAccountSink, *fakeUserSink, *Manager) {
	t.Helper()
	im := instrument.New(instrument.Config{RootDir: t.TempDir()})
	accounts := newFakeAccountSink()
	users := newFakeUserSink()
	mgr := New(im, accounts, users, zerolog.Nop())
	return im, accounts, users, mgr
}

func TestRecoverAppliesAccountOpenAndUpdate(t *testing.T) {
	im, accounts, _, mgr := setupManager(t)
	defer im.Close()

	open := &record.AccountOpen{InitCash: 100000, Timestamp: 1000}
	record.PutFixed(open.AccountID[:], "acct-1")
	record.PutFixed(open.UserID[:], "user-1")
	_, err := im.Append(instrument.AccountInstrumentID, open, time.Unix(0, 1000))
	require.NoError(t, err)

	update := &record.AccountUpdate{Balance: 90000, Timestamp: 2000}
	record.PutFixed(update.UserID[:], "user-1")
	_, err = im.Append(instrument.AccountInstrumentID, update, time.Unix(0, 2000))
	require.NoError(t, err)

	stats, err := mgr.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AccountsOpened)
	assert.Equal(t, 1, stats.AccountsUpdated)
	assert.Equal(t, float64(100000), accounts.opened["acct-1"])
	assert.Equal(t, float64(90000), accounts.updated["user-1"])
}

func TestRecoverAppliesAccountUpdatesInSequenceOrder(t *testing.T) {
	im, accounts, _, mgr := setupManager(t)
	defer im.Close()

	open := &record.AccountOpen{InitCash: 100000, Timestamp: 1000}
	record.PutFixed(open.AccountID[:], "acct-1")
	record.PutFixed(open.UserID[:], "user-1")
	_, err := im.Append(instrument.AccountInstrumentID, open, time.Unix(0, 1000))
	require.NoError(t, err)

	// Sequence order determines which update wins, not timestamp value:
	// the second record in this batch gets the higher sequence number
	// and so is the one left applied after recovery.
	first := &record.AccountUpdate{Balance: 50000, Timestamp: 3000}
	record.PutFixed(first.UserID[:], "user-1")
	second := &record.AccountUpdate{Balance: 99000, Timestamp: 2000}
	record.PutFixed(second.UserID[:], "user-1")

	_, err = im.AppendBatch(instrument.AccountInstrumentID, []record.Record{first, second}, time.Unix(0, 3000))
	require.NoError(t, err)

	stats, err := mgr.Recover()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.AccountsUpdated)
	assert.Equal(t, float64(99000), accounts.updated["user-1"])
}

func TestRecoverAppliesUserRegisterAndBind(t *testing.T) {
	im, _, users, mgr := setupManager(t)
	defer im.Close()

	reg := &record.UserRegister{RolesBitmask: 1, CreatedAt: 1000}
	record.PutFixed(reg.UserID[:], "user-1")
	record.PutFixed(reg.Username[:], "alice")
	_, err := im.Append(instrument.AccountInstrumentID, reg, time.Unix(0, 1000))
	require.NoError(t, err)

	bind := &record.AccountBind{Timestamp: 1500}
	record.PutFixed(bind.UserID[:], "user-1")
	record.PutFixed(bind.AccountID[:], "acct-1")
	_, err = im.Append(instrument.AccountInstrumentID, bind, time.Unix(0, 1500))
	require.NoError(t, err)

	stats, err := mgr.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UsersRegistered)
	assert.Equal(t, 1, stats.AccountsBound)
	assert.Equal(t, "alice", users.registered["user-1"])
	assert.Equal(t, []string{"acct-1"}, users.bound["user-1"])
}

func TestRecoverSkipsOrderRecords(t *testing.T) {
	im, _, _, mgr := setupManager(t)
	defer im.Close()

	order := &record.OrderInsert{OrderID: 1, Timestamp: 1000}
	_, err := im.Append(instrument.AccountInstrumentID, order, time.Unix(0, 1000))
	require.NoError(t, err)

	stats, err := mgr.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntriesReplayed)
	assert.Equal(t, 0, stats.AccountsOpened)
}

func TestRecoverIsDeterministicAcrossRuns(t *testing.T) {
	im, accounts1, users1, mgr := setupManager(t)
	defer im.Close()

	open := &record.AccountOpen{InitCash: 5000, Timestamp: 1000}
	record.PutFixed(open.AccountID[:], "acct-9")
	record.PutFixed(open.UserID[:], "user-9")
	_, err := im.Append(instrument.AccountInstrumentID, open, time.Unix(0, 1000))
	require.NoError(t, err)

	_, err = mgr.Recover()
	require.NoError(t, err)

	accounts2 := newFakeAccountSink()
	users2 := newFakeUserSink()
	mgr2 := New(im, accounts2, users2, zerolog.Nop())
	_, err = mgr2.Recover()
	require.NoError(t, err)

	assert.Equal(t, accounts1.opened, accounts2.opened)
	assert.Equal(t, users1.registered, users2.registered)
}
