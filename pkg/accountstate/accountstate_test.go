package accountstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qaexchange/qax-core/pkg/record"
	"github.com/qaexchange/qax-core/pkg/xerrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAccountPersistsInitialState(t *testing.T) {
	s := openTestStore(t)
	s.OpenAccount("acct-1", "user-1", "Primary", 100000, record.AccountTypeIndividual, 1000)

	got, err := s.GetAccount("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, 100000.0, got.Balance)
	assert.Equal(t, 100000.0, got.Available)
}

func TestUpdateAccountAppliesNewerSequence(t *testing.T) {
	s := openTestStore(t)
	s.OpenAccount("acct-1", "user-1", "Primary", 100000, record.AccountTypeIndividual, 1000)

	s.UpdateAccount("user-1", 90000, 80000, 10000, 5000, 5)

	got, err := s.GetAccount("acct-1")
	require.NoError(t, err)
	assert.Equal(t, 90000.0, got.Balance)
	assert.Equal(t, 80000.0, got.Available)
	assert.Equal(t, uint64(5), got.LastSequence)
}

func TestUpdateAccountIgnoresStaleSequence(t *testing.T) {
	s := openTestStore(t)
	s.OpenAccount("acct-1", "user-1", "Primary", 100000, record.AccountTypeIndividual, 1000)
	s.UpdateAccount("user-1", 90000, 80000, 10000, 5000, 5)
	s.UpdateAccount("user-1", 1, 1, 1, 1, 3)

	got, err := s.GetAccount("acct-1")
	require.NoError(t, err)
	assert.Equal(t, 90000.0, got.Balance)
	assert.Equal(t, uint64(5), got.LastSequence)
}

func TestGetAccountMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetAccount("nope")
	assert.ErrorIs(t, err, xerrors.ErrNotFound)
}

func TestRegisterUserAndBindAccount(t *testing.T) {
	s := openTestStore(t)
	s.RegisterUser("user-1", "alice", "hash", "555-0100", "alice@example.com", 1, 1000)
	s.BindAccount("user-1", "acct-1")
	s.BindAccount("user-1", "acct-2")
	s.BindAccount("user-1", "acct-1") // duplicate bind is a no-op

	got, err := s.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.ElementsMatch(t, []string{"acct-1", "acct-2"}, got.AccountIDs)
}

func TestUpdateUserRoleAppliesNewerTimestamp(t *testing.T) {
	s := openTestStore(t)
	s.RegisterUser("user-1", "alice", "hash", "555-0100", "alice@example.com", 1, 1000)
	s.UpdateUserRole("user-1", 3, 2000)
	s.UpdateUserRole("user-1", 7, 500) // stale, ignored

	got, err := s.GetUser("user-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.RolesBitmask)
}

func TestListAccountsReturnsEveryAccount(t *testing.T) {
	s := openTestStore(t)
	s.OpenAccount("acct-1", "user-1", "Primary", 1000, record.AccountTypeIndividual, 1000)
	s.OpenAccount("acct-2", "user-2", "Secondary", 2000, record.AccountTypeInstitutional, 1000)

	all, err := s.ListAccounts()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
