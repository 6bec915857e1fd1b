// Package recovery replays per-instrument WALs — most importantly the
// reserved __ACCOUNT__ shard — into external account/user state sinks on
// startup, so those in-memory managers come back exactly as they were
// before a crash or restart.
package recovery

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/qaexchange/qax-core/pkg/hybrid"
	"github.com/qaexchange/qax-core/pkg/instrument"
	"github.com/qaexchange/qax-core/pkg/log"
	"github.com/qaexchange/qax-core/pkg/record"
)

// AccountSink receives account lifecycle events reconstructed from the
// WAL. Implementations (e.g. pkg/accountstate, or the real exchange's
// account manager) decide how to store them.
type AccountSink interface {
	OpenAccount(accountID, userID, accountName string, initCash float64, accountType record.AccountType, createdAt int64)
	UpdateAccount(userID string, balance, available, frozen, margin float64, sequence uint64)
}

// UserSink receives user lifecycle events reconstructed from the WAL.
type UserSink interface {
	RegisterUser(userID, username, passwordHash, phone, email string, rolesBitmask uint32, createdAt int64)
	BindAccount(userID, accountID string)
	UpdateUserRole(userID string, rolesBitmask uint32, timestamp int64)
}

// Stats reports what a recovery pass found and did.
type Stats struct {
	EntriesReplayed  int
	AccountsOpened   int
	AccountsUpdated  int
	UsersRegistered  int
	AccountsBound    int
	RoleUpdates      int
	Errors           []string
}

// Manager replays the __ACCOUNT__ shard into an AccountSink and UserSink.
type Manager struct {
	instruments *instrument.Manager
	accounts    AccountSink
	users       UserSink
	logger      zerolog.Logger
}

// New constructs a recovery Manager.
func New(instruments *instrument.Manager, accounts AccountSink, users UserSink, logger zerolog.Logger) *Manager {
	return &Manager{
		instruments: instruments,
		accounts:    accounts,
		users:       users,
		logger:      logger.With().Str("component", "recovery.Manager").Logger(),
	}
}

// Recover replays every record in the __ACCOUNT__ shard in sequence
// order and applies account/user lifecycle records to the configured
// sinks. Order, trade, market-data, factor, and snapshot variants are
// skipped here; they belong to specialized recovery passes elsewhere.
// Recovery is deterministic: the same WAL always yields the same result.
func (m *Manager) Recover() (Stats, error) {
	entries, err := m.instruments.Replay(instrument.AccountInstrumentID)
	if err != nil {
		return Stats{}, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

	var stats Stats
	lastAccountUpdateSeq := make(map[string]uint64)
	lastRoleUpdateTS := make(map[string]int64)

	for _, e := range entries {
		stats.EntriesReplayed++
		if err := m.apply(e, &stats, lastAccountUpdateSeq, lastRoleUpdateTS); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			m.logger.Error().Err(err).Uint64("sequence", e.Sequence).Msg("failed to apply recovery record")
		}
	}

	m.logger.Info().
		Int("entries", stats.EntriesReplayed).
		Int("accounts_opened", stats.AccountsOpened).
		Int("users_registered", stats.UsersRegistered).
		Msg("recovery complete")
	return stats, nil
}

func (m *Manager) apply(e hybrid.Entry, stats *Stats, lastAccountUpdateSeq map[string]uint64, lastRoleUpdateTS map[string]int64) error {
	switch rec := e.Record.(type) {
	case *record.AccountOpen:
		accountID := record.FromFixedArray(rec.AccountID[:])
		userID := record.FromFixedArray(rec.UserID[:])
		accountName := record.FromFixedArray(rec.AccountName[:])
		accountType := normalizeAccountType(rec.AccountType, m.logger)
		m.accounts.OpenAccount(accountID, userID, accountName, rec.InitCash, accountType, rec.Timestamp)
		stats.AccountsOpened++

	case *record.AccountUpdate:
		userID := record.FromFixedArray(rec.UserID[:])
		if e.Sequence <= lastAccountUpdateSeq[userID] {
			return nil
		}
		lastAccountUpdateSeq[userID] = e.Sequence
		m.accounts.UpdateAccount(userID, rec.Balance, rec.Available, rec.Frozen, rec.Margin, e.Sequence)
		stats.AccountsUpdated++

	case *record.UserRegister:
		userID := record.FromFixedArray(rec.UserID[:])
		username := record.FromFixedArray(rec.Username[:])
		passwordHash := record.FromFixedArray(rec.PasswordHash[:])
		phone := record.FromFixedArray(rec.Phone[:])
		email := record.FromFixedArray(rec.Email[:])
		m.users.RegisterUser(userID, username, passwordHash, phone, email, rec.RolesBitmask, rec.CreatedAt)
		log.WithUserID(userID).Debug().Msg("replayed user registration during recovery")
		stats.UsersRegistered++

	case *record.AccountBind:
		userID := record.FromFixedArray(rec.UserID[:])
		accountID := record.FromFixedArray(rec.AccountID[:])
		m.users.BindAccount(userID, accountID)
		stats.AccountsBound++

	case *record.UserRoleUpdate:
		userID := record.FromFixedArray(rec.UserID[:])
		if rec.Timestamp < lastRoleUpdateTS[userID] {
			return nil
		}
		lastRoleUpdateTS[userID] = rec.Timestamp
		m.users.UpdateUserRole(userID, rec.RolesBitmask, rec.Timestamp)
		stats.RoleUpdates++

	default:
		// Order, trade, market-data, factor, and snapshot variants are
		// intentionally skipped by this pass.
	}
	return nil
}

func normalizeAccountType(t record.AccountType, logger zerolog.Logger) record.AccountType {
	switch t {
	case record.AccountTypeIndividual, record.AccountTypeInstitutional, record.AccountTypeMarketMaker:
		return t
	default:
		logger.Warn().Uint8("account_type", uint8(t)).Msg("unknown account type, defaulting to individual")
		return record.AccountTypeIndividual
	}
}
