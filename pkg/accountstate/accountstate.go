// Package accountstate is a reference bbolt-backed sink for account and
// user lifecycle records replayed by pkg/recovery. It implements
// recovery.AccountSink and recovery.UserSink so the storage core can be
// exercised and tested end to end without a real exchange account
// manager; a production deployment would swap this for the real one.
package accountstate

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/qaexchange/qax-core/pkg/record"
	"github.com/qaexchange/qax-core/pkg/xerrors"
)

var (
	bucketAccounts = []byte("accounts")
	bucketUsers    = []byte("users")
)

// Account is the reconstructed state of one trading account.
type Account struct {
	AccountID     string             `json:"account_id"`
	UserID        string             `json:"user_id"`
	AccountName   string             `json:"account_name"`
	InitCash      float64            `json:"init_cash"`
	AccountType   record.AccountType `json:"account_type"`
	Balance       float64            `json:"balance"`
	Available     float64            `json:"available"`
	Frozen        float64            `json:"frozen"`
	Margin        float64            `json:"margin"`
	LastSequence  uint64             `json:"last_sequence"`
	CreatedAtUnix int64              `json:"created_at_unix"`
}

// User is the reconstructed state of one platform user.
type User struct {
	UserID          string   `json:"user_id"`
	Username        string   `json:"username"`
	PasswordHash    string   `json:"password_hash"`
	Phone           string   `json:"phone"`
	Email           string   `json:"email"`
	RolesBitmask    uint32   `json:"roles_bitmask"`
	AccountIDs      []string `json:"account_ids"`
	RoleUpdatedUnix int64    `json:"role_updated_unix"`
	CreatedAtUnix   int64    `json:"created_at_unix"`
}

// Store is a bbolt-backed recovery.AccountSink and recovery.UserSink.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the account state database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("accountstate: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAccounts, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("accountstate: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OpenAccount implements recovery.AccountSink.
func (s *Store) OpenAccount(accountID, userID, accountName string, initCash float64, accountType record.AccountType, createdAt int64) {
	acct := Account{
		AccountID:     accountID,
		UserID:        userID,
		AccountName:   accountName,
		InitCash:      initCash,
		AccountType:   accountType,
		Balance:       initCash,
		Available:     initCash,
		CreatedAtUnix: createdAt,
	}
	s.putAccount(&acct)
}

// UpdateAccount implements recovery.AccountSink. Updates older than the
// account's current LastSequence are ignored, matching the recovery
// manager's own last-write-wins-by-sequence contract so a sink replayed
// twice converges to the same state.
func (s *Store) UpdateAccount(userID string, balance, available, frozen, margin float64, sequence uint64) {
	acct, err := s.findAccountByUser(userID)
	if err != nil || acct == nil {
		acct = &Account{UserID: userID}
	}
	if sequence <= acct.LastSequence && acct.LastSequence != 0 {
		return
	}
	acct.Balance = balance
	acct.Available = available
	acct.Frozen = frozen
	acct.Margin = margin
	acct.LastSequence = sequence
	s.putAccount(acct)
}

// RegisterUser implements recovery.UserSink.
func (s *Store) RegisterUser(userID, username, passwordHash, phone, email string, rolesBitmask uint32, createdAt int64) {
	u := User{
		UserID:        userID,
		Username:      username,
		PasswordHash:  passwordHash,
		Phone:         phone,
		Email:         email,
		RolesBitmask:  rolesBitmask,
		CreatedAtUnix: createdAt,
	}
	s.putUser(&u)
}

// BindAccount implements recovery.UserSink.
func (s *Store) BindAccount(userID, accountID string) {
	u, err := s.GetUser(userID)
	if err != nil {
		u = &User{UserID: userID}
	}
	for _, existing := range u.AccountIDs {
		if existing == accountID {
			return
		}
	}
	u.AccountIDs = append(u.AccountIDs, accountID)
	s.putUser(u)
}

// UpdateUserRole implements recovery.UserSink.
func (s *Store) UpdateUserRole(userID string, rolesBitmask uint32, timestamp int64) {
	u, err := s.GetUser(userID)
	if err != nil {
		u = &User{UserID: userID}
	}
	if timestamp < u.RoleUpdatedUnix {
		return
	}
	u.RolesBitmask = rolesBitmask
	u.RoleUpdatedUnix = timestamp
	s.putUser(u)
}

// GetAccount looks up an account by ID.
func (s *Store) GetAccount(accountID string) (*Account, error) {
	var acct Account
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(accountID))
		if data == nil {
			return xerrors.ErrNotFound
		}
		return json.Unmarshal(data, &acct)
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetUser looks up a user by ID.
func (s *Store) GetUser(userID string) (*User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(userID))
		if data == nil {
			return xerrors.ErrNotFound
		}
		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListAccounts returns every known account.
func (s *Store) ListAccounts() ([]*Account, error) {
	var out []*Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(_, v []byte) error {
			var acct Account
			if err := json.Unmarshal(v, &acct); err != nil {
				return err
			}
			out = append(out, &acct)
			return nil
		})
	})
	return out, err
}

func (s *Store) putAccount(acct *Account) {
	data, err := json.Marshal(acct)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).Put([]byte(acct.AccountID), data)
	})
}

func (s *Store) putUser(u *User) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(u.UserID), data)
	})
}

func (s *Store) findAccountByUser(userID string) (*Account, error) {
	var found *Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(_, v []byte) error {
			var acct Account
			if err := json.Unmarshal(v, &acct); err != nil {
				return err
			}
			if acct.UserID == userID {
				a := acct
				found = &a
			}
			return nil
		})
	})
	return found, err
}
