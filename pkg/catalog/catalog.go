// Package catalog provides bbolt-backed auxiliary metadata for operators
// and the daemon's own startup path: the set of known instruments and a
// secondary index over conversion records, queryable by instrument
// without scanning the conversion scheduler's JSON metadata file.
//
// Nothing in the hot OLTP or OLAP read/write path touches this package;
// it exists for "qaxctl catalog ls" and daemon boot,
// where a transactional key-value store is the right tool and an extra
// mmap'd LSM tree is not.
package catalog

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/qaexchange/qax-core/pkg/conversion"
	"github.com/qaexchange/qax-core/pkg/xerrors"
)

var (
	bucketInstruments = []byte("instruments")
	bucketConversions = []byte("conversions")
	bucketConvByInstr = []byte("conversions_by_instrument")
)

// Instrument is the catalog's record of one known instrument.
type Instrument struct {
	ID            string `json:"id"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

// ConversionEntry is the catalog's secondary-index copy of one
// conversion record, kept in sync by whoever drives the conversion
// scheduler. It mirrors the fields an operator cares about rather than
// the full conversion.Record, so the index stays small.
type ConversionEntry struct {
	ID            uint64            `json:"id"`
	InstrumentID  string            `json:"instrument_id"`
	Status        conversion.Status `json:"status"`
	OLAPFile      string            `json:"olap_file"`
	EntryCount    uint64            `json:"entry_count"`
	CreatedAtUnix int64             `json:"created_at_unix"`
}

// Catalog is a bbolt-backed store opened on one file.
type Catalog struct {
	db *bolt.DB
}

// Open opens (creating if absent) the catalog database at path and
// ensures its buckets exist.
func Open(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketInstruments, bucketConversions, bucketConvByInstr} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("catalog: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// RegisterInstrument upserts an instrument's registry entry.
func (c *Catalog) RegisterInstrument(id string, createdAtUnix int64) error {
	inst := Instrument{ID: id, CreatedAtUnix: createdAtUnix}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("catalog: marshal instrument %s: %w", id, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstruments).Put([]byte(id), data)
	})
}

// GetInstrument looks up a registered instrument by ID.
func (c *Catalog) GetInstrument(id string) (*Instrument, error) {
	var inst Instrument
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstruments).Get([]byte(id))
		if data == nil {
			return xerrors.ErrNotFound
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstruments returns every registered instrument.
func (c *Catalog) ListInstruments() ([]*Instrument, error) {
	var out []*Instrument
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstruments).ForEach(func(_, v []byte) error {
			var inst Instrument
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			out = append(out, &inst)
			return nil
		})
	})
	return out, err
}

// DeleteInstrument removes an instrument's registry entry. It does not
// touch that instrument's WAL, SSTables, or OLAP files.
func (c *Catalog) DeleteInstrument(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstruments).Delete([]byte(id))
	})
}

// IndexConversionRecord upserts a secondary-index entry for a
// conversion record, keyed by ID and cross-referenced by instrument so
// ListConversionsByInstrument doesn't need to scan the whole bucket.
func (c *Catalog) IndexConversionRecord(rec *conversion.Record) error {
	entry := ConversionEntry{
		ID:            rec.ID,
		InstrumentID:  rec.InstrumentID,
		Status:        rec.Status,
		OLAPFile:      rec.OLAPFile,
		EntryCount:    rec.EntryCount,
		CreatedAtUnix: rec.CreatedAtUnix,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("catalog: marshal conversion entry %d: %w", rec.ID, err)
	}
	key := conversionKey(rec.ID)
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketConversions).Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketConvByInstr).Put(byInstrumentKey(rec.InstrumentID, rec.ID), key)
	})
}

// GetConversionEntry looks up the index entry for one conversion record.
func (c *Catalog) GetConversionEntry(id uint64) (*ConversionEntry, error) {
	var entry ConversionEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConversions).Get(conversionKey(id))
		if data == nil {
			return xerrors.ErrNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListConversionsByInstrument returns every indexed conversion entry
// for instrumentID, ordered by ID ascending.
func (c *Catalog) ListConversionsByInstrument(instrumentID string) ([]*ConversionEntry, error) {
	var out []*ConversionEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketConvByInstr)
		conv := tx.Bucket(bucketConversions)
		prefix := []byte(instrumentID + "\x00")
		cur := idx.Cursor()
		for k, convKey := cur.Seek(prefix); k != nil && hasPrefix(k, prefix); k, convKey = cur.Next() {
			data := conv.Get(convKey)
			if data == nil {
				continue
			}
			var entry ConversionEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				return err
			}
			out = append(out, &entry)
		}
		return nil
	})
	return out, err
}

// ListConversions returns every indexed conversion entry, ordered by ID
// ascending.
func (c *Catalog) ListConversions() ([]*ConversionEntry, error) {
	var out []*ConversionEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversions).ForEach(func(_, v []byte) error {
			var entry ConversionEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, &entry)
			return nil
		})
	})
	return out, err
}

func conversionKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func byInstrumentKey(instrumentID string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d", instrumentID, id))
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
