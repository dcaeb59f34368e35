package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/kontabot/internal/fiscal"
)

const recordsBucketName = "records"

// Store defines the interface for durable record persistence
type Store interface {
	// Append persists a record at the tail of its owner's sequence
	Append(record fiscal.Record) error

	// QueryPending returns the owner's pending records in insertion order
	QueryPending(ownerID int64) ([]fiscal.Record, error)

	// MarkExported flags the given records as exported. Unknown records are skipped.
	MarkExported(records []fiscal.Record) error

	// LoadAll returns every stored record, each owner's records in insertion order
	LoadAll() ([]fiscal.Record, error)

	// Close closes the store
	Close() error
}

// BoltStore implements the Store interface using BoltDB.
// Records live in one nested bucket per owner, keyed by the bucket sequence
// so that cursor order is insertion order.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) a BoltDB file at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordsBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func ownerKey(ownerID int64) []byte {
	return []byte(strconv.FormatInt(ownerID, 10))
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Append persists a record at the tail of its owner's sequence
func (s *BoltStore) Append(record fiscal.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		owners := tx.Bucket([]byte(recordsBucketName))
		bucket, err := owners.CreateBucketIfNotExists(ownerKey(record.OwnerID))
		if err != nil {
			return fmt.Errorf("creating owner bucket: %w", err)
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating sequence: %w", err)
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		return bucket.Put(sequenceKey(seq), data)
	})
}

// QueryPending returns the owner's pending records in insertion order
func (s *BoltStore) QueryPending(ownerID int64) ([]fiscal.Record, error) {
	records := make([]fiscal.Record, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(recordsBucketName)).Bucket(ownerKey(ownerID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var record fiscal.Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			if record.Pending() {
				records = append(records, record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// MarkExported flags the given records as exported. Unknown records are skipped.
func (s *BoltStore) MarkExported(records []fiscal.Record) error {
	wanted := make(map[int64]map[string]bool)
	for _, r := range records {
		if wanted[r.OwnerID] == nil {
			wanted[r.OwnerID] = make(map[string]bool)
		}
		wanted[r.OwnerID][r.ID] = true
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		owners := tx.Bucket([]byte(recordsBucketName))
		for ownerID, ids := range wanted {
			bucket := owners.Bucket(ownerKey(ownerID))
			if bucket == nil {
				continue
			}

			updates := make(map[string][]byte)
			err := bucket.ForEach(func(k, v []byte) error {
				var record fiscal.Record
				if err := json.Unmarshal(v, &record); err != nil {
					return fmt.Errorf("unmarshaling record: %w", err)
				}
				if !ids[record.ID] || !record.Pending() {
					return nil
				}
				record.Status = fiscal.StatusExported
				data, err := json.Marshal(record)
				if err != nil {
					return fmt.Errorf("marshaling record: %w", err)
				}
				updates[string(k)] = data
				return nil
			})
			if err != nil {
				return err
			}

			// Buckets must not be modified inside ForEach
			for k, data := range updates {
				if err := bucket.Put([]byte(k), data); err != nil {
					return fmt.Errorf("updating record: %w", err)
				}
			}
		}
		return nil
	})
}

// LoadAll returns every stored record, each owner's records in insertion order
func (s *BoltStore) LoadAll() ([]fiscal.Record, error) {
	records := make([]fiscal.Record, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		owners := tx.Bucket([]byte(recordsBucketName))
		return owners.ForEach(func(owner, v []byte) error {
			if v != nil {
				return nil // not an owner bucket
			}
			return owners.Bucket(owner).ForEach(func(k, v []byte) error {
				var record fiscal.Record
				if err := json.Unmarshal(v, &record); err != nil {
					return fmt.Errorf("unmarshaling record: %w", err)
				}
				records = append(records, record)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}
