package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "github.com/boltdb/bolt"
)

// BoltStore durably persists entries in a boltdb file, one bucket per
// path, keyed by a monotonically increasing sequence number so that
// iteration order matches append order. This reuses boltdb/bolt, already
// pulled in transitively via hashicorp/raft-boltdb, instead of adding a
// new storage dependency for the event log.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if necessary) a boltdb file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open bolt store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Put appends entries to path's bucket in order, each under an
// 8-byte big-endian sequence key so a cursor scan preserves append order.
func (s *BoltStore) Put(path string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(path))
		if err != nil {
			return err
		}
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := bucket.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Read returns every entry committed under path, in append order.
func (s *BoltStore) Read(path string) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(path))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Close releases the underlying boltdb file handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BoltStore)(nil)
