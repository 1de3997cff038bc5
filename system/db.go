package system

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	// for persisted counters
	bolt "go.etcd.io/bbolt"

	"github.com/yaswantsoni1128/webd/contact"
)

var bucketStats = []byte("stats")

const (
	keyHits           = "hits"
	keySubmissionsPfx = "submissions/"
)

var ErrNotFound = errors.New("not found")

func submissionKey(o contact.Outcome) string {
	return keySubmissionsPfx + string(o)
}

// Store keeps counters in a bolt database so they survive restarts.
// Submissions themselves are never stored.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the database and its buckets
func OpenStore(filename string) (*Store, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketStats)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Add increments a counter by n
func (st *Store) Add(key string, n uint64) error {
	return st.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats)
		var v uint64
		if cur := b.Get([]byte(key)); len(cur) == 8 {
			v = binary.BigEndian.Uint64(cur)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v+n)
		return b.Put([]byte(key), buf)
	})
}

// Get returns one counter, ErrNotFound if it was never incremented
func (st *Store) Get(key string) (uint64, error) {
	var v uint64
	err := st.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketStats).Get([]byte(key))
		if len(cur) != 8 {
			return ErrNotFound
		}
		v = binary.BigEndian.Uint64(cur)
		return nil
	})
	return v, err
}

// Counters returns every counter
func (st *Store) Counters() (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := st.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStats).ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				out[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	return out, err
}

func (st *Store) Close() error {
	return st.db.Close()
}
