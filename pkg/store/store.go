// Package store persists the agent's slide, job, scanner-file and
// outbox records in a single bbolt database. All invariants of the
// data model are enforced inside the transactions that commit them.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSlides       = []byte("slides")
	bucketSlidesCtime  = []byte("slides_ctime")
	bucketJobs         = []byte("jobs")
	bucketJobsActive   = []byte("jobs_active")
	bucketScannerFiles = []byte("scanner_files")
	bucketOutbox       = []byte("outbox")
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvariant is returned when an update would violate a data-model
// invariant. These indicate bugs, not bad input; callers fail the job
// and do not retry.
var ErrInvariant = errors.New("registry invariant violated")

// Store is the transactional registry backing the agent.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (creating if necessary) the registry database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening registry database at %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSlides, bucketSlidesCtime, bucketJobs, bucketJobsActive, bucketScannerFiles, bucketOutbox} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed creating registry buckets")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key []byte, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed encoding registry record")
	}
	return b.Put(key, buf)
}

func get(b *bolt.Bucket, key []byte, v interface{}) error {
	buf := b.Get(key)
	if buf == nil {
		return ErrNotFound
	}
	return jsonUnmarshal(buf, v)
}

func jsonUnmarshal(buf []byte, v interface{}) error {
	return errors.Wrap(json.Unmarshal(buf, v), "failed decoding registry record")
}

// ctimeKey orders slides by creation time; the slide id breaks ties.
func ctimeKey(t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", t.UnixNano(), id))
}
