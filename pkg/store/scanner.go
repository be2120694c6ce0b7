package store

import (
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// SeenScannerPath reports whether the scraper already processed the
// given absolute path.
func (s *Store) SeenScannerPath(path string) (bool, error) {
	seen := false
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(bucketScannerFiles).Get([]byte(path)) != nil
		return nil
	})
	return seen, err
}

// PutScannerFile records a processed scanner path. Records are write-once.
func (s *Store) PutScannerFile(rec ScannerFile) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketScannerFiles), []byte(rec.Path), &rec)
	})
	return errors.Wrapf(err, "failed recording scanner file %s", rec.Path)
}

// ListScannerFiles returns every recorded scanner path.
func (s *Store) ListScannerFiles() ([]*ScannerFile, error) {
	recs := []*ScannerFile{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScannerFiles).ForEach(func(_, v []byte) error {
			var rec ScannerFile
			if err := jsonUnmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}
