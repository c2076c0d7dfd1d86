package store

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrBlobAbsent is returned for a hash without stored content.
var ErrBlobAbsent = errors.New("blob not found")

var blobBucket = []byte("blobs")

// BlobStore holds raw messages, addressed by the sha256 of their content.
type BlobStore struct {
	db *bolt.DB
}

// OpenBlobStore opens or creates the blob database at path.
func OpenBlobStore(path string) (*BlobStore, error) {
	db, err := bolt.Open(path, 0660, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %v", err)
	}
	return &BlobStore{db}, nil
}

// Close closes the database.
func (s *BlobStore) Close() error {
	return s.db.Close()
}

// Put stores data and returns its hash. Storing the same data again is a no-op.
func (s *BlobStore) Put(data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	hash := sum[:]
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blobBucket)
		if b.Get(hash) != nil {
			return nil
		}
		return b.Put(hash, data)
	})
	if err != nil {
		return nil, fmt.Errorf("storing blob: %v", err)
	}
	return hash, nil
}

// Get returns a copy of bytes start to end of the blob with hash. An end below
// zero means the end of the blob. The range is clamped to the blob size.
func (s *BlobStore) Get(hash []byte, start, end int64) ([]byte, error) {
	var buf []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(blobBucket).Get(hash)
		if data == nil {
			return ErrBlobAbsent
		}
		n := int64(len(data))
		if end < 0 || end > n {
			end = n
		}
		if start > end {
			start = end
		}
		// Data is only valid during the transaction.
		buf = append([]byte{}, data[start:end]...)
		return nil
	})
	return buf, err
}

// Delete removes the blob with hash, if present.
func (s *BlobStore) Delete(hash []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Delete(hash)
	})
}
