package storage

import (
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// boltBackend stores every blob as a key in a single bbolt bucket. bbolt is
// the teacher's own embedded-KV choice (it backs raft-boltdb); using it here
// gives storage_config a second, real backend instead of a stub.
type boltBackend struct {
	db *bolt.DB
}

var blobBucket = []byte("blobs")

func newBoltBackend(root string) (Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(root, "coordinator.bolt"), 0o644, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) Read(path string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobBucket).Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (b *boltBackend) Write(path string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Put([]byte(path), data)
	})
}

func (b *boltBackend) Delete(path string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Delete([]byte(path))
	})
}

func (b *boltBackend) Exists(path string) (bool, error) {
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(blobBucket).Get([]byte(path)) != nil
		return nil
	})
	return found, err
}

// Flush relies on bbolt's fsync-on-commit (NoSync defaults to false), so
// every Write is already durable; Flush just forces a checkpoint sync.
func (b *boltBackend) Flush() error {
	return b.db.Sync()
}

func (b *boltBackend) Close() error { return b.db.Close() }
