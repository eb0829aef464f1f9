package indexer

import (
	"time"

	"go.etcd.io/bbolt"
)

// seenCache is a small bbolt-backed membership set used by the RSS
// indexer to remember article GUIDs already indexed across incremental
// runs (spec.md §4.4.3's "system sources" watermark requirement), per
// SPEC_FULL.md's DOMAIN STACK entry promoting go.etcd.io/bbolt from an
// indirect bleve dependency to a directly used one.
type seenCache struct {
	db     *bbolt.DB
	bucket []byte
}

func openSeenCache(path, bucket string) (*seenCache, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &seenCache{db: db, bucket: []byte(bucket)}, nil
}

func (c *seenCache) Has(key string) bool {
	var found bool
	_ = c.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(c.bucket).Get([]byte(key)) != nil
		return nil
	})
	return found
}

func (c *seenCache) Mark(key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(c.bucket).Put([]byte(key), []byte{1})
	})
}

func (c *seenCache) Close() error { return c.db.Close() }
