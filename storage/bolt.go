package storage

import (
	"bytes"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

var boltBucket = []byte("rabbitwire")

// BoltProvider is a file-backed StorageProvider using go.etcd.io/bbolt,
// the second confirm-outbox backend alongside BuntDBProvider.
type BoltProvider struct {
	db   *bbolt.DB
	path string
	mu   sync.RWMutex
	inTx bool
}

// NewBoltProvider creates a provider backed by the bbolt file at path.
func NewBoltProvider(path string) *BoltProvider {
	return &BoltProvider{path: path}
}

// Initialize opens the database file and creates the single bucket every
// other method assumes exists.
func (b *BoltProvider) Initialize() error {
	db, err := bbolt.Open(b.path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return fmt.Errorf("opening bbolt: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return fmt.Errorf("creating bucket: %w", err)
	}
	b.db = db
	return nil
}

func (b *BoltProvider) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *BoltProvider) Set(key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), value)
	})
}

func (b *BoltProvider) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (b *BoltProvider) Delete(key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
}

func (b *BoltProvider) Exists(key string) (bool, error) {
	exists := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(boltBucket).Get([]byte(key)) != nil
		return nil
	})
	return exists, err
}

func (b *BoltProvider) SetBatch(items map[string][]byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for key, value := range items {
			if err := bucket.Put([]byte(key), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltProvider) GetBatch(keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, key := range keys {
			if v := bucket.Get([]byte(key)); v != nil {
				result[key] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return result, err
}

func (b *BoltProvider) DeleteBatch(keys []string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, key := range keys {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltProvider) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (b *BoltProvider) Scan(prefix string, fn func(key string, value []byte) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// BeginTx starts a new logical transaction. bbolt only allows one writable
// transaction at a time, so like BuntDBProvider this batches writes in
// memory and applies them atomically on Commit.
func (b *BoltProvider) BeginTx() (StorageTransaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inTx {
		return nil, ErrTxAlreadyOpen
	}
	b.inTx = true
	return &boltTransaction{provider: b, writes: make(map[string][]byte), deletes: make(map[string]bool)}, nil
}

type boltTransaction struct {
	provider *BoltProvider
	mu       sync.Mutex
	writes   map[string][]byte
	deletes  map[string]bool
}

func (tx *boltTransaction) Set(key string, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	delete(tx.deletes, key)
	tx.writes[key] = value
	return nil
}

func (tx *boltTransaction) Get(key string) ([]byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.deletes[key] {
		return nil, ErrKeyNotFound
	}
	if v, ok := tx.writes[key]; ok {
		return v, nil
	}
	return tx.provider.Get(key)
}

func (tx *boltTransaction) Delete(key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	delete(tx.writes, key)
	tx.deletes[key] = true
	return nil
}

func (tx *boltTransaction) Exists(key string) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.deletes[key] {
		return false, nil
	}
	if _, ok := tx.writes[key]; ok {
		return true, nil
	}
	return tx.provider.Exists(key)
}

func (tx *boltTransaction) SetBatch(items map[string][]byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for key, value := range items {
		delete(tx.deletes, key)
		tx.writes[key] = value
	}
	return nil
}

func (tx *boltTransaction) DeleteBatch(keys []string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, key := range keys {
		delete(tx.writes, key)
		tx.deletes[key] = true
	}
	return nil
}

func (tx *boltTransaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	err := tx.provider.db.Update(func(btx *bbolt.Tx) error {
		bucket := btx.Bucket(boltBucket)
		for key, value := range tx.writes {
			if err := bucket.Put([]byte(key), value); err != nil {
				return err
			}
		}
		for key := range tx.deletes {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	tx.provider.mu.Lock()
	tx.provider.inTx = false
	tx.provider.mu.Unlock()
	tx.writes, tx.deletes = nil, nil
	return err
}

func (tx *boltTransaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.provider.mu.Lock()
	tx.provider.inTx = false
	tx.provider.mu.Unlock()
	tx.writes, tx.deletes = nil, nil
	return nil
}
