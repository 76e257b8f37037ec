package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// Store provides type-safe key-value storage
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	Set(ctx context.Context, key string, value *T) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error
	Close() error
}

var ErrNotFound = errdefs.ErrNotFound

// openTimeout bounds the wait for the bolt file lock held by another
// harness process.
const openTimeout = 5 * time.Second

// BoltStore provides a bolt-backed implementation of Store[T].
//
// The database is opened for the duration of each operation only. Test
// binaries run in parallel and each records its instances; holding the file
// lock for a whole session would serialize them.
type BoltStore[T any] struct {
	dbPath     string
	bucketName []byte
}

// NewBoltStore creates the database file and bucket if needed.
func NewBoltStore[T any](dbPath string, bucketName string) (Store[T], error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}
	s := &BoltStore[T]{
		dbPath:     dbPath,
		bucketName: []byte(bucketName),
	}
	err := s.update(func(*bolt.Bucket) error { return nil })
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BoltStore[T]) open() (*bolt.DB, error) {
	db, err := bolt.Open(s.dbPath, 0600, &bolt.Options{
		Timeout:        openTimeout,
		NoFreelistSync: true,
		FreelistType:   bolt.FreelistMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", s.dbPath, err)
	}
	return db, nil
}

func (s *BoltStore[T]) update(fn func(b *bolt.Bucket) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucketName)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return fn(b)
	})
}

func (s *BoltStore[T]) view(fn func(b *bolt.Bucket) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucketName)
		if b == nil {
			return fmt.Errorf("bucket %s not found", string(s.bucketName))
		}
		return fn(b)
	})
}

// Get retrieves a value by key
func (s *BoltStore[T]) Get(ctx context.Context, key string) (*T, error) {
	var value T
	err := s.view(func(b *bolt.Bucket) error {
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Set stores a value by key
func (s *BoltStore[T]) Set(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.update(func(b *bolt.Bucket) error {
		return b.Put([]byte(key), data)
	})
}

// Delete removes a value by key. Deleting a missing key is not an error.
func (s *BoltStore[T]) Delete(ctx context.Context, key string) error {
	return s.update(func(b *bolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

// Scan iterates over all keys with the given prefix in key order.
func (s *BoltStore[T]) Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.view(func(b *bolt.Bucket) error {
		c := b.Cursor()
		prefixBytes := []byte(prefix)
		for k, v := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", string(k), err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close is a no-op; the database is closed after every operation.
func (s *BoltStore[T]) Close() error {
	return nil
}
