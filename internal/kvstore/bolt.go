package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltOpenTimeout bounds how long Open waits for the file lock.
const boltOpenTimeout = 5 * time.Second

// DB wraps a bbolt database file holding one or more named stores.
type DB struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (or creates) the bbolt file at path.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening %s: %w", path, err)
	}

	logger.Debug("kv store opened", "path", path)

	return &DB{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("kvstore: closing: %w", err)
	}

	return nil
}

// Bucket returns a Store over the named bucket, enforcing the given
// per-item quota (0 for unbounded). The bucket is created on first use.
func (d *DB) Bucket(name string, quota int) Store {
	return &boltStore{db: d.db, bucket: []byte(name), quota: quota}
}

// boltStore implements Store over a single bbolt bucket.
type boltStore struct {
	db     *bolt.DB
	bucket []byte
	quota  int
}

func (s *boltStore) QuotaBytesPerItem() int {
	return s.quota
}

func (s *boltStore) Set(ctx context.Context, key string, value any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}

	data, err := encodeItem(key, value, s.quota)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, bErr := tx.CreateBucketIfNotExists(s.bucket)
		if bErr != nil {
			return bErr
		}

		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}

	return nil
}

func (s *boltStore) Get(ctx context.Context, key string, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("kvstore: get %q: %w", key, err)
	}

	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}

		if v := b.Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("kvstore: get %q: %w", key, err)
	}

	if data == nil {
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("kvstore: decoding %q: %w", key, err)
	}

	return true, nil
}

func (s *boltStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}

		for _, key := range keys {
			if dErr := b.Delete([]byte(key)); dErr != nil {
				return dErr
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore: delete: %w", err)
	}

	return nil
}

func (s *boltStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: keys: %w", err)
	}

	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}

		c := b.Cursor()
		p := []byte(prefix)

		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys with prefix %q: %w", prefix, err)
	}

	return keys, nil
}

// Compile-time interface check.
var _ Store = (*boltStore)(nil)
