// Package kvstore is a small key/value store with per-key expiry, kept in a
// single bbolt file.
package kvstore

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600

	defaultTimeout = 1 * time.Second
)

var bucketValues = []byte("values")

// Store keeps values under string keys. Expired values read as missing and
// are removed by Cleanup.
type Store struct {
	log  *zap.Logger
	db   *bolt.DB
	path string

	// Returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Open opens or creates the store at path.
func Open(log *zap.Logger, path string) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketValues)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating bucket")
	}
	return &Store{log: log.Named("kvstore"), db: db, path: path, Now: time.Now}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// entry layout: 8 byte big-endian expiry in unix nanoseconds (0 = never),
// then the value.
func encodeEntry(value []byte, expires time.Time) []byte {
	buf := make([]byte, 8+len(value))
	if !expires.IsZero() {
		binary.BigEndian.PutUint64(buf, uint64(expires.UnixNano()))
	}
	copy(buf[8:], value)
	return buf
}

func decodeEntry(buf []byte) (value []byte, expires int64, ok bool) {
	if len(buf) < 8 {
		return nil, 0, false
	}
	return buf[8:], int64(binary.BigEndian.Uint64(buf)), true
}

func (s *Store) expired(expires int64) bool {
	return expires != 0 && s.Now().UnixNano() >= expires
}

// Set stores value under key. A ttl of zero keeps it until cleared.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var expires time.Time
	if ttl > 0 {
		expires = s.Now().Add(ttl)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValues).Put([]byte(key), encodeEntry(value, expires))
	})
	return errors.Wrapf(err, "set %q", key)
}

// Get returns the value for key. With take set, the key is removed in the
// same transaction. Missing and expired keys report ok false.
func (s *Store) Get(ctx context.Context, key string, take bool) (value []byte, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	read := func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketValues).Get([]byte(key))
		v, expires, valid := decodeEntry(raw)
		if !valid || s.expired(expires) {
			return nil
		}
		value = append([]byte(nil), v...)
		ok = true
		return nil
	}
	if !take {
		err = s.db.View(read)
		return value, ok, errors.Wrapf(err, "get %q", key)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := read(tx); err != nil {
			return err
		}
		return tx.Bucket(bucketValues).Delete([]byte(key))
	})
	return value, ok, errors.Wrapf(err, "take %q", key)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValues).Delete([]byte(key))
	})
	return errors.Wrapf(err, "delete %q", key)
}

// Cleanup removes expired entries and reports how many were dropped.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketValues)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if _, expires, ok := decodeEntry(v); !ok || s.expired(expires) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "cleanup")
	}
	if removed > 0 {
		s.log.Debug("removed expired entries", zap.Int("count", removed))
	}
	return removed, nil
}

// Len reports the number of stored entries, expired ones included.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketValues).Stats().KeyN
		return nil
	})
	return n, err
}
