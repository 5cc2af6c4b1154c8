// Package boltstore implements storage.Store on a single bbolt file. The
// database holds a value bucket, a nested index tree (index name bucket →
// index value bucket → member keys) and a back-reference bucket recording
// each key's index entries so Put and Delete can clean the tree.
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/arcstep/meshrpc/internal/runtime/jsoncodec"
	"github.com/arcstep/meshrpc/storage"
)

var (
	bucketKV   = []byte("kv")
	bucketIdx  = []byte("idx")
	bucketRefs = []byte("refs")
)

// Store wraps one bbolt database. Construct with Open.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database file and ensures the buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketKV, bucketIdx, bucketRefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get(key)
		if v == nil {
			return storage.ErrKeyNotFound
		}
		out = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte, indexes ...storage.IndexEntry) error {
	for _, e := range indexes {
		if e.Name == "" || len(e.Value) == 0 {
			return storage.ErrInvalidIndex
		}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketKV).Put(key, value); err != nil {
			return err
		}
		if err := dropRefs(tx, key); err != nil {
			return err
		}
		refs := tx.Bucket(bucketRefs)
		if len(indexes) == 0 {
			return refs.Delete(key)
		}
		encoded, err := jsoncodec.Marshal(indexes)
		if err != nil {
			return fmt.Errorf("encode index refs: %w", err)
		}
		if err := refs.Put(key, encoded); err != nil {
			return err
		}
		idx := tx.Bucket(bucketIdx)
		for _, e := range indexes {
			nameB, err := idx.CreateBucketIfNotExists([]byte(e.Name))
			if err != nil {
				return err
			}
			valB, err := nameB.CreateBucketIfNotExists(e.Value)
			if err != nil {
				return err
			}
			if err := valB.Put(key, nil); err != nil {
				return err
			}
		}
		return nil
	})
	return mapErr(err)
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		kv := tx.Bucket(bucketKV)
		if kv.Get(key) == nil {
			return nil
		}
		if err := kv.Delete(key); err != nil {
			return err
		}
		if err := dropRefs(tx, key); err != nil {
			return err
		}
		return tx.Bucket(bucketRefs).Delete(key)
	})
	return mapErr(err)
}

func (s *Store) Scan(ctx context.Context, prefix []byte, fn storage.Visit) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrStop) {
		return nil
	}
	return mapErr(err)
}

func (s *Store) ByIndex(ctx context.Context, index string, value []byte, fn storage.Visit) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		nameB := tx.Bucket(bucketIdx).Bucket([]byte(index))
		if nameB == nil {
			return nil
		}
		valB := nameB.Bucket(value)
		if valB == nil {
			return nil
		}
		kv := tx.Bucket(bucketKV)
		c := valB.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			v := kv.Get(k)
			if v == nil {
				continue
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrStop) {
		return nil
	}
	return mapErr(err)
}

// Close is idempotent; bbolt ignores repeated closes.
func (s *Store) Close() error {
	return s.db.Close()
}

// dropRefs removes key from every index cell its stored back-references
// name.
func dropRefs(tx *bolt.Tx, key []byte) error {
	raw := tx.Bucket(bucketRefs).Get(key)
	if raw == nil {
		return nil
	}
	var entries []storage.IndexEntry
	if err := jsoncodec.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decode index refs: %w", err)
	}
	idx := tx.Bucket(bucketIdx)
	for _, e := range entries {
		nameB := idx.Bucket([]byte(e.Name))
		if nameB == nil {
			continue
		}
		valB := nameB.Bucket(e.Value)
		if valB == nil {
			continue
		}
		if err := valB.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}
