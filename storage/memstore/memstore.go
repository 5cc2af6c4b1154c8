// Package memstore provides the in-memory reference implementation of
// storage.Store. Keys live in one sorted slice, so prefix scans walk a
// contiguous range instead of sorting per call. Useful for tests and
// single-process meshes that do not need durability.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/arcstep/meshrpc/storage"
)

// Store keeps everything in process memory. The zero value is not usable;
// construct with New.
type Store struct {
	mu     sync.RWMutex
	closed bool
	values map[string][]byte
	keys   []string
	refs   map[string][]storage.IndexEntry
	index  map[string]map[string]map[string]struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{
		values: make(map[string][]byte),
		refs:   make(map[string][]storage.IndexEntry),
		index:  make(map[string]map[string]map[string]struct{}),
	}
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	v, ok := s.values[string(key)]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (s *Store) Put(ctx context.Context, key, value []byte, indexes ...storage.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for _, e := range indexes {
		if e.Name == "" || len(e.Value) == 0 {
			return storage.ErrInvalidIndex
		}
	}
	k := string(key)
	if _, exists := s.values[k]; !exists {
		i := sort.SearchStrings(s.keys, k)
		s.keys = append(s.keys, "")
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = k
	}
	s.values[k] = bytes.Clone(value)
	s.dropRefs(k)
	if len(indexes) > 0 {
		entries := make([]storage.IndexEntry, len(indexes))
		for i, e := range indexes {
			entries[i] = storage.IndexEntry{Name: e.Name, Value: bytes.Clone(e.Value)}
			s.addIndex(e.Name, string(e.Value), k)
		}
		s.refs[k] = entries
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	k := string(key)
	if _, exists := s.values[k]; !exists {
		return nil
	}
	delete(s.values, k)
	i := sort.SearchStrings(s.keys, k)
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
	s.dropRefs(k)
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix []byte, fn storage.Visit) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	p := string(prefix)
	for i := sort.SearchStrings(s.keys, p); i < len(s.keys); i++ {
		k := s.keys[i]
		if !strings.HasPrefix(k, p) {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn([]byte(k), s.values[k]); err != nil {
			if errors.Is(err, storage.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Store) ByIndex(ctx context.Context, index string, value []byte, fn storage.Visit) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	cells, ok := s.index[index]
	if !ok {
		return nil
	}
	members, ok := cells[string(value)]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn([]byte(k), s.values[k]); err != nil {
			if errors.Is(err, storage.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.values = nil
	s.keys = nil
	s.refs = nil
	s.index = nil
	return nil
}

func (s *Store) addIndex(name, value, key string) {
	cells, ok := s.index[name]
	if !ok {
		cells = make(map[string]map[string]struct{})
		s.index[name] = cells
	}
	members, ok := cells[value]
	if !ok {
		members = make(map[string]struct{})
		cells[value] = members
	}
	members[key] = struct{}{}
}

func (s *Store) dropRefs(key string) {
	for _, e := range s.refs[key] {
		if members, ok := s.index[e.Name][string(e.Value)]; ok {
			delete(members, key)
			if len(members) == 0 {
				delete(s.index[e.Name], string(e.Value))
			}
		}
	}
	delete(s.refs, key)
}
