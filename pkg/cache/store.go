// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package cache persists assembled reports keyed by (country, date).
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"

	"ipverse/pkg/model"
)

// Key prefixes
const (
	prefixReport = "R:" // R:<CC>:<YYYY-MM-DD> -> CacheEntry
)

// Store handles LevelDB storage for cached reports
type Store struct {
	db     *leveldb.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the report cache at the given path
func Open(path string) (*Store, error) {
	opts := &opt.Options{
		Compression: opt.SnappyCompression,
	}

	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the store
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// IsClosed returns whether the store is closed
func (s *Store) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Has reports whether a cached entry exists for (country, date)
func (s *Store) Has(country, date string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, model.ErrStoreClosed
	}

	ok, err := s.db.Has(makeReportKey(country, date), nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}
	return ok, nil
}

// Get retrieves the cached report for (country, date)
func (s *Store) Get(country, date string) (*model.IPRangeReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	data, err := s.db.Get(makeReportKey(country, date), nil)
	if err == leveldb.ErrNotFound {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}

	var entry model.CacheEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal entry: %v", model.ErrCacheUnavailable, err)
	}
	return entry.Report, nil
}

// Put stores the report under (country, date). Put is idempotent for a
// key; the last writer wins. Reports are immutable once stored.
func (s *Store) Put(country, date string, rep *model.IPRangeReport) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return model.ErrStoreClosed
	}

	entry := model.CacheEntry{
		Report:    rep,
		CreatedAt: time.Now(),
	}
	value, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := s.db.Put(makeReportKey(country, date), value, nil); err != nil {
		return fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}
	return nil
}

// PurgeOlderThan removes every entry whose date partition is strictly
// before the cutoff date and returns the number purged. Readers hold
// their own report reference, so purging never invalidates a report
// already handed out.
func (s *Store) PurgeOlderThan(cutoffDate string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, model.ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixReport)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	purged := 0
	for iter.Next() {
		_, date, ok := splitReportKey(iter.Key())
		if !ok {
			continue
		}
		// ISO dates compare lexically
		if date < cutoffDate {
			batch.Delete(append([]byte(nil), iter.Key()...))
			purged++
		}
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
	}

	if purged > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("%w: %v", model.ErrCacheUnavailable, err)
		}
	}
	return purged, nil
}

// Count returns the number of cached entries
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, model.ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixReport)), nil)
	defer iter.Release()

	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Key construction helpers

func makeReportKey(country, date string) []byte {
	return []byte(prefixReport + country + ":" + date)
}

func splitReportKey(key []byte) (country, date string, ok bool) {
	rest := strings.TrimPrefix(string(key), prefixReport)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
