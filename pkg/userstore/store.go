// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

// Package userstore persists per-user quota, coin and referral state.
package userstore

import (
	"fmt"
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
	prefixUser = "U:"
)

// Store handles LevelDB storage for user profiles
type Store struct {
	db     *leveldb.DB
	mu     sync.RWMutex
	closed bool

	// Serializes Update read-modify-write cycles. Per-user admission
	// evaluation is atomic under it.
	updateMu sync.Mutex
}

// Open opens or creates the user store at the given path
func Open(path string) (*Store, error) {
	opts := &opt.Options{
		Compression: opt.SnappyCompression,
	}

	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open user store: %w", err)
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

// Get retrieves a user profile
func (s *Store) Get(id string) (*model.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	return s.get(id)
}

func (s *Store) get(id string) (*model.UserProfile, error) {
	data, err := s.db.Get(makeUserKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	var profile model.UserProfile
	if err := msgpack.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user %s: %w", id, err)
	}
	return &profile, nil
}

// Put stores a user profile
func (s *Store) Put(profile *model.UserProfile) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return model.ErrStoreClosed
	}

	return s.put(profile)
}

func (s *Store) put(profile *model.UserProfile) error {
	value, err := msgpack.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal user %s: %w", profile.ID, err)
	}
	if err := s.db.Put(makeUserKey(profile.ID), value, nil); err != nil {
		return fmt.Errorf("put user %s: %w", profile.ID, err)
	}
	return nil
}

// Register creates the profile for a user if it does not exist yet and
// returns it. The referrer is recorded on first contact only.
func (s *Store) Register(id, referrer string) (*model.UserProfile, error) {
	return s.Update(id, func(p *model.UserProfile) error {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
			if referrer != id {
				p.Referrer = referrer
			}
		}
		return nil
	})
}

// Update applies fn to the stored profile (creating a fresh one for an
// unknown user) and persists the result. This is the single mutation
// funnel: concurrent Updates are serialized, so a read-modify-write for
// one user never interleaves with another.
func (s *Store) Update(id string, fn func(*model.UserProfile) error) (*model.UserProfile, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	profile, err := s.get(id)
	if err == model.ErrNotFound {
		profile = &model.UserProfile{ID: id}
	} else if err != nil {
		return nil, err
	}

	if err := fn(profile); err != nil {
		return profile, err
	}

	if err := s.put(profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// SetProcessing sets or clears the user's in-flight marker
func (s *Store) SetProcessing(id string, processing bool) error {
	_, err := s.Update(id, func(p *model.UserProfile) error {
		p.Processing = processing
		return nil
	})
	return err
}

// AwardReferral credits the referrer of a newly joined user with one
// coin, at most once per referred user. It returns the referrer ID and
// whether an award was made.
func (s *Store) AwardReferral(userID string, reward int) (referrer string, awarded bool, err error) {
	profile, err := s.Get(userID)
	if err != nil {
		return "", false, err
	}
	if profile.ReferralAwarded || profile.Referrer == "" || profile.Referrer == userID {
		return "", false, nil
	}

	if _, err := s.Get(profile.Referrer); err != nil {
		if err == model.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}

	if _, err := s.Update(profile.Referrer, func(p *model.UserProfile) error {
		p.Coins += reward
		p.Referrals++
		return nil
	}); err != nil {
		return "", false, err
	}

	if _, err := s.Update(userID, func(p *model.UserProfile) error {
		p.ReferralAwarded = true
		return nil
	}); err != nil {
		return "", false, err
	}

	return profile.Referrer, true, nil
}

// Stats summarizes the user store for the dashboard
type Stats struct {
	Users      int
	CoinsSpent int
	Referrals  int
}

// AggregateStats walks all profiles and returns totals
func (s *Store) AggregateStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, model.ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixUser)), nil)
	defer iter.Release()

	stats := &Stats{}
	for iter.Next() {
		var profile model.UserProfile
		if err := msgpack.Unmarshal(iter.Value(), &profile); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user: %w", err)
		}
		stats.Users++
		stats.CoinsSpent += profile.CoinsSpent
		stats.Referrals += profile.Referrals
	}
	return stats, iter.Error()
}

func makeUserKey(id string) []byte {
	return []byte(prefixUser + id)
}
