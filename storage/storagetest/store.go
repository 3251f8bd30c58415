// Package storagetest provides an in-memory Store for tests: real
// conditional-operation semantics, a manually-advanced store clock, and
// per-operation transport failure injection.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zebpalmer/mongoelector/storage"
)

// Store is an in-memory storage.Store. The zero value is not usable; use
// New.
type Store struct {
	mu       sync.Mutex
	now      time.Time
	locks    map[string]storage.Lock
	statuses map[statusKey]storage.NodeStatus
	failures map[string]int
}

type statusKey struct {
	electionKey string
	ownerID     string
}

var errInjected = errors.New("injected transport failure")

// New creates an empty store. The clock starts at an arbitrary fixed
// instant; use Advance or SetNow to move it, or Now as the wall-clock
// source of the code under test so client and store clocks agree.
func New() *Store {
	return &Store{
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		locks:    make(map[string]storage.Lock),
		statuses: make(map[statusKey]storage.NodeStatus),
		failures: make(map[string]int),
	}
}

// Now returns the store clock. Hand this to the code under test as its
// wall-clock source to keep the paranoid offset check quiet.
func (s *Store) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the store clock forward.
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

// SetNow pins the store clock.
func (s *Store) SetNow(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// FailNext makes the next n calls of the named operation return a
// transport error. Operation names: create, update, delete, find,
// server_now, upsert_status, delete_status, list_status.
func (s *Store) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = n
}

// LockDoc returns a copy of the stored lock document for key, if any.
func (s *Store) LockDoc(key string) (storage.Lock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	return lock, ok
}

// StatusCount returns the number of status documents for an election key.
func (s *Store) StatusCount(electionKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.statuses {
		if k.electionKey == electionKey {
			n++
		}
	}
	return n
}

func (s *Store) fail(op string) error {
	if s.failures[op] > 0 {
		s.failures[op]--
		return &storage.TransportError{Op: op, Err: errInjected}
	}
	return nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, lock *storage.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("create"); err != nil {
		return err
	}
	if _, ok := s.locks[lock.Key]; ok {
		return storage.ErrExists
	}
	s.locks[lock.Key] = *lock
	return nil
}

func (s *Store) UpdateIfMatch(ctx context.Context, key, ownerID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("update"); err != nil {
		return err
	}
	lock, ok := s.locks[key]
	if !ok || lock.OwnerID != ownerID {
		return storage.ErrMismatch
	}
	lock.ExpiresAt = expiresAt
	s.locks[key] = lock
	return nil
}

func (s *Store) DeleteIfMatch(ctx context.Context, key, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("delete"); err != nil {
		return err
	}
	lock, ok := s.locks[key]
	if !ok || lock.OwnerID != ownerID {
		return storage.ErrMismatch
	}
	delete(s.locks, key)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("delete"); err != nil {
		return err
	}
	delete(s.locks, key)
	return nil
}

func (s *Store) Find(ctx context.Context, key string) (*storage.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("find"); err != nil {
		return nil, err
	}
	lock, ok := s.locks[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &lock, nil
}

func (s *Store) ServerNow(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("server_now"); err != nil {
		return time.Time{}, err
	}
	return s.now, nil
}

func (s *Store) UpsertStatus(ctx context.Context, status *storage.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("upsert_status"); err != nil {
		return err
	}
	s.statuses[statusKey{status.ElectionKey, status.OwnerID}] = *status
	return nil
}

func (s *Store) DeleteStatus(ctx context.Context, electionKey, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("delete_status"); err != nil {
		return err
	}
	delete(s.statuses, statusKey{electionKey, ownerID})
	return nil
}

func (s *Store) ListStatus(ctx context.Context, electionKey string) ([]storage.NodeStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("list_status"); err != nil {
		return nil, err
	}
	var statuses []storage.NodeStatus
	for k, v := range s.statuses {
		if k.electionKey == electionKey {
			statuses = append(statuses, v)
		}
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].OwnerID < statuses[j].OwnerID
	})
	return statuses, nil
}
