package state

import (
	"context"
	"sort"
	"sync"

	"decomwatch/internal/domain"
)

// maxFailureRecords caps the in-memory delivery-failure ring.
const maxFailureRecords = 256

// MemoryStore keeps alert state in process memory for single-instance mode.
// Params: in-memory maps guarded by one mutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]memoryState
	failures []DeliveryFailure
}

type memoryState struct {
	st       domain.AlertState
	revision uint64
}

// NewMemoryStore creates the in-memory state store.
// Params: none.
// Returns: initialized store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]memoryState)}
}

// GetState returns one state record and its revision.
// Params: entity id key.
// Returns: stored state, revision, or ErrNotFound.
func (s *MemoryStore) GetState(_ context.Context, entityID string) (domain.AlertState, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.states[entityID]
	if !ok {
		return domain.AlertState{}, 0, ErrNotFound
	}
	return entry.st, entry.revision, nil
}

// PutState writes one state record unconditionally.
// Params: entity id key and state payload.
// Returns: new revision.
func (s *MemoryStore) PutState(_ context.Context, entityID string, st domain.AlertState) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.states[entityID].revision + 1
	s.states[entityID] = memoryState{st: st, revision: rev}
	return rev, nil
}

// UpdateState replaces one record using expected revision CAS.
// Params: entity id key, expected revision, and replacement payload.
// Returns: new revision or ErrConflict.
func (s *MemoryStore) UpdateState(_ context.Context, entityID string, expectedRevision uint64, st domain.AlertState) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[entityID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.states[entityID] = memoryState{st: st, revision: rev}
	return rev, nil
}

// DeleteState deletes one record.
// Params: entity id key.
// Returns: nil (in-memory delete).
func (s *MemoryStore) DeleteState(_ context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, entityID)
	return nil
}

// ListStates returns all stored state records.
// Params: none.
// Returns: records sorted by entity id.
func (s *MemoryStore) ListStates(_ context.Context) ([]domain.AlertState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AlertState, 0, len(s.states))
	for _, entry := range s.states {
		out = append(out, entry.st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// RecordDeliveryFailure appends one failure record to the bounded ring.
// Params: failure record.
// Returns: nil; the oldest record is dropped past the cap.
func (s *MemoryStore) RecordDeliveryFailure(_ context.Context, failure DeliveryFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
	if len(s.failures) > maxFailureRecords {
		s.failures = s.failures[len(s.failures)-maxFailureRecords:]
	}
	return nil
}

// ListDeliveryFailures returns recorded delivery failures.
// Params: none.
// Returns: records in arrival order.
func (s *MemoryStore) ListDeliveryFailures(_ context.Context) ([]DeliveryFailure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeliveryFailure, len(s.failures))
	copy(out, s.failures)
	return out, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
