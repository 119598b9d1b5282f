// Package repository holds the persistence adapters for entity state and the
// in-memory rating board.
package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/alpharank/internal/domain/model"
	"github.com/okian/alpharank/pkg/metrics"
)

// ProductionScope is the scope used by the live pipeline.
const ProductionScope = "prod"

// StateKey identifies one entity-season.
type StateKey struct {
	EntityID string
	Season   int
}

func (k StateKey) String() string {
	return fmt.Sprintf("%d:%s", k.Season, k.EntityID)
}

// KeyOf returns the key a state is stored under.
func KeyOf(s *model.EntityPeriodState) StateKey {
	return StateKey{EntityID: s.EntityID, Season: s.Season}
}

// StateStore persists EntityPeriodState keyed by (entity, season).
type StateStore interface {
	// Get returns a copy of the stored state or ErrNotFound.
	Get(ctx context.Context, key StateKey) (*model.EntityPeriodState, error)
	// Put replaces the stored state. Implementations reject a state whose
	// LastPeriod does not advance past the stored one with ErrStalePeriod.
	Put(ctx context.Context, state *model.EntityPeriodState) error
	// Delete removes the state. Deleting a missing key is not an error.
	Delete(ctx context.Context, key StateKey) error
}

// ScopedStore is a StateStore that can hand out isolated views of itself,
// one per scope (production, or a simulation run id).
type ScopedStore interface {
	StateStore
	Scoped(scope string) StateStore
	// CopyScope replaces the contents of scope to with a copy of scope from.
	CopyScope(ctx context.Context, from, to string) error
	// DropScope deletes every state in scope.
	DropScope(ctx context.Context, scope string) error
}

// MemoryStateStore keeps state in process memory. Stored values are copied
// on the way in and out so callers never share them.
type MemoryStateStore struct {
	scope  string
	shared *memoryShared
}

type memoryShared struct {
	mu     sync.RWMutex
	scopes map[string]map[StateKey]*model.EntityPeriodState
}

// NewMemoryStateStore creates an empty store in the production scope.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		scope:  ProductionScope,
		shared: &memoryShared{scopes: make(map[string]map[StateKey]*model.EntityPeriodState)},
	}
}

// Scoped returns a view over the same backing memory restricted to scope.
func (s *MemoryStateStore) Scoped(scope string) StateStore {
	return &MemoryStateStore{scope: scope, shared: s.shared}
}

func (s *MemoryStateStore) Get(_ context.Context, key StateKey) (*model.EntityPeriodState, error) {
	start := time.Now()
	defer observe("memory", "get", start)

	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()
	st, ok := s.shared.scopes[s.scope][key]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStateStore) Put(_ context.Context, state *model.EntityPeriodState) error {
	start := time.Now()
	defer observe("memory", "put", start)

	key := KeyOf(state)
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()

	m, ok := s.shared.scopes[s.scope]
	if !ok {
		m = make(map[StateKey]*model.EntityPeriodState)
		s.shared.scopes[s.scope] = m
	}
	if cur, ok := m[key]; ok && state.LastPeriod <= cur.LastPeriod {
		metrics.RecordStateStoreError("memory", "put")
		return fmt.Errorf("%w: %s period %d <= %d", ErrStalePeriod, key, state.LastPeriod, cur.LastPeriod)
	}
	m[key] = state.Clone()
	return nil
}

func (s *MemoryStateStore) Delete(_ context.Context, key StateKey) error {
	start := time.Now()
	defer observe("memory", "delete", start)

	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	delete(s.shared.scopes[s.scope], key)
	return nil
}

// Len returns the number of states held in this scope.
func (s *MemoryStateStore) Len() int {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()
	return len(s.shared.scopes[s.scope])
}

// DropScope deletes every state in scope.
func (s *MemoryStateStore) DropScope(_ context.Context, scope string) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	delete(s.shared.scopes, scope)
	return nil
}

// CopyScope replaces scope to with a deep copy of scope from.
func (s *MemoryStateStore) CopyScope(_ context.Context, from, to string) error {
	s.shared.mu.Lock()
	defer s.shared.mu.Unlock()
	src := s.shared.scopes[from]
	dst := make(map[StateKey]*model.EntityPeriodState, len(src))
	for k, st := range src {
		dst[k] = st.Clone()
	}
	s.shared.scopes[to] = dst
	return nil
}

func observe(backend, op string, start time.Time) {
	metrics.RecordStateStoreLatency(backend, op, float64(time.Since(start).Microseconds())/1000)
}
