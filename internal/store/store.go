// Package store holds per-condition, per-layer activation snapshots and
// derives steering vectors from them. The in-memory store is append-only
// within one run: a second write to the same (condition, layer) key is a
// configuration error, never a silent overwrite, and clearing happens only
// at run boundaries via an explicit Reset.
package store

import (
	"fmt"
	"sync"

	"gatelab/internal/logging"
	"gatelab/internal/types"
	"gatelab/internal/vector"
)

type snapshotKey struct {
	condition types.ConditionTag
	layer     int
}

// ActivationStore is the shared snapshot store for one experiment run.
// Safe for concurrent use.
type ActivationStore struct {
	mu        sync.RWMutex
	snapshots map[snapshotKey]types.ActivationVector
}

// NewActivationStore creates an empty store.
func NewActivationStore() *ActivationStore {
	return &ActivationStore{snapshots: make(map[snapshotKey]types.ActivationVector)}
}

// Record stores one snapshot under (condition, layer). The vector is cloned
// on the way in so the store never aliases a caller's buffer. A concurrent
// or repeated write for the same key within a run is a configuration error.
func (s *ActivationStore) Record(condition types.ConditionTag, layer int, v types.ActivationVector) error {
	if layer < 0 {
		return fmt.Errorf("negative layer %d: %w", layer, types.ErrConfiguration)
	}
	if len(v.Values) == 0 {
		return fmt.Errorf("empty activation vector for %s/L%d: %w", condition, layer, types.ErrConfiguration)
	}

	key := snapshotKey{condition: condition, layer: layer}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.snapshots[key]; exists {
		return fmt.Errorf("snapshot collision for condition %q layer %d: %w", condition, layer, types.ErrConfiguration)
	}

	stored := v.Clone()
	stored.Layer = layer
	stored.Condition = condition
	s.snapshots[key] = stored

	logging.StoreDebug("recorded snapshot %s/L%d dim=%d policy=%s", condition, layer, stored.Dim(), stored.Policy)
	return nil
}

// Get retrieves a stored snapshot or fails with a not-found error.
func (s *ActivationStore) Get(condition types.ConditionTag, layer int) (types.ActivationVector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.snapshots[snapshotKey{condition: condition, layer: layer}]
	if !ok {
		return types.ActivationVector{}, fmt.Errorf("no snapshot for condition %q layer %d: %w", condition, layer, types.ErrNotFound)
	}
	return v.Clone(), nil
}

// Diff computes the normalized difference a-b at the given layer and tags
// the result with the condition pair it encodes. Both snapshots must exist,
// share the layer, and share the position policy.
func (s *ActivationStore) Diff(a, b types.ConditionTag, layer int) (types.SteeringVector, error) {
	va, err := s.Get(a, layer)
	if err != nil {
		return types.SteeringVector{}, err
	}
	vb, err := s.Get(b, layer)
	if err != nil {
		return types.SteeringVector{}, err
	}
	if va.Policy != vb.Policy {
		return types.SteeringVector{}, fmt.Errorf("cannot diff snapshots with policies %s and %s: %w",
			va.Policy, vb.Policy, types.ErrConfiguration)
	}

	diff, err := vector.Diff(va.Values, vb.Values)
	if err != nil {
		return types.SteeringVector{}, fmt.Errorf("diff %s-%s at layer %d: %w", a, b, layer, err)
	}

	return types.SteeringVector{
		Layer:  layer,
		Source: a,
		Target: b,
		Policy: va.Policy,
		Values: vector.Normalize(diff),
	}, nil
}

// RawDiff is Diff without normalization, preserving the vector-space
// magnitude of the difference.
func (s *ActivationStore) RawDiff(a, b types.ConditionTag, layer int) (types.SteeringVector, error) {
	va, err := s.Get(a, layer)
	if err != nil {
		return types.SteeringVector{}, err
	}
	vb, err := s.Get(b, layer)
	if err != nil {
		return types.SteeringVector{}, err
	}
	if va.Policy != vb.Policy {
		return types.SteeringVector{}, fmt.Errorf("cannot diff snapshots with policies %s and %s: %w",
			va.Policy, vb.Policy, types.ErrConfiguration)
	}

	diff, err := vector.Diff(va.Values, vb.Values)
	if err != nil {
		return types.SteeringVector{}, fmt.Errorf("diff %s-%s at layer %d: %w", a, b, layer, err)
	}
	return types.SteeringVector{Layer: layer, Source: a, Target: b, Policy: va.Policy, Values: diff}, nil
}

// Conditions returns the distinct condition tags currently recorded.
func (s *ActivationStore) Conditions() []types.ConditionTag {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[types.ConditionTag]bool)
	var out []types.ConditionTag
	for key := range s.snapshots {
		if !seen[key.condition] {
			seen[key.condition] = true
			out = append(out, key.condition)
		}
	}
	return out
}

// Len returns the number of stored snapshots.
func (s *ActivationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Reset clears the store. Called only at run boundaries.
func (s *ActivationStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := len(s.snapshots)
	s.snapshots = make(map[snapshotKey]types.ActivationVector)
	logging.Store("activation store reset, %d snapshots dropped", count)
}
