package registry

import (
	"sync"

	"ci-scaler/internal/types"
)

// RunnersRegistry maps runner id to types.Runner, preserving each runner's
// first-seen loaded_at across successive AssignIfNotExists calls. This is
// the anchor "how long has this runner been idle/offline" is measured from.
type RunnersRegistry struct {
	mu   sync.Mutex
	byID map[int64]types.Runner
}

// NewRunnersRegistry returns an empty registry.
func NewRunnersRegistry() *RunnersRegistry {
	return &RunnersRegistry{byID: make(map[int64]types.Runner)}
}

// AssignIfNotExists inserts every runner in newSet whose id is not already
// present (keeping its loaded_at as given), preserves the loaded_at of any
// runner already present, and deletes every existing id absent from newSet.
func (r *RunnersRegistry) AssignIfNotExists(newSet []types.Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int64]struct{}, len(newSet))
	for _, runner := range newSet {
		seen[runner.ID] = struct{}{}
		if existing, ok := r.byID[runner.ID]; ok {
			runner.LoadedAt = existing.LoadedAt
		}
		r.byID[runner.ID] = runner
	}

	for id := range r.byID {
		if _, ok := seen[id]; !ok {
			delete(r.byID, id)
		}
	}
}

// All returns a snapshot of every runner currently tracked.
func (r *RunnersRegistry) All() []types.Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Runner, 0, len(r.byID))
	for _, runner := range r.byID {
		out = append(out, runner)
	}
	return out
}

// Len returns the number of tracked runners.
func (r *RunnersRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
