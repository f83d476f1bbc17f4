package capture

import (
	"errors"
	"sync"
)

// ErrFilterFull is returned by Filter.Add when the set already holds
// FilterCap identifiers.
var ErrFilterFull = errors.New("capture: cgroup filter set full")

// Filter is the set of monitored cgroup identifiers. It is populated by the
// policy side (cgroup discovery) and read on every syscall entry by the
// capture path. An empty set traces nothing: default deny.
//
// The capture path only calls Contains; mutation is the policy side's
// concern. Filter is safe for concurrent use.
type Filter struct {
	mu  sync.RWMutex
	ids map[uint64]struct{}
}

// NewFilter returns an empty filter set with capacity FilterCap.
func NewFilter() *Filter {
	return &Filter{ids: make(map[uint64]struct{}, FilterCap)}
}

// Add inserts a cgroup identifier. Adding an identifier already present is a
// no-op. At capacity, Add returns ErrFilterFull.
func (f *Filter) Add(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ids[id]; ok {
		return nil
	}
	if len(f.ids) >= FilterCap {
		return ErrFilterFull
	}
	f.ids[id] = struct{}{}
	return nil
}

// Remove deletes a cgroup identifier. Removing an absent identifier is a
// no-op.
func (f *Filter) Remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}

// Contains reports whether id is traced. It is side-effect-free and cheap
// enough for the per-syscall hot path.
func (f *Filter) Contains(id uint64) bool {
	f.mu.RLock()
	_, ok := f.ids[id]
	f.mu.RUnlock()
	return ok
}

// Len returns the number of identifiers currently in the set.
func (f *Filter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}
