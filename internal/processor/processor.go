// Package processor turns raw capture records into per-container sets of
// unique, normalized file paths: normalization, exclusion filtering, and
// LRU-bounded deduplication with eviction accounting.
package processor

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/filetrace/agent/internal/capture"
	"github.com/filetrace/agent/internal/cgroup"
)

// DefaultDedupSize bounds each container's dedup cache when the config does
// not set one. Evictions are counted, so a too-small cache shows up in the
// report rather than silently re-admitting duplicates.
const DefaultDedupSize = 65536

// Result classifies what happened to one processed event.
type Result int

const (
	// ResultNew: a new unique file was recorded.
	ResultNew Result = iota
	// ResultDuplicate: the file was already in the container's seen set.
	ResultDuplicate
	// ResultExcluded: the path matched an exclusion prefix.
	ResultExcluded
	// ResultEmpty: the path was empty after normalization.
	ResultEmpty
	// ResultUnknownContainer: the cgroup ID matches no known container.
	ResultUnknownContainer
)

// containerState is the per-container tracking state.
type containerState struct {
	info *cgroup.ContainerInfo
	seen *lru.Cache[string, struct{}]

	evicted   atomic.Uint64
	received  atomic.Uint64
	processed atomic.Uint64
	excluded  atomic.Uint64
	duplicate atomic.Uint64
}

// Processor deduplicates and filters capture events per container. It is
// safe for concurrent use.
type Processor struct {
	mu         sync.RWMutex
	containers map[uint64]*containerState

	excludePrefixes []string
	dedupSize       int
	logger          *slog.Logger

	unknown atomic.Uint64
}

// New creates a processor for the discovered containers. A nil
// excludePrefixes uses DefaultExclusions; dedupSize <= 0 uses
// DefaultDedupSize.
func New(containers map[uint64]*cgroup.ContainerInfo, excludePrefixes []string, dedupSize int, logger *slog.Logger) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if excludePrefixes == nil {
		excludePrefixes = DefaultExclusions()
	}
	if dedupSize <= 0 {
		dedupSize = DefaultDedupSize
	}

	p := &Processor{
		containers:      make(map[uint64]*containerState, len(containers)),
		excludePrefixes: excludePrefixes,
		dedupSize:       dedupSize,
		logger:          logger,
	}
	for id, info := range containers {
		if err := p.addLocked(id, info); err != nil {
			return nil, err
		}
	}

	logger.Info("processor initialized",
		slog.Int("containers", len(containers)),
		slog.Int("exclusion_prefixes", len(excludePrefixes)),
		slog.Int("dedup_cache_size", dedupSize),
	)
	return p, nil
}

func (p *Processor) addLocked(id uint64, info *cgroup.ContainerInfo) error {
	state := &containerState{info: info}
	cache, err := lru.NewWithEvict(p.dedupSize, func(string, struct{}) {
		state.evicted.Add(1)
	})
	if err != nil {
		return err
	}
	state.seen = cache
	p.containers[id] = state
	return nil
}

// AddContainer registers a container discovered after startup.
func (p *Processor) AddContainer(info *cgroup.ContainerInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.containers[info.CgroupID]; ok {
		return nil
	}
	return p.addLocked(info.CgroupID, info)
}

// Container returns the discovery info for a cgroup ID, if known.
func (p *Processor) Container(id uint64) (*cgroup.ContainerInfo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.containers[id]
	if !ok {
		return nil, false
	}
	return state.info, true
}

// Process normalizes, filters, and deduplicates one capture record. It
// returns the normalized path and the classification.
func (p *Processor) Process(ev *capture.Event) (string, Result) {
	p.mu.RLock()
	state, ok := p.containers[ev.CgroupID]
	p.mu.RUnlock()
	if !ok {
		p.unknown.Add(1)
		p.logger.Debug("event from unknown container", slog.Uint64("cgroup_id", ev.CgroupID))
		return "", ResultUnknownContainer
	}

	state.received.Add(1)

	normalized := NormalizePath(ev.PathString(), ev.PID, "")
	if normalized == "" {
		return "", ResultEmpty
	}
	if IsExcluded(normalized, p.excludePrefixes) {
		state.excluded.Add(1)
		return normalized, ResultExcluded
	}

	if dup, _ := state.seen.ContainsOrAdd(normalized, struct{}{}); dup {
		state.seen.Get(normalized) // refresh recency
		state.duplicate.Add(1)
		return normalized, ResultDuplicate
	}
	state.processed.Add(1)
	return normalized, ResultNew
}

// Files returns the sorted unique file lists per container.
func (p *Processor) Files() map[uint64][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[uint64][]string, len(p.containers))
	for id, state := range p.containers {
		files := state.seen.Keys()
		sort.Strings(files)
		result[id] = files
	}
	return result
}

// ContainerStats is a point-in-time snapshot of one container's counters.
type ContainerStats struct {
	Name            string
	CgroupID        uint64
	CgroupPath      string
	EventsReceived  uint64
	EventsProcessed uint64
	EventsExcluded  uint64
	EventsDuplicate uint64
	EventsEvicted   uint64
	UniqueFiles     int
}

// Stats snapshots per-container counters, keyed by cgroup ID.
func (p *Processor) Stats() map[uint64]ContainerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[uint64]ContainerStats, len(p.containers))
	for id, state := range p.containers {
		result[id] = ContainerStats{
			Name:            state.info.Name,
			CgroupID:        id,
			CgroupPath:      state.info.CgroupPath,
			EventsReceived:  state.received.Load(),
			EventsProcessed: state.processed.Load(),
			EventsExcluded:  state.excluded.Load(),
			EventsDuplicate: state.duplicate.Load(),
			EventsEvicted:   state.evicted.Load(),
			UniqueFiles:     state.seen.Len(),
		}
	}
	return result
}

// AggregateStats sums counters across all containers.
type AggregateStats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsExcluded  uint64
	EventsDuplicate uint64
	EventsEvicted   uint64
	UniqueFiles     int
	UnknownEvents   uint64
}

// Aggregate returns totals across all containers.
func (p *Processor) Aggregate() AggregateStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var agg AggregateStats
	for _, state := range p.containers {
		agg.EventsReceived += state.received.Load()
		agg.EventsProcessed += state.processed.Load()
		agg.EventsExcluded += state.excluded.Load()
		agg.EventsDuplicate += state.duplicate.Load()
		agg.EventsEvicted += state.evicted.Load()
		agg.UniqueFiles += state.seen.Len()
	}
	agg.UnknownEvents = p.unknown.Load()
	return agg
}
