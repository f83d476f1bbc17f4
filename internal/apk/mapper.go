package apk

import (
	"sort"
	"sync"
)

// PackageStats is the per-package access summary for one trace window. The
// JSON tags match the snake_case convention of the report document it is
// embedded in.
type PackageStats struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	TotalFiles    int    `json:"total_files"`
	AccessedFiles int    `json:"accessed_files"`
	AccessCount   uint64 `json:"access_count"`
}

// Mapper counts file accesses per owning package. The database is read-only
// after parse; only the access counters need locking.
type Mapper struct {
	db *Database

	mu       sync.RWMutex
	accesses map[string]*packageAccess
}

type packageAccess struct {
	count uint64
	files map[string]struct{}
}

// NewMapper creates a mapper over a parsed database with empty counters.
func NewMapper(db *Database) *Mapper {
	return &Mapper{
		db:       db,
		accesses: make(map[string]*packageAccess),
	}
}

// RecordAccess notes one access to path. Accesses to files no package owns
// are ignored. Safe for concurrent use.
func (m *Mapper) RecordAccess(path string) {
	pkgName, owned := m.db.FileToPackage[path]
	if !owned {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.accesses[pkgName]
	if acc == nil {
		acc = &packageAccess{files: make(map[string]struct{})}
		m.accesses[pkgName] = acc
	}
	acc.count++
	acc.files[path] = struct{}{}
}

// Stats returns access statistics for every package in the database, sorted
// by name. Unaccessed packages are included with zero counts so the report
// shows what a slimmed image could drop.
func (m *Mapper) Stats() []PackageStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]PackageStats, 0, len(m.db.Packages))
	for name, pkg := range m.db.Packages {
		s := PackageStats{
			Name:       pkg.Name,
			Version:    pkg.Version,
			TotalFiles: len(pkg.Files),
		}
		if acc := m.accesses[name]; acc != nil {
			s.AccessedFiles = len(acc.files)
			s.AccessCount = acc.count
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
