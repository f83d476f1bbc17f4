//go:build linux

package cgroup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Discovery scans the cgroup v2 filesystem for the agent's pod siblings.
// The filesystem roots are fields so tests can point them at a fixture tree.
type Discovery struct {
	// CgroupRoot is the cgroup v2 mount point, normally /sys/fs/cgroup.
	CgroupRoot string
	// ProcRoot is the proc mount point, normally /proc.
	ProcRoot string

	logger *slog.Logger
}

// NewDiscovery returns a Discovery over the standard mount points.
func NewDiscovery(logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		CgroupRoot: "/sys/fs/cgroup",
		ProcRoot:   "/proc",
		logger:     logger,
	}
}

// SelfPath returns the agent's own cgroup path relative to the cgroupfs
// root, read from /proc/self/cgroup.
func (d *Discovery) SelfPath() (string, error) {
	data, err := os.ReadFile(filepath.Join(d.ProcRoot, "self", "cgroup"))
	if err != nil {
		return "", fmt.Errorf("cgroup: read self cgroup: %w", err)
	}
	return parseSelfCgroup(string(data))
}

// SelfID returns the agent's own cgroup ID.
func (d *Discovery) SelfID() (uint64, error) {
	path, err := d.SelfPath()
	if err != nil {
		return 0, err
	}
	return d.IDByPath(path)
}

// IDByPath resolves a cgroup-relative path to its kernel cgroup ID. It
// prefers the cgroup.id file (5.7+) and falls back to the directory inode,
// which equals the cgroup ID on cgroup v2.
func (d *Discovery) IDByPath(rel string) (uint64, error) {
	dir := join(d.CgroupRoot, rel)

	if data, err := os.ReadFile(filepath.Join(dir, "cgroup.id")); err == nil {
		id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cgroup: parse cgroup.id in %s: %w", dir, err)
		}
		return id, nil
	}

	var st syscall.Stat_t
	if err := syscall.Stat(dir, &st); err != nil {
		return 0, fmt.Errorf("cgroup: stat %s: %w", dir, err)
	}
	return st.Ino, nil
}

// DiscoverSiblings lists the other containers in the agent's pod: the
// subdirectories of the parent cgroup, excluding the agent's own. Each entry
// is keyed by cgroup ID, ready for insertion into the trace filter.
func (d *Discovery) DiscoverSiblings() (map[uint64]*ContainerInfo, error) {
	selfPath, err := d.SelfPath()
	if err != nil {
		return nil, err
	}
	selfID, err := d.IDByPath(selfPath)
	if err != nil {
		return nil, err
	}

	podPath := filepath.Dir(selfPath)
	entries, err := os.ReadDir(join(d.CgroupRoot, podPath))
	if err != nil {
		return nil, fmt.Errorf("cgroup: read pod cgroup %s: %w", podPath, err)
	}

	containers := make(map[uint64]*ContainerInfo)
	for _, entry := range entries {
		if !entry.IsDir() || !isContainerDir(entry.Name()) {
			continue
		}
		rel := filepath.Join(podPath, entry.Name())
		id, err := d.IDByPath(rel)
		if err != nil {
			// Not every subdirectory is a live cgroup.
			d.logger.Debug("cgroup: skipping entry", slog.String("path", rel), slog.Any("error", err))
			continue
		}
		if id == selfID {
			continue
		}

		info := &ContainerInfo{
			CgroupID:   id,
			CgroupPath: rel,
			Name:       containerName(entry.Name()),
		}
		info.APKDBPath = d.findAPKDatabase(rel)
		containers[id] = info
	}
	return containers, nil
}

// findAPKDatabase looks for an Alpine APK installed database inside the
// container by reading through the mount namespace of one of its member
// processes (/proc/<pid>/root). Returns "" when no member process exposes
// one.
func (d *Discovery) findAPKDatabase(rel string) string {
	data, err := os.ReadFile(filepath.Join(join(d.CgroupRoot, rel), "cgroup.procs"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		pid := strings.TrimSpace(line)
		if pid == "" || pid == "0" {
			continue
		}
		dbPath := filepath.Join(d.ProcRoot, pid, "root", "lib", "apk", "db", "installed")
		if st, err := os.Stat(dbPath); err == nil && st.Size() > 0 {
			return dbPath
		}
	}
	return ""
}
