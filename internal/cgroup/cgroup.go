// Package cgroup discovers which cgroups the agent should trace: the
// sibling containers of the agent's own pod, identified by their cgroup v2
// IDs. Only the default (v2) hierarchy is considered; tasks attached solely
// to legacy hierarchies are not discoverable and therefore never traced.
package cgroup

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ContainerInfo describes one discovered sibling container.
type ContainerInfo struct {
	// CgroupID is the kernel cgroup ID used as the trace-filter key.
	CgroupID uint64
	// CgroupPath is the container's cgroup path relative to the cgroupfs root.
	CgroupPath string
	// Name is a short human-readable container ID, docker-ps style.
	Name string
	// APKDBPath is the path (through /proc/<pid>/root) of the container's
	// APK installed database, when one was found.
	APKDBPath string
}

// parseSelfCgroup extracts the v2 cgroup path from /proc/<pid>/cgroup
// contents. The v2 entry is the line with the empty controller list:
// "0::/kubepods.slice/.../cri-containerd-abc.scope".
func parseSelfCgroup(data string) (string, error) {
	for _, line := range strings.Split(data, "\n") {
		if rest, ok := strings.CutPrefix(line, "0::"); ok {
			if rest == "" {
				rest = "/"
			}
			return rest, nil
		}
	}
	return "", fmt.Errorf("cgroup: no v2 entry in cgroup file")
}

// containerName derives a short display name from a cgroup directory name,
// stripping the container-runtime wrapping and truncating long IDs to 12
// characters the way docker ps does.
func containerName(dir string) string {
	name := strings.TrimSuffix(dir, ".scope")
	name = strings.TrimSuffix(name, ".slice")
	for _, prefix := range []string{"cri-containerd-", "docker-", "crio-"} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			name = rest
			break
		}
	}
	if len(name) > 12 {
		name = name[:12]
	}
	return name
}

// isContainerDir reports whether a pod-cgroup subdirectory can hold a
// container (as opposed to cgroup control files and hidden entries).
func isContainerDir(name string) bool {
	return !strings.HasPrefix(name, "cgroup.") && !strings.HasPrefix(name, ".")
}

// join builds a cgroupfs path from the mount root and a cgroup-relative
// path (which carries a leading slash straight from /proc/self/cgroup).
func join(root, rel string) string {
	if rel == "/" || rel == "" {
		return root
	}
	return filepath.Join(root, rel)
}
