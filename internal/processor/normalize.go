package processor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NormalizePath resolves . and .. components and converts relative paths to
// absolute ones using the provided working directory (or the invoking
// process's /proc/<pid>/cwd when cwd is empty). Symlinks are preserved, not
// followed: the capture layer reports the path as the syscall saw it.
func NormalizePath(path string, pid uint32, cwd string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return cleanPath(path)
	}

	workDir := cwd
	if workDir == "" && pid > 0 {
		workDir = processCwd(pid)
	}
	if workDir == "" {
		// Best effort when the process is already gone: anchor at root.
		return cleanPath("/" + path)
	}
	return cleanPath(filepath.Join(workDir, path))
}

// cleanPath collapses ., .. and repeated slashes. Leading "/../" sequences
// escape past root and are stripped so "/../etc" becomes "/etc".
func cleanPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	for strings.HasPrefix(cleaned, "/../") {
		cleaned = "/" + cleaned[4:]
	}
	if cleaned == "/.." {
		cleaned = "/"
	}
	return cleaned
}

// processCwd reads a process's working directory from proc. Returns "" when
// the process no longer exists.
func processCwd(pid uint32) string {
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return ""
	}
	return cwd
}

// IsExcluded reports whether path starts with any of the exclusion prefixes.
func IsExcluded(path string, excludePrefixes []string) bool {
	for _, prefix := range excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// DefaultExclusions returns the standard exclusion prefixes: kernel-backed
// virtual filesystems whose paths say nothing about the container image.
func DefaultExclusions() []string {
	return []string{"/proc/", "/sys/", "/dev/"}
}
