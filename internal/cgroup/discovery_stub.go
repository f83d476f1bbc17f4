// discovery_stub.go — non-Linux stub. Discovery requires the cgroup v2
// filesystem; on other platforms every method fails cleanly so the package
// can be imported without build tags at the call site.

//go:build !linux

package cgroup

import (
	"errors"
	"log/slog"
)

var errUnsupported = errors.New("cgroup: discovery requires Linux with cgroup v2")

// Discovery is a no-op stub on non-Linux platforms.
type Discovery struct {
	CgroupRoot string
	ProcRoot   string
}

// NewDiscovery returns a stub Discovery on non-Linux platforms.
func NewDiscovery(_ *slog.Logger) *Discovery { return &Discovery{} }

// SelfPath always fails on non-Linux platforms.
func (d *Discovery) SelfPath() (string, error) { return "", errUnsupported }

// SelfID always fails on non-Linux platforms.
func (d *Discovery) SelfID() (uint64, error) { return 0, errUnsupported }

// IDByPath always fails on non-Linux platforms.
func (d *Discovery) IDByPath(string) (uint64, error) { return 0, errUnsupported }

// DiscoverSiblings always fails on non-Linux platforms.
func (d *Discovery) DiscoverSiblings() (map[uint64]*ContainerInfo, error) {
	return nil, errUnsupported
}
