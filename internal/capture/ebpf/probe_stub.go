// SPDX-License-Identifier: Apache-2.0
//
// probe_stub.go — non-Linux stub for the ebpf package.
//
// On non-Linux platforms every exported symbol is available but NewProbe
// always returns ErrNotSupported, so callers can import the package
// unconditionally and branch on the error instead of using build tags.

//go:build !linux

package ebpf

import (
	"context"
	"errors"
	"log/slog"

	"github.com/filetrace/agent/internal/capture"
)

// ErrNotSupported is returned on non-Linux platforms. On Linux it is
// returned when the kernel is older than 5.8.
var ErrNotSupported = errors.New("ebpf: syscall capture is only supported on Linux ≥ 5.8")

// Probe is a no-op stub on non-Linux platforms.
type Probe struct{}

// NewProbe always returns ErrNotSupported on non-Linux platforms.
func NewProbe(_ *slog.Logger) (*Probe, error) {
	return nil, ErrNotSupported
}

// Load always returns ErrNotSupported on non-Linux platforms.
func (p *Probe) Load(_ context.Context) error { return ErrNotSupported }

// AddCgroup always returns ErrNotSupported on non-Linux platforms.
func (p *Probe) AddCgroup(_ uint64) error { return ErrNotSupported }

// RemoveCgroup always returns ErrNotSupported on non-Linux platforms.
func (p *Probe) RemoveCgroup(_ uint64) error { return ErrNotSupported }

// Drops always returns ErrNotSupported on non-Linux platforms.
func (p *Probe) Drops() (uint64, error) { return 0, ErrNotSupported }

// ShortRecords returns zero on non-Linux platforms.
func (p *Probe) ShortRecords() uint64 { return 0 }

// Events returns a nil channel on non-Linux platforms.
func (p *Probe) Events() <-chan capture.Event { return nil }

// Close is a no-op on non-Linux platforms.
func (p *Probe) Close() {}
