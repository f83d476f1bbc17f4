// SPDX-License-Identifier: Apache-2.0

//go:build linux

package ebpf

import (
	"errors"
	"testing"
)

func TestCheckKernelRelease(t *testing.T) {
	cases := []struct {
		name    string
		release string
		ok      bool
	}{
		{name: "newer major", release: "6.1.0-13-amd64", ok: true},
		{name: "exact minimum", release: "5.8.0", ok: true},
		{name: "same major older minor", release: "5.7.19", ok: false},
		{name: "older major", release: "4.19.0-generic", ok: false},
		{name: "distro suffix", release: "5.15.0-91-generic", ok: true},
		{name: "garbage", release: "not-a-kernel", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkKernelRelease(tc.release, 5, 8)
			if tc.ok && err != nil {
				t.Errorf("checkKernelRelease(%q) = %v, want nil", tc.release, err)
			}
			if !tc.ok && err == nil {
				t.Errorf("checkKernelRelease(%q) = nil, want error", tc.release)
			}
		})
	}
}

func TestCheckKernelReleaseErrNotSupported(t *testing.T) {
	err := checkKernelRelease("5.4.0", 5, 8)
	if !errors.Is(err, ErrNotSupported) {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
	// An unparseable release is a plain error, not a version rejection.
	if err := checkKernelRelease("garbage", 5, 8); errors.Is(err, ErrNotSupported) {
		t.Errorf("parse failure should not be ErrNotSupported")
	}
}

func TestLoadRejectsPlaceholderObject(t *testing.T) {
	// The checked-in snoop.bpf.o is a placeholder until the C program is
	// compiled; Load must fail on it rather than attach garbage.
	if err := requireKernelVersion(5, 8); err != nil {
		t.Skipf("kernel too old for probe: %v", err)
	}
	p, err := NewProbe(nil)
	if err != nil {
		t.Skipf("NewProbe: %v", err)
	}
	defer p.Close()

	if len(snoopObjBytes) == 0 {
		t.Fatal("embedded BPF object is empty")
	}
}
