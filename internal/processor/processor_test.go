package processor

import (
	"fmt"
	"testing"

	"github.com/filetrace/agent/internal/capture"
	"github.com/filetrace/agent/internal/cgroup"
)

func testContainers() map[uint64]*cgroup.ContainerInfo {
	return map[uint64]*cgroup.ContainerInfo{
		100: {CgroupID: 100, CgroupPath: "/pod/a", Name: "web"},
		200: {CgroupID: 200, CgroupPath: "/pod/b", Name: "db"},
	}
}

func event(cgroupID uint64, path string) *capture.Event {
	var ev capture.Event
	ev.CgroupID = cgroupID
	ev.SyscallNr = 257
	ev.SetPath(path)
	return &ev
}

func newTestProcessor(t *testing.T, dedupSize int) *Processor {
	t.Helper()
	p, err := New(testContainers(), nil, dedupSize, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestProcessNewAndDuplicate(t *testing.T) {
	p := newTestProcessor(t, 0)

	path, res := p.Process(event(100, "/etc/passwd"))
	if res != ResultNew || path != "/etc/passwd" {
		t.Fatalf("first = (%q, %v), want (/etc/passwd, ResultNew)", path, res)
	}
	path, res = p.Process(event(100, "/etc/passwd"))
	if res != ResultDuplicate || path != "/etc/passwd" {
		t.Fatalf("second = (%q, %v), want duplicate", path, res)
	}
	// Same path in a different container is new again.
	if _, res := p.Process(event(200, "/etc/passwd")); res != ResultNew {
		t.Errorf("other container = %v, want ResultNew", res)
	}
}

func TestProcessNormalizesBeforeDedup(t *testing.T) {
	p := newTestProcessor(t, 0)
	if _, res := p.Process(event(100, "/usr/./bin/../bin/sh")); res != ResultNew {
		t.Fatalf("res = %v", res)
	}
	// The messy spelling of the same file is a duplicate.
	if path, res := p.Process(event(100, "/usr/bin/sh")); res != ResultDuplicate || path != "/usr/bin/sh" {
		t.Errorf("got (%q, %v), want duplicate of /usr/bin/sh", path, res)
	}
}

func TestProcessExclusions(t *testing.T) {
	p := newTestProcessor(t, 0)
	if _, res := p.Process(event(100, "/proc/self/maps")); res != ResultExcluded {
		t.Errorf("res = %v, want ResultExcluded", res)
	}
	if _, res := p.Process(event(100, "/dev/null")); res != ResultExcluded {
		t.Errorf("res = %v, want ResultExcluded", res)
	}
	stats := p.Stats()[100]
	if stats.EventsExcluded != 2 {
		t.Errorf("EventsExcluded = %d, want 2", stats.EventsExcluded)
	}
	if stats.UniqueFiles != 0 {
		t.Errorf("UniqueFiles = %d, want 0", stats.UniqueFiles)
	}
}

func TestProcessEmptyPath(t *testing.T) {
	p := newTestProcessor(t, 0)
	if _, res := p.Process(event(100, "")); res != ResultEmpty {
		t.Errorf("res = %v, want ResultEmpty", res)
	}
}

func TestProcessUnknownContainer(t *testing.T) {
	p := newTestProcessor(t, 0)
	if _, res := p.Process(event(999, "/etc/passwd")); res != ResultUnknownContainer {
		t.Errorf("res = %v, want ResultUnknownContainer", res)
	}
	if got := p.Aggregate().UnknownEvents; got != 1 {
		t.Errorf("UnknownEvents = %d, want 1", got)
	}
}

func TestAddContainerLater(t *testing.T) {
	p := newTestProcessor(t, 0)
	if _, res := p.Process(event(300, "/a")); res != ResultUnknownContainer {
		t.Fatalf("res = %v", res)
	}
	if err := p.AddContainer(&cgroup.ContainerInfo{CgroupID: 300, Name: "late"}); err != nil {
		t.Fatalf("AddContainer: %v", err)
	}
	if _, res := p.Process(event(300, "/a")); res != ResultNew {
		t.Errorf("res = %v after AddContainer, want ResultNew", res)
	}
}

func TestDedupEviction(t *testing.T) {
	const size = 8
	p := newTestProcessor(t, size)

	for i := 0; i < size*3; i++ {
		if _, res := p.Process(event(100, fmt.Sprintf("/data/file-%03d", i))); res != ResultNew {
			t.Fatalf("file %d: res = %v", i, res)
		}
	}
	stats := p.Stats()[100]
	if stats.UniqueFiles != size {
		t.Errorf("UniqueFiles = %d, want %d", stats.UniqueFiles, size)
	}
	if stats.EventsEvicted != size*2 {
		t.Errorf("EventsEvicted = %d, want %d", stats.EventsEvicted, size*2)
	}
	// An evicted path is admitted again as new.
	if _, res := p.Process(event(100, "/data/file-000")); res != ResultNew {
		t.Errorf("re-admission of evicted path = %v, want ResultNew", res)
	}
}

func TestFilesSortedPerContainer(t *testing.T) {
	p := newTestProcessor(t, 0)
	for _, path := range []string{"/z", "/a", "/m"} {
		p.Process(event(100, path))
	}
	p.Process(event(200, "/only"))

	files := p.Files()
	if got := files[100]; len(got) != 3 || got[0] != "/a" || got[1] != "/m" || got[2] != "/z" {
		t.Errorf("files[100] = %v, want sorted [/a /m /z]", got)
	}
	if got := files[200]; len(got) != 1 || got[0] != "/only" {
		t.Errorf("files[200] = %v", got)
	}
}

func TestAggregate(t *testing.T) {
	p := newTestProcessor(t, 0)
	p.Process(event(100, "/a"))
	p.Process(event(100, "/a"))
	p.Process(event(100, "/proc/x"))
	p.Process(event(200, "/b"))
	p.Process(event(999, "/c"))

	agg := p.Aggregate()
	if agg.EventsReceived != 4 {
		t.Errorf("EventsReceived = %d, want 4", agg.EventsReceived)
	}
	if agg.EventsProcessed != 2 {
		t.Errorf("EventsProcessed = %d, want 2", agg.EventsProcessed)
	}
	if agg.EventsDuplicate != 1 {
		t.Errorf("EventsDuplicate = %d, want 1", agg.EventsDuplicate)
	}
	if agg.EventsExcluded != 1 {
		t.Errorf("EventsExcluded = %d, want 1", agg.EventsExcluded)
	}
	if agg.UniqueFiles != 2 {
		t.Errorf("UniqueFiles = %d, want 2", agg.UniqueFiles)
	}
	if agg.UnknownEvents != 1 {
		t.Errorf("UnknownEvents = %d, want 1", agg.UnknownEvents)
	}
}
