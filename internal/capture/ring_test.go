package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// smallRing returns a ring with capacity for exactly n records.
func smallRing(t *testing.T, n int) *Ring {
	t.Helper()
	r := NewRing(n*EventWireSize, nil)
	if r.Cap() != n {
		t.Fatalf("ring capacity = %d records, want %d", r.Cap(), n)
	}
	return r
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(RingCapBytes, nil)
	if want := RingCapBytes / EventWireSize; r.Cap() != want {
		t.Errorf("Cap = %d, want %d", r.Cap(), want)
	}
}

func TestRingSubmitAndRead(t *testing.T) {
	r := smallRing(t, 4)
	var ev Event
	ev.CgroupID = 100
	ev.SetPath("/etc/passwd")

	if !r.Submit(ev) {
		t.Fatal("Submit failed on empty ring")
	}
	got, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.CgroupID != 100 || got.PathString() != "/etc/passwd" {
		t.Errorf("read %d %q, want 100 /etc/passwd", got.CgroupID, got.PathString())
	}
	if r.Drops() != 0 {
		t.Errorf("Drops = %d, want 0", r.Drops())
	}
}

func TestRingSaturationCountsDrops(t *testing.T) {
	// N submissions against capacity C < N: exactly N-C drops, and the
	// delivered subset is uncorrupted.
	const capacity, attempts = 8, 20
	r := smallRing(t, capacity)

	for i := 0; i < attempts; i++ {
		var ev Event
		ev.CgroupID = uint64(i)
		ev.PID = uint32(i)
		ev.SyscallNr = 257
		ev.SetPath("/var/lib/file")
		r.Submit(ev)
	}

	if got, want := r.Drops(), uint64(attempts-capacity); got != want {
		t.Fatalf("Drops = %d, want %d", got, want)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < capacity; i++ {
		ev, err := r.Read(ctx)
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		// Accepted records arrive intact and in submission order.
		if ev.CgroupID != uint64(i) || ev.PID != uint32(i) {
			t.Errorf("record %d: cgroup %d pid %d", i, ev.CgroupID, ev.PID)
		}
		if ev.SyscallNr != 257 || ev.PathString() != "/var/lib/file" {
			t.Errorf("record %d corrupted: nr=%d path=%q", i, ev.SyscallNr, ev.PathString())
		}
	}
}

func TestRingConcurrentProducers(t *testing.T) {
	const producers, perProducer = 8, 500
	r := smallRing(t, 64)

	var accepted atomic.Uint64
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				var ev Event
				ev.CgroupID = uint64(p)
				ev.SetPath("/tmp/x")
				if r.Submit(ev) {
					accepted.Add(1)
				}
			}
		}(p)
	}

	done := make(chan struct{})
	var consumed uint64
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			ev, err := r.Read(ctx)
			if err != nil {
				return
			}
			if ev.PathString() != "/tmp/x" {
				t.Errorf("corrupted record: %q", ev.PathString())
			}
			consumed++
		}
	}()

	wg.Wait()
	r.Close()
	<-done

	total := uint64(producers * perProducer)
	if accepted.Load()+r.Drops() != total {
		t.Errorf("accepted %d + drops %d != submitted %d", accepted.Load(), r.Drops(), total)
	}
	if consumed != accepted.Load() {
		t.Errorf("consumed %d, accepted %d", consumed, accepted.Load())
	}
}

func TestRingSubmitAfterCloseDrops(t *testing.T) {
	r := smallRing(t, 4)
	r.Close()
	r.Close() // idempotent
	if r.Submit(Event{}) {
		t.Error("Submit accepted after Close")
	}
	if r.Drops() != 1 {
		t.Errorf("Drops = %d, want 1", r.Drops())
	}
}

func TestRingReadAfterCloseDrains(t *testing.T) {
	r := smallRing(t, 4)
	var ev Event
	ev.CgroupID = 9
	r.Submit(ev)
	r.Close()

	got, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read of enqueued record after Close: %v", err)
	}
	if got.CgroupID != 9 {
		t.Errorf("CgroupID = %d, want 9", got.CgroupID)
	}
	if _, err := r.Read(context.Background()); !errors.Is(err, ErrRingClosed) {
		t.Errorf("Read on drained closed ring: err = %v, want ErrRingClosed", err)
	}
}

func TestRingReadContextCancel(t *testing.T) {
	r := smallRing(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Read(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Read err = %v, want context.Canceled", err)
	}
}
