package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func obs(path string) Observation {
	return Observation{
		Container: "web",
		CgroupID:  100,
		PID:       42,
		Syscall:   "openat",
		Path:      path,
	}
}

func TestAppendChainsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	first, err := j.Append(obs("/etc/passwd"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Seq != 1 {
		t.Errorf("first seq = %d, want 1", first.Seq)
	}
	if first.PrevHash != GenesisHash {
		t.Errorf("first prev_hash = %q, want genesis", first.PrevHash)
	}

	second, err := j.Append(obs("/bin/busybox"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("second seq = %d, want 2", second.Seq)
	}
	if second.PrevHash != first.EntryHash {
		t.Error("second entry not chained to first")
	}

	if err := Verify(path); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestReopenRestoresChainState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	last, _ := j.Append(obs("/etc/passwd"))
	j.Close()

	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()

	next, err := j.Append(obs("/bin/busybox"))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if next.Seq != last.Seq+1 {
		t.Errorf("seq after reopen = %d, want %d", next.Seq, last.Seq+1)
	}
	if next.PrevHash != last.EntryHash {
		t.Error("chain not continued across reopen")
	}
	if err := Verify(path); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestTamperedEntryDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.Append(obs("/etc/passwd"))
	j.Append(obs("/bin/busybox"))
	j.Close()

	// Rewrite the first entry's path without rehashing.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(data), "/etc/passwd", "/etc/shadow1", 1)
	if tampered == string(data) {
		t.Fatal("tamper replacement did not apply")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := Verify(path); err == nil {
		t.Error("verify accepted a tampered journal")
	}
	if _, err := Open(path); err == nil {
		t.Error("open accepted a tampered journal")
	}
}

func TestTruncatedJournalDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.Append(obs("/etc/passwd"))
	j.Append(obs("/bin/busybox"))
	j.Append(obs("/lib/ld-musl-x86_64.so.1"))
	j.Close()

	// Drop the middle line; the remaining chain must not verify.
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	f.Close()
	if len(lines) != 3 {
		t.Fatalf("line count = %d, want 3", len(lines))
	}
	kept := lines[0] + "\n" + lines[2] + "\n"
	if err := os.WriteFile(path, []byte(kept), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if err := Verify(path); err == nil {
		t.Error("verify accepted a journal with a removed entry")
	}
}

func TestEntriesAreOneJSONLinePerObservation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	j.Append(obs("/etc/passwd"))
	j.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("line count = %d, want 1", len(lines))
	}
	var e Entry
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if e.Obs.Path != "/etc/passwd" || e.Obs.Syscall != "openat" {
		t.Errorf("entry payload = %+v", e.Obs)
	}
}
