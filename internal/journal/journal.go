// Package journal keeps a tamper-evident, append-only record of file-access
// observations. Entries are JSON lines whose SHA-256 hashes chain each entry
// to its predecessor, so truncation or in-place edits of the journal are
// detectable after the fact.
//
// The journal complements the report file: the report is a mutable snapshot,
// the journal an auditable history of every new unique path the agent saw.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash seeds the chain: the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Observation is the journaled payload: one newly-seen file in one
// container.
type Observation struct {
	Container string `json:"container"`
	CgroupID  uint64 `json:"cgroup_id"`
	PID       uint32 `json:"pid"`
	Syscall   string `json:"syscall"`
	Path      string `json:"path"`
}

// Entry is one journal line.
type Entry struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Obs       Observation `json:"obs"`
	PrevHash  string      `json:"prev_hash"`
	EntryHash string      `json:"entry_hash"`
}

// entryContent is the hashed subset of Entry (everything but its own hash).
type entryContent struct {
	Seq       int64       `json:"seq"`
	Timestamp time.Time   `json:"ts"`
	Obs       Observation `json:"obs"`
	PrevHash  string      `json:"prev_hash"`
}

func hashContent(c entryContent) string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Journal is an append-only chained log writer. Create with Open; safe for
// concurrent use.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens or creates the journal at path. An existing journal is scanned
// to verify the chain and restore the sequence state; a broken chain is an
// error, not something to silently continue from.
func Open(path string) (*Journal, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		var verifyErr error
		prevHash, seq, verifyErr = verifyFile(path)
		if verifyErr != nil {
			return nil, verifyErr
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	return &Journal{file: f, prevHash: prevHash, seq: seq}, nil
}

// Append records one observation and returns the written entry, including
// its assigned sequence number and hash.
func (j *Journal) Append(obs Observation) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := Entry{
		Seq:       j.seq + 1,
		Timestamp: time.Now().UTC(),
		Obs:       obs,
		PrevHash:  j.prevHash,
	}
	e.EntryHash = hashContent(entryContent{
		Seq: e.Seq, Timestamp: e.Timestamp, Obs: e.Obs, PrevHash: e.PrevHash,
	})

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("journal: write entry: %w", err)
	}

	j.seq = e.Seq
	j.prevHash = e.EntryHash
	return e, nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Verify walks the journal at path and checks the whole hash chain.
func Verify(path string) error {
	_, _, err := verifyFile(path)
	return err
}

// verifyFile scans the journal, verifying each entry's hash and link, and
// returns the final chain state.
func verifyFile(path string) (prevHash string, seq int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("journal: open %q: %w", path, err)
	}
	defer f.Close()

	prevHash = GenesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return "", 0, fmt.Errorf("journal: malformed entry after seq %d: %w", seq, err)
		}
		computed := hashContent(entryContent{
			Seq: e.Seq, Timestamp: e.Timestamp, Obs: e.Obs, PrevHash: e.PrevHash,
		})
		if computed != e.EntryHash {
			return "", 0, fmt.Errorf("journal: hash mismatch at seq %d", e.Seq)
		}
		if e.PrevHash != prevHash {
			return "", 0, fmt.Errorf("journal: chain break at seq %d", e.Seq)
		}
		if e.Seq != seq+1 {
			return "", 0, fmt.Errorf("journal: sequence gap at seq %d (prev %d)", e.Seq, seq)
		}
		prevHash = e.EntryHash
		seq = e.Seq
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("journal: scan %q: %w", path, err)
	}
	return prevHash, seq, nil
}
