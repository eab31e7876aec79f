package ledger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"ciflow/internal/security"
)

// Ledger is an append-only, hash-chained log of step records.
// File format: JSON lines, one record per line.
type Ledger struct {
	mu      sync.Mutex
	records []*Record
	path    string
	keys    *security.KeyPair
}

// Open loads an existing ledger file or creates an empty one.
// keys may be nil for read-only use, or hold only the public key to
// verify; Append then fails.
func Open(path string, keys *security.KeyPair) (*Ledger, error) {
	l := &Ledger{path: path, keys: keys}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create ledger dir")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errors.Wrapf(err, "decode ledger entry %d", len(l.records))
		}
		l.records = append(l.records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read ledger")
	}
	return l, nil
}

// Append assigns the record its index and previous hash, hashes and signs
// it, persists it and keeps it in memory. Index and link are assigned
// under the lock so concurrent jobs cannot fork the chain.
func (l *Ledger) Append(rec *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.keys == nil || len(l.keys.Private) == 0 {
		return errors.New("ledger has no signing key")
	}

	rec.Index = len(l.records)
	rec.PrevHash = ""
	if n := len(l.records); n > 0 {
		rec.PrevHash = l.records[n-1].Hash
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	h, err := rec.ComputeHash()
	if err != nil {
		return err
	}
	rec.Hash = h
	rec.Signature = l.keys.Sign([]byte(h))
	rec.PubKey = l.keys.PublicHex()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open ledger file")
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return errors.Wrap(err, "write ledger file")
	}

	l.records = append(l.records, rec)
	return nil
}

// Records returns a snapshot of the records in order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// LastHash returns the last record hash, or empty if none.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return ""
	}
	return l.records[len(l.records)-1].Hash
}
