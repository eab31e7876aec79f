package ledger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ciflow/internal/security"
)

func newLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	kp, err := security.GenerateKeyPair()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path, kp)
	require.NoError(t, err)
	return l, path
}

// publicOnly returns the verification half of the ledger's key pair.
func publicOnly(l *Ledger) *security.KeyPair {
	return &security.KeyPair{Public: l.keys.Public}
}

func TestAppendAndVerify(t *testing.T) {
	l, path := newLedger(t)

	require.NoError(t, l.Append(&Record{Pipeline: "p1", Job: "test", Step: 0, Name: "checkout", Status: "success"}))
	require.NoError(t, l.Append(&Record{Pipeline: "p1", Job: "test", Step: 1, Name: "cargo test", Status: "failed", ExitCode: 101}))

	require.NoError(t, l.Verify())
	assert.Equal(t, 2, l.Len())

	recs := l.Records()
	assert.Equal(t, recs[0].Hash, recs[1].PrevHash)
	assert.Equal(t, recs[1].Hash, l.LastHash())

	reopened, err := Open(path, publicOnly(l))
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	require.NoError(t, reopened.Verify())
	assert.Error(t, reopened.Append(&Record{Name: "x"}))

	unkeyed, err := Open(path, nil)
	require.NoError(t, err)
	assert.Error(t, unkeyed.Verify())
}

func TestVerifyDetectsTampering(t *testing.T) {
	l, path := newLedger(t)
	require.NoError(t, l.Append(&Record{Pipeline: "p1", Job: "lint", Name: "clippy", Status: "success"}))
	require.NoError(t, l.Append(&Record{Pipeline: "p1", Job: "lint", Name: "fmt", Status: "success"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var first Record
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 2)
	require.NoError(t, json.Unmarshal(lines[0], &first))
	first.Status = "failed"
	tampered, err := json.Marshal(first)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(append(tampered, '\n'), lines[1]...), 0o644))

	reopened, err := Open(path, publicOnly(l))
	require.NoError(t, err)
	assert.ErrorIs(t, reopened.Verify(), ErrTampered)
}

func TestVerifyRejectsForeignSigner(t *testing.T) {
	l, path := newLedger(t)
	require.NoError(t, l.Append(&Record{Pipeline: "p1", Job: "build", Name: "cargo build", Status: "success"}))

	// Another key holder appends to the same file with a valid chain.
	forger, err := security.GenerateKeyPair()
	require.NoError(t, err)
	forged, err := Open(path, forger)
	require.NoError(t, err)
	require.NoError(t, forged.Append(&Record{Pipeline: "p1", Job: "deploy", Name: "release", Status: "success"}))

	reopened, err := Open(path, publicOnly(l))
	require.NoError(t, err)
	err = reopened.Verify()
	assert.ErrorIs(t, err, ErrTampered)
	assert.Contains(t, err.Error(), "foreign signing key at index 1")
}

func TestAppendRequiresKeys(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.jsonl"), nil)
	require.NoError(t, err)
	assert.Error(t, l.Append(&Record{Name: "x"}))
}

func TestConcurrentAppendKeepsChain(t *testing.T) {
	l, _ := newLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Append(&Record{Job: "job", Step: i, Status: "success"}))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, l.Len())
	assert.NoError(t, l.Verify())
}
