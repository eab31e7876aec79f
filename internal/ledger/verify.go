package ledger

import (
	"github.com/pkg/errors"

	"ciflow/internal/security"
)

var ErrTampered = errors.New("ledger tampered")

// Verify recomputes each record hash, link and signature to detect
// tampering. Every record must be signed by the ledger's own public key.
func (l *Ledger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.keys == nil || len(l.keys.Public) == 0 {
		return errors.New("ledger has no trusted public key")
	}
	trusted := l.keys.PublicHex()

	for i, r := range l.records {
		if r.Index != i {
			return errors.Wrapf(ErrTampered, "index mismatch: expected %d got %d", i, r.Index)
		}

		h, err := r.ComputeHash()
		if err != nil {
			return errors.Wrapf(err, "compute hash for index %d", i)
		}
		if h != r.Hash {
			return errors.Wrapf(ErrTampered, "hash mismatch at index %d", i)
		}

		if i > 0 && r.PrevHash != l.records[i-1].Hash {
			return errors.Wrapf(ErrTampered, "prev hash mismatch at index %d", i)
		}

		if r.PubKey != trusted {
			return errors.Wrapf(ErrTampered, "foreign signing key at index %d", i)
		}
		ok, err := security.VerifySignatureFromHex(trusted, []byte(r.Hash), r.Signature)
		if err != nil {
			return errors.Wrapf(err, "signature at index %d", i)
		}
		if !ok {
			return errors.Wrapf(ErrTampered, "bad signature at index %d", i)
		}
	}
	return nil
}
