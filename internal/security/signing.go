package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrPrivateKeySize = errors.New("invalid private key size")
	ErrPublicKeySize  = errors.New("invalid public key size")
)

// KeyPair is the ed25519 identity used to sign ledger records.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a new ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Save writes both keys hex encoded.
func (k *KeyPair) Save(pubPath, privPath string) error {
	for _, p := range []string{pubPath, privPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return errors.Wrapf(err, "create key dir for %s", p)
		}
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(k.Public)), 0o600); err != nil {
		return errors.Wrap(err, "write public key")
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(k.Private)), 0o600); err != nil {
		return errors.Wrap(err, "write private key")
	}
	return nil
}

// PublicHex returns the hex form stored alongside signatures.
func (k *KeyPair) PublicHex() string {
	return hex.EncodeToString(k.Public)
}

// Sign signs data and returns the hex signature.
func (k *KeyPair) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.Private, data))
}

// LoadKeyPair reads a hex encoded key pair from disk.
func LoadKeyPair(pubPath, privPath string) (*KeyPair, error) {
	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		return nil, err
	}
	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// EnsureKeyPair loads the key pair in dir, generating it on first use.
// The bool reports whether new keys were written.
func EnsureKeyPair(dir string) (*KeyPair, bool, error) {
	pubPath := filepath.Join(dir, "ledger.pub")
	privPath := filepath.Join(dir, "ledger.priv")

	if _, err := os.Stat(pubPath); os.IsNotExist(err) {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, false, err
		}
		if err := kp.Save(pubPath, privPath); err != nil {
			return nil, false, err
		}
		return kp, true, nil
	}

	kp, err := LoadKeyPair(pubPath, privPath)
	if err != nil {
		return nil, false, err
	}
	return kp, false, nil
}

// LoadPrivateKey loads an ed25519 private key from a hex encoded file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyBytes, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, ErrPrivateKeySize
	}
	return ed25519.PrivateKey(keyBytes), nil
}

// LoadPublicKey loads an ed25519 public key from a hex encoded file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyBytes, err := readHex(path)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, ErrPublicKeySize
	}
	return ed25519.PublicKey(keyBytes), nil
}

func readHex(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read key %s", path)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "decode key %s", path)
	}
	return keyBytes, nil
}

// VerifySignatureFromHex verifies a hex signature against a hex public key.
func VerifySignatureFromHex(pubHex string, data []byte, sigHex string) (bool, error) {
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, errors.Wrap(err, "decode public key")
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, ErrPublicKeySize
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, errors.Wrap(err, "decode signature")
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), data, sig), nil
}
