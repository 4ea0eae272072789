package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// Sealer encrypts identifiers at rest. aad binds a ciphertext to the record
// it belongs to, so sealed values cannot be swapped between contacts.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// NopSealer stores plaintext. Tests only.
type NopSealer struct{}

func (NopSealer) Seal(p, _ []byte) ([]byte, error) { return append([]byte(nil), p...), nil }
func (NopSealer) Open(s, _ []byte) ([]byte, error) { return append([]byte(nil), s...), nil }

const keySize = 32

// AESGCM seals with AES-256-GCM. The derived key lives in a memguard enclave
// and is only decrypted into locked memory for the duration of one call.
type AESGCM struct {
	key *memguard.Enclave
}

// DeriveSealer derives the data key from master with HKDF-SHA256. purpose
// separates keys derived from the same master secret.
func DeriveSealer(master []byte, purpose string) (*AESGCM, error) {
	if len(master) == 0 {
		return nil, errors.New("vault: empty master key")
	}
	r := hkdf.New(sha256.New, master, []byte("safealert-contact-vault"), []byte(purpose))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: HKDF derivation failed: %w", err)
	}
	// NewEnclave wipes key.
	return &AESGCM{key: memguard.NewEnclave(key)}, nil
}

func (s *AESGCM) aead() (cipher.AEAD, func(), error) {
	buf, err := s.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("vault: open key: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("vault: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("vault: %w", err)
	}
	return gcm, buf.Destroy, nil
}

func (s *AESGCM) Seal(plaintext, aad []byte) ([]byte, error) {
	gcm, done, err := s.aead()
	if err != nil {
		return nil, err
	}
	defer done()
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *AESGCM) Open(sealed, aad []byte) ([]byte, error) {
	gcm, done, err := s.aead()
	if err != nil {
		return nil, err
	}
	defer done()
	n := gcm.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("vault: ciphertext too short")
	}
	out, err := gcm.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("vault: decryption failed: %w", err)
	}
	return out, nil
}

// LoadOrCreateKey reads a master key file, creating one with random bytes
// (mode 0600) if it does not exist yet.
func LoadOrCreateKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) < keySize {
			return nil, fmt.Errorf("vault: key file %s too short", path)
		}
		return b, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("vault: read key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("vault: key dir: %w", err)
	}
	b = make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("vault: generate key: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, fmt.Errorf("vault: write key: %w", err)
	}
	return b, nil
}
