// Package vault seals agent snapshots at rest with AES-256-GCM under a
// passphrase-derived key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

var ErrShortBlob = errors.New("sealed blob shorter than nonce")

type Vault struct {
	key  [32]byte
	aead cipher.AEAD
}

// New derives the key from passphrase with Argon2id. The salt is a hash
// of the passphrase, so the same passphrase opens blobs sealed by an
// earlier process.
func New(passphrase string) (*Vault, error) {
	salt := sha256.Sum256([]byte("hivemind-snapshot:" + passphrase))
	v := &Vault{}
	copy(v.key[:], argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32))

	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if v.aead, err = cipher.NewGCM(block); err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return v, nil
}

// Seal encrypts plaintext bound to owner (an agent id) and returns
// nonce||ciphertext.
func (v *Vault) Seal(plaintext []byte, owner string) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, []byte(owner)), nil
}

// Open reverses Seal. A blob sealed for another owner fails to open.
func (v *Vault) Open(blob []byte, owner string) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(blob) < n {
		return nil, ErrShortBlob
	}
	plaintext, err := v.aead.Open(nil, blob[:n], blob[n:], []byte(owner))
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	return plaintext, nil
}
