// Package secret implements device-bound encryption for credentials at
// rest. Secrets are sealed with a key derived from the device's immutable
// hardware identifier, so a configuration file copied to another device
// cannot be decrypted there. The key is never chosen by the user, never
// persisted, and never transmitted.
//
// Stored form: "bound1:" + base64(nonce || ciphertext || tag), using
// XChaCha20-Poly1305 with an HKDF-SHA256 derived key. The AEAD tag means
// corruption or a wrong device key fails loudly rather than yielding
// garbage plaintext.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Prefix marks a sealed value in persisted configuration. Version bumps
// get a new prefix so old records stay readable.
const Prefix = "bound1:"

// ErrUnrecoverable is returned when a sealed value cannot be opened:
// wrong device, corrupted ciphertext, or a tampered integrity tag.
var ErrUnrecoverable = errors.New("secret unrecoverable on this device")

// hkdfInfo binds derived keys to this application so the same hardware
// identifier used elsewhere produces an unrelated key.
const hkdfInfo = "tankmon device-bound secret v1"

// DeriveKey deterministically derives a 256-bit sealing key from the
// device hardware identifier. Pure function of its input: fixed fake
// identifiers give reproducible keys in tests.
func DeriveKey(hardwareID string) ([]byte, error) {
	if hardwareID == "" {
		return nil, errors.New("empty hardware identifier")
	}

	r := hkdf.New(sha256.New, []byte(hardwareID), nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Cipher seals and opens secrets with a device-bound key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the device hardware identifier.
func NewCipher(hardwareID string) (*Cipher, error) {
	key, err := DeriveKey(hardwareID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// IsSealed reports whether a stored value is already in sealed form.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, Prefix)
}

// Seal encrypts plaintext into the versioned stored form. Empty
// plaintext seals to the empty string.
func (c *Cipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored value produced by Seal. Any failure (missing
// prefix, bad encoding, wrong device key, corrupted tag) returns an
// error wrapping ErrUnrecoverable; Open never returns wrong plaintext
// silently.
func (c *Cipher) Open(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !IsSealed(stored) {
		return "", fmt.Errorf("%w: missing %q prefix", ErrUnrecoverable, Prefix)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrUnrecoverable)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("%w: truncated", ErrUnrecoverable)
	}

	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: integrity check failed", ErrUnrecoverable)
	}
	return string(plaintext), nil
}
