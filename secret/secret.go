// Package secret implements the encrypted-at-rest storage for
// sub-provider API keys named in spec.md §3/§6: the core's persistence
// layer never holds a plaintext credential, and decryption happens only
// on hot demand, never cached (spec.md §6 "Persisted state").
//
// The spec treats the secret store as an external collaborator
// (crypto.encrypt/decrypt, hash, hmac) whose internals are out of scope;
// SPEC_FULL.md narrows the informal ciphertext description into this
// concrete type so the rest of the core has something typed to pass
// around, implemented with crypto/aes + crypto/hmac rather than a
// hand-rolled cipher.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// EncryptedSecret is the typed, narrowed shape of the informal
// "ciphertext + iv + authTag + masterKeyRef" description in spec.md §3.
type EncryptedSecret struct {
	Ciphertext  []byte
	IV          []byte
	AuthTag     []byte
	MasterKeyRef string
}

// ErrAuthFailed is returned by Open when the HMAC tag does not match,
// meaning the ciphertext or IV was tampered with (or the wrong master
// key was supplied).
var ErrAuthFailed = errors.New("secret: authentication tag mismatch")

// Keyring resolves a MasterKeyRef to the 32-byte AES-256 key it names.
// Bootstrap wiring is expected to back this with an env-var or KMS
// lookup; the core itself never persists raw key material.
type Keyring interface {
	Key(ref string) ([]byte, error)
}

// StaticKeyring is a Keyring backed by a fixed in-memory map, used by the
// reference bootstrap and by tests.
type StaticKeyring map[string][]byte

// Key implements Keyring.
func (k StaticKeyring) Key(ref string) ([]byte, error) {
	key, ok := k[ref]
	if !ok {
		return nil, fmt.Errorf("secret: no key registered for master key ref %q", ref)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secret: master key %q must be 32 bytes, got %d", ref, len(key))
	}
	return key, nil
}

// Seal encrypts plaintext under the master key named masterKeyRef using
// AES-256-CTR, and authenticates the ciphertext with an HMAC-SHA256 tag
// over IV||ciphertext so a tampered credential fails closed on Open
// rather than decrypting to garbage.
func Seal(kr Keyring, masterKeyRef string, plaintext []byte) (EncryptedSecret, error) {
	key, err := kr.Key(masterKeyRef)
	if err != nil {
		return EncryptedSecret{}, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedSecret{}, fmt.Errorf("secret: new cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return EncryptedSecret{}, fmt.Errorf("secret: generate iv: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	tag := authTag(key, iv, ciphertext)

	return EncryptedSecret{
		Ciphertext:   ciphertext,
		IV:           iv,
		AuthTag:      tag,
		MasterKeyRef: masterKeyRef,
	}, nil
}

// Open decrypts an EncryptedSecret, verifying its authentication tag
// first. The returned plaintext is never cached by the caller's
// responsibility to honor — this package holds no state at all.
func Open(kr Keyring, s EncryptedSecret) ([]byte, error) {
	key, err := kr.Key(s.MasterKeyRef)
	if err != nil {
		return nil, err
	}

	want := authTag(key, s.IV, s.Ciphertext)
	if !hmac.Equal(want, s.AuthTag) {
		return nil, ErrAuthFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: new cipher: %w", err)
	}
	plaintext := make([]byte, len(s.Ciphertext))
	cipher.NewCTR(block, s.IV).XORKeyStream(plaintext, s.Ciphertext)
	return plaintext, nil
}

func authTag(key, iv, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(iv)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

// Hash returns the hex-encoded SHA-256 digest of v, used for the
// screener's "security:"+hash(content) cache key (spec.md §4.7 Step 1)
// and for any other content-addressed lookup the core needs.
func Hash(v []byte) string {
	sum := sha256.Sum256(v)
	return hex.EncodeToString(sum[:])
}
