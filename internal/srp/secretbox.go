package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/nacl/secretbox"
)

// kdfLabel domain-separates the session-key derivation from any other use
// of SHA-256 over the shared secret.
const kdfLabel = "sessionrelay-v1-session-key"

// KeySize is the secretbox key length (spec §3: sessionKey is 32 bytes).
const KeySize = 32

// DeriveSessionKey runs the shared secret S through a labeled KDF to
// produce the 32-byte secretbox key. Both peers call this independently on
// S; testable property #6 in spec.md requires the results to match
// byte-for-byte.
func DeriveSessionKey(S *big.Int) [KeySize]byte {
	h := sha256.New()
	h.Write([]byte(kdfLabel))
	h.Write(bigIntFixedWidth(S))

	var key [KeySize]byte
	copy(key[:], h.Sum(nil))

	return key
}

// bigIntFixedWidth serializes S to the fixed width of the 2048-bit group so
// the KDF input never varies in length with leading zero bytes of S.
func bigIntFixedWidth(S *big.Int) []byte {
	const width = 2048 / 8

	b := S.Bytes()
	if len(b) >= width {
		return b
	}

	out := make([]byte, width)
	copy(out[width-len(b):], b)

	return out
}

// ErrDecryptionFailed is returned by Open on any authentication failure —
// wrong key or tampered ciphertext. Per spec §4.B this is fatal for the
// connection.
var ErrDecryptionFailed = errors.New("srp: decryption failed")

// Seal encrypts plaintext under key with a fresh random nonce drawn from a
// CSPRNG, returning the nonce and ciphertext separately so callers can lay
// them out per the wire envelope (spec §4.A).
func Seal(key [KeySize]byte, plaintext []byte) (nonce [24]byte, ciphertext []byte, err error) {
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("srp: generating nonce: %w", err)
	}

	ciphertext = secretbox.Seal(nil, plaintext, &nonce, &key)

	return nonce, ciphertext, nil
}

// Open decrypts ciphertext under key and nonce. Any failure is reported as
// ErrDecryptionFailed without further detail, matching the spec's closed
// error surface for crypto failures.
func Open(key [KeySize]byte, nonce [24]byte, ciphertext []byte) ([]byte, error) {
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
