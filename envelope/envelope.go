// Package envelope implements the authenticated encryption envelope used to
// store values at rest.
//
// # Wire Format
//
// An envelope is a base64 (standard encoding, padded) string that decodes to
//
//	nonce (12 bytes) || ciphertext || tag (16 bytes)
//
// with no embedded length fields. The nonce and tag sizes are fixed for all
// supported ciphers, so the boundaries are implied by the total length.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeyLen is the required length in bytes of an encryption key.
	KeyLen = 32

	// NonceLen is the length in bytes of the nonce prefix of an envelope.
	NonceLen = 12

	// TagLen is the length in bytes of the authentication tag.
	TagLen = 16

	// MinLen is the shortest valid decoded envelope (empty plaintext).
	MinLen = NonceLen + TagLen
)

var (
	// ErrMalformed is reported when an envelope cannot be decoded, or is too
	// short to contain a nonce and a tag.
	ErrMalformed = errors.New("malformed envelope")

	// ErrAuthFailed is reported when an envelope fails authentication: the key
	// is wrong, or the envelope was modified.
	ErrAuthFailed = errors.New("authentication failed")
)

// Cipher identifies an AEAD construction. All supported ciphers use a 256-bit
// key, a 96-bit nonce, and a 128-bit tag.
type Cipher string

const (
	// AES256GCM is AES-256 in Galois/Counter Mode. This is the default.
	AES256GCM Cipher = "aes-256-gcm"

	// ChaCha20Poly1305 is the IETF ChaCha20-Poly1305 construction.
	ChaCha20Poly1305 Cipher = "chacha20-poly1305"
)

// Valid reports whether c names a supported cipher.
func (c Cipher) Valid() bool { return c == AES256GCM || c == ChaCha20Poly1305 }

// New constructs an AEAD for c with the given key.
func (c Cipher) New(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), KeyLen)
	}
	switch c {
	case AES256GCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("initialize aes: %w", err)
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unknown cipher %q", c)
	}
}

// An Envelope is the base64 text encoding of a sealed value.
type Envelope string

// Seal encrypts plaintext with aead under a fresh nonce from ns, binding the
// associated data extra, and returns the encoded envelope.
func Seal(aead cipher.AEAD, ns *NonceSource, plaintext, extra []byte) (Envelope, error) {
	if aead.NonceSize() != NonceLen || aead.Overhead() != TagLen {
		return "", fmt.Errorf("unsupported aead: nonce %d, tag %d", aead.NonceSize(), aead.Overhead())
	}
	buf := make([]byte, NonceLen, NonceLen+len(plaintext)+TagLen)
	if err := ns.Next(buf); err != nil {
		return "", err
	}
	sealed := aead.Seal(buf, buf, plaintext, extra)
	return Envelope(base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decodes and authenticates env with aead and the associated data extra,
// and returns the plaintext. A decoding failure reports ErrMalformed; an
// authentication failure reports ErrAuthFailed and no plaintext.
func Open(aead cipher.AEAD, env Envelope, extra []byte) ([]byte, error) {
	nonce, body, err := env.Split()
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, body, extra)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

// Split decodes env and returns its nonce and its ciphertext with the tag
// attached.
func (env Envelope) Split() (nonce, body []byte, _ error) {
	raw, err := base64.StdEncoding.DecodeString(string(env))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < MinLen {
		return nil, nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformed, len(raw), MinLen)
	}
	return raw[:NonceLen], raw[NonceLen:], nil
}

// Len reports the decoded length of env in bytes, or -1 if env is not valid
// base64.
func (env Envelope) Len() int {
	n, err := base64.StdEncoding.DecodeString(string(env))
	if err != nil {
		return -1
	}
	return len(n)
}
