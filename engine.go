// Package sealbox implements passphrase-keyed authenticated encryption for
// values at rest, and a key-value store of encrypted records built on it.
//
// An Engine derives a master key from a passphrase and a per-installation
// salt, and uses it to encrypt and decrypt JSON-serializable values. A Vault
// stores named values through an Engine into a storage.Backend, and supports
// backup and restore of the whole collection.
//
// # Storage Format
//
// The salt is 32 random bytes, stored base64-encoded under the backend key
// "sealbox/salt". It is created by the first initialization and never changes
// afterward; replacing it makes all existing data unreadable.
//
// Each record is stored under "sealbox/record/<name>" as a JSON object:
//
//	{
//	   "envelope":   "<base64-encoded-envelope>",
//	   "compressed": true
//	}
//
// The envelope holds nonce || ciphertext || tag (see package envelope). The
// compressed flag records whether the plaintext was passed through the LZW
// pass (see package lzw) before encryption, and must accompany the envelope
// since it cannot be recovered otherwise. Records are encrypted with the
// storage key of the record as associated data, so a record copied to a
// different name does not decrypt.
package sealbox

import (
	"context"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/creachadair/mds/mbits"
	"github.com/creachadair/sealbox/envelope"
	"github.com/creachadair/sealbox/lzw"
	"github.com/creachadair/sealbox/storage"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltKey is the backend key under which the key derivation salt is stored.
	SaltKey = "sealbox/salt"

	// SaltLen is the length in bytes of the key derivation salt.
	SaltLen = 32

	// DefaultIterations is the default PBKDF2 iteration count.
	DefaultIterations = 100_000

	// MinIterations is the smallest PBKDF2 iteration count accepted.
	MinIterations = 1000
)

// Envelope is an alias for envelope.Envelope so that callers need not import
// the envelope package directly.
type Envelope = envelope.Envelope

// Sealed is the result of encrypting a value: the envelope, and whether the
// value was compressed before encryption. Both must be kept to decrypt it.
type Sealed struct {
	Envelope   Envelope `json:"envelope"`
	Compressed bool     `json:"compressed"`
}

// State is the lifecycle state of an Engine.
type State int

const (
	// Uninitialized means the engine has no key.
	Uninitialized State = iota

	// Ready means the engine has a key and can encrypt and decrypt.
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "uninitialized"
}

// Options are optional settings for an Engine. A nil *Options is ready for
// use and provides default values.
type Options struct {
	// Iterations is the PBKDF2 iteration count. If zero, DefaultIterations is
	// used. The same value must be used every time a given store is opened.
	Iterations int

	// Cipher selects the AEAD construction. If empty, envelope.AES256GCM.
	Cipher envelope.Cipher

	// Logger, if non-nil, receives diagnostic logs. Secrets are never logged.
	Logger *slog.Logger
}

func (o *Options) iterations() int {
	if o == nil || o.Iterations == 0 {
		return DefaultIterations
	}
	return o.Iterations
}

func (o *Options) cipher() envelope.Cipher {
	if o == nil || o.Cipher == "" {
		return envelope.AES256GCM
	}
	return o.Cipher
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.Logger
}

// An Engine encrypts and decrypts values with a key derived from a
// passphrase. An Engine is created uninitialized; call Initialize to derive
// its key. An Engine is safe for concurrent use by multiple goroutines.
type Engine struct {
	backend storage.Backend
	iter    int
	cipher  envelope.Cipher
	log     *slog.Logger

	μ      sync.RWMutex
	key    *memguard.LockedBuffer // nil unless ready
	nonces *envelope.NonceSource  // nil unless ready
}

// NewEngine constructs an uninitialized Engine whose salt is kept in b.
func NewEngine(b storage.Backend, opts *Options) (*Engine, error) {
	if b == nil {
		return nil, errors.New("nil storage backend")
	}
	e := &Engine{
		backend: b,
		iter:    opts.iterations(),
		cipher:  opts.cipher(),
		log:     opts.logger(),
	}
	if e.iter < MinIterations {
		return nil, fmt.Errorf("iteration count %d is below the minimum %d", e.iter, MinIterations)
	}
	if !e.cipher.Valid() {
		return nil, fmt.Errorf("unknown cipher %q", e.cipher)
	}
	return e, nil
}

// Initialize derives the engine key from passphrase and the stored salt. If
// no salt is stored, Initialize generates one and stores it before deriving
// the key. On success the engine is Ready, replacing any previous key. If
// Initialize fails, the reported error wraps ErrInit and the state of the
// engine is unchanged.
//
// Initialize does not verify the passphrase: a wrong passphrase yields a key
// that fails to authenticate existing data.
func (e *Engine) Initialize(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("%w: empty passphrase", ErrInit)
	}
	salt, err := e.loadSalt(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInit, err)
	}
	nonces, err := envelope.NewNonceSource()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInit, err)
	}

	pp := []byte(passphrase)
	raw := pbkdf2.Key(pp, salt, e.iter, envelope.KeyLen, sha256.New)
	mbits.Zero(pp)
	key := memguard.NewBufferFromBytes(raw) // wipes raw

	e.μ.Lock()
	old := e.key
	e.key, e.nonces = key, nonces
	e.μ.Unlock()
	if old != nil {
		old.Destroy()
	}
	e.log.Info("engine initialized", "iterations", e.iter, "cipher", string(e.cipher))
	return nil
}

// loadSalt returns the stored salt, creating and storing a new one if none
// exists. A stored salt that cannot be decoded is an error, never replaced.
func (e *Engine) loadSalt(ctx context.Context) ([]byte, error) {
	enc, err := e.backend.Get(ctx, SaltKey)
	if errors.Is(err, storage.ErrNotFound) {
		salt := make([]byte, SaltLen)
		if _, err := io.ReadFull(crand.Reader, salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		// N.B. The salt must be durable before any key derived from it is used.
		if err := e.backend.Put(ctx, SaltKey, []byte(base64.StdEncoding.EncodeToString(salt))); err != nil {
			return nil, fmt.Errorf("store salt: %w", err)
		}
		e.log.Info("created new salt")
		return salt, nil
	} else if err != nil {
		return nil, fmt.Errorf("load salt: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(string(enc))
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	} else if len(salt) != SaltLen {
		return nil, fmt.Errorf("stored salt is %d bytes, want %d", len(salt), SaltLen)
	}
	return salt, nil
}

// Lock discards the engine key and returns it to the Uninitialized state.
// Locking an uninitialized engine does nothing.
func (e *Engine) Lock() {
	e.μ.Lock()
	key := e.key
	e.key, e.nonces = nil, nil
	e.μ.Unlock()
	if key != nil {
		key.Destroy()
		e.log.Info("engine locked")
	}
}

// State reports the current state of e.
func (e *Engine) State() State {
	e.μ.RLock()
	defer e.μ.RUnlock()
	if e.key == nil {
		return Uninitialized
	}
	return Ready
}

// Ready reports whether e is in the Ready state.
func (e *Engine) Ready() bool { return e.State() == Ready }

// Encrypt encodes value and encrypts it, compressing the encoding first if
// compress is true. A RawString is stored as its literal text; any other
// value must be JSON-marshalable. Each call uses a fresh nonce, so encrypting
// the same value twice gives different envelopes.
func (e *Engine) Encrypt(value any, compress bool) (Sealed, error) {
	return e.seal(value, compress, nil)
}

// Decrypt decrypts env, reversing the compression pass if wasCompressed is
// true. An envelope that does not authenticate reports
// ErrAuthenticationFailed, and no plaintext is returned.
func (e *Engine) Decrypt(env Envelope, wasCompressed bool) (Plaintext, error) {
	return e.open(env, wasCompressed, nil)
}

func (e *Engine) seal(value any, compress bool, extra []byte) (Sealed, error) {
	if !e.Ready() {
		return Sealed{}, ErrNotInitialized
	}
	text, err := marshalValue(value)
	if err != nil {
		return Sealed{}, fmt.Errorf("encode value: %w", err)
	}
	if compress {
		ctext := []byte(lzw.Compress(string(text)))
		mbits.Zero(text)
		text = ctext
	}
	defer mbits.Zero(text)

	e.μ.RLock()
	defer e.μ.RUnlock()
	if e.key == nil {
		return Sealed{}, ErrNotInitialized // locked concurrently
	}
	aead, err := e.cipher.New(e.key.Bytes())
	if err != nil {
		return Sealed{}, fmt.Errorf("initialize cipher: %w", err)
	}
	env, err := envelope.Seal(aead, e.nonces, text, extra)
	if err != nil {
		return Sealed{}, fmt.Errorf("encrypt: %w", err)
	}
	return Sealed{Envelope: env, Compressed: compress}, nil
}

func (e *Engine) open(env Envelope, wasCompressed bool, extra []byte) (Plaintext, error) {
	plain, err := e.openBytes(env, extra)
	if err != nil {
		return Plaintext{}, err
	}
	defer mbits.Zero(plain)
	if !wasCompressed {
		return newPlaintext(plain), nil
	}
	text, err := lzw.Decompress(string(plain))
	if err != nil {
		return Plaintext{}, fmt.Errorf("decompress: %w", err)
	}
	return newPlaintext([]byte(text)), nil
}

func (e *Engine) openBytes(env Envelope, extra []byte) ([]byte, error) {
	e.μ.RLock()
	defer e.μ.RUnlock()
	if e.key == nil {
		return nil, ErrNotInitialized
	}
	aead, err := e.cipher.New(e.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("initialize cipher: %w", err)
	}
	plain, err := envelope.Open(aead, env, extra)
	if errors.Is(err, envelope.ErrAuthFailed) {
		e.log.Warn("envelope failed authentication", "envelope_len", len(env))
	}
	return plain, err
}
