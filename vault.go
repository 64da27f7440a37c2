package sealbox

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/creachadair/sealbox/storage"
)

// RecordPrefix is the backend key prefix under which vault records are stored.
const RecordPrefix = "sealbox/record/"

// VaultOptions are optional settings for a Vault. A nil *VaultOptions is
// ready for use and provides default values.
type VaultOptions struct {
	// If true, values are not compressed before encryption.
	NoCompress bool
}

// A Vault is a key-value store of encrypted records. Values are encrypted by
// an Engine and kept in the backend of that engine, so the engine must be
// initialized before any vault operation that reads or writes values.
//
// A Vault is safe for concurrent use by multiple goroutines.
type Vault struct {
	e        *Engine
	db       storage.Backend
	compress bool

	μ sync.RWMutex // serializes mutations
}

// NewVault constructs a Vault that stores records through e.
func NewVault(e *Engine, opts *VaultOptions) *Vault {
	return &Vault{
		e:        e,
		db:       e.backend,
		compress: opts == nil || !opts.NoCompress,
	}
}

// Engine returns the engine used by v.
func (v *Vault) Engine() *Engine { return v.e }

// record is the stored encoding of a single vault entry.
type record = Sealed

func recordKey(name string) string { return RecordPrefix + name }

// checkName reports whether name is usable as a record name.
func checkName(name string) error {
	if name == "" {
		return ErrEmptyName
	} else if !utf8.ValidString(name) {
		return ErrInvalidName
	}
	return nil
}

// Store encrypts value and stores it under name, replacing any previous
// value. A RawString is stored as its literal text; any other value must be
// JSON-marshalable. Errors are reported as *OpError.
func (v *Vault) Store(ctx context.Context, name string, value any) error {
	if err := checkName(name); err != nil {
		return opError("store", name, err)
	}
	v.μ.Lock()
	defer v.μ.Unlock()
	return opError("store", name, v.storeLocked(ctx, name, value))
}

func (v *Vault) storeLocked(ctx context.Context, name string, value any) error {
	data, err := v.sealRecord(name, value)
	if err != nil {
		return err
	}
	return v.db.Put(ctx, recordKey(name), data)
}

// sealRecord encrypts value as the record for name, and returns the encoded
// record ready to be written to storage.
func (v *Vault) sealRecord(name string, value any) ([]byte, error) {
	rec, err := v.e.seal(value, v.compress, []byte(recordKey(name)))
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// Retrieve returns the decrypted value stored under name. If no value is
// stored, Retrieve returns a zero Plaintext and false, without error.
// A record that fails to decrypt or decode reports an error, and Retrieve
// returns no plaintext. Errors are reported as *OpError.
func (v *Vault) Retrieve(ctx context.Context, name string) (Plaintext, bool, error) {
	if err := checkName(name); err != nil {
		return Plaintext{}, false, opError("retrieve", name, err)
	}
	v.μ.RLock()
	defer v.μ.RUnlock()
	p, ok, err := v.retrieveLocked(ctx, name)
	return p, ok, opError("retrieve", name, err)
}

func (v *Vault) retrieveLocked(ctx context.Context, name string) (Plaintext, bool, error) {
	if !v.e.Ready() {
		return Plaintext{}, false, ErrNotInitialized
	}
	data, err := v.db.Get(ctx, recordKey(name))
	if errors.Is(err, storage.ErrNotFound) {
		return Plaintext{}, false, nil
	} else if err != nil {
		return Plaintext{}, false, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Plaintext{}, false, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	p, err := v.e.open(rec.Envelope, rec.Compressed, []byte(recordKey(name)))
	if err != nil {
		return Plaintext{}, false, err
	}
	return p, true, nil
}

// Delete removes the value stored under name. The stored record is first
// overwritten with random bytes of the same length, then removed, in one
// backend batch so that a failure leaves the record intact. Deleting a
// name that is not present is not an error. Delete does not require the
// engine to be initialized. Errors are reported as *OpError.
//
// Overwriting is best-effort: backends may retain older copies of the data
// (for example in a journal or free pages) that this does not reach.
func (v *Vault) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return opError("delete", name, err)
	}
	v.μ.Lock()
	defer v.μ.Unlock()

	return opError("delete", name, v.deleteLocked(ctx, recordKey(name)))
}

func (v *Vault) deleteLocked(ctx context.Context, key string) error {
	old, err := v.db.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	junk, err := junkLike(old)
	if err != nil {
		return err
	}
	return v.db.Apply(ctx, []storage.Op{storage.PutOp(key, junk), storage.DeleteOp(key)})
}

// junkLike returns a slice of random bytes the same length as old.
func junkLike(old []byte) ([]byte, error) {
	junk := make([]byte, len(old))
	if _, err := io.ReadFull(crand.Reader, junk); err != nil {
		return nil, fmt.Errorf("generate overwrite: %w", err)
	}
	return junk, nil
}

// Keys returns the names of all stored records in lexicographic order.
func (v *Vault) Keys(ctx context.Context) ([]string, error) {
	v.μ.RLock()
	defer v.μ.RUnlock()
	names, err := v.keysLocked(ctx)
	return names, opError("list", "", err)
}

func (v *Vault) keysLocked(ctx context.Context) ([]string, error) {
	keys, err := v.db.List(ctx, RecordPrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = strings.TrimPrefix(k, RecordPrefix)
	}
	return names, nil
}
