package sealbox

import (
	"errors"
	"fmt"

	"github.com/creachadair/sealbox/envelope"
	"github.com/creachadair/sealbox/lzw"
)

var (
	// ErrInit is wrapped by errors from Initialize. The engine is not made
	// ready by an initialization that reports an error.
	ErrInit = errors.New("initialization failed")

	// ErrNotInitialized is reported by operations that require a key when the
	// engine has not been initialized, or has been locked.
	ErrNotInitialized = errors.New("engine is not initialized")

	// ErrAuthenticationFailed is reported when an envelope does not
	// authenticate: the key is wrong, or the stored data were modified.
	ErrAuthenticationFailed = envelope.ErrAuthFailed

	// ErrMalformedEnvelope is reported when an envelope is not valid base64,
	// or is too short to be an envelope.
	ErrMalformedEnvelope = envelope.ErrMalformed

	// ErrMalformedStream is reported when a value marked as compressed does
	// not contain a valid compressed stream.
	ErrMalformedStream = lzw.ErrMalformedStream

	// ErrMalformedRecord is reported when a stored record cannot be decoded.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrNotStructured is reported by Plaintext.Unmarshal for a raw value.
	ErrNotStructured = errors.New("value is not structured")

	// ErrEmptyName is reported by Vault methods given an empty record name.
	ErrEmptyName = errors.New("empty record name")

	// ErrInvalidName is reported by Vault methods given a record name that is
	// not valid UTF-8. Such names cannot be stored faithfully by every backend.
	ErrInvalidName = errors.New("record name is not valid UTF-8")
)

// OpError is the concrete type of errors reported by Vault operations.
type OpError struct {
	Op  string // the operation, e.g., "store", "retrieve"
	Key string // the record name, if applicable
	Err error  // the underlying error
}

// Error satisfies the error interface.
func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error { return e.Err }

func opError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Key: key, Err: err}
}
