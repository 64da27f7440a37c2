package sealbox

import (
	"bytes"
	"encoding/json"
)

// Kind distinguishes the forms of a decrypted Plaintext.
type Kind int

const (
	// Structured marks a value that decoded as JSON.
	Structured Kind = iota + 1

	// Raw marks a value that is not valid JSON. This arises for values stored
	// as a RawString, including legacy values written by older tools.
	Raw
)

func (k Kind) String() string {
	switch k {
	case Structured:
		return "structured"
	case Raw:
		return "raw"
	default:
		return "invalid"
	}
}

// A Plaintext is a decrypted value. If its Kind is Structured, its text is
// JSON; otherwise it is an arbitrary string.
type Plaintext struct {
	Kind Kind
	text string
}

// RawString is a value that is stored as its literal text rather than being
// encoded as JSON. When decrypted, it is reported as Raw unless the text
// happens to be valid JSON.
type RawString string

func newPlaintext(text []byte) Plaintext {
	if json.Valid(text) {
		return Plaintext{Kind: Structured, text: string(text)}
	}
	return Plaintext{Kind: Raw, text: string(text)}
}

// StructuredValue returns a Structured plaintext holding the JSON encoding of
// v. It is useful for constructing expected values in tests.
func StructuredValue(v any) (Plaintext, error) {
	text, err := marshalValue(v)
	if err != nil {
		return Plaintext{}, err
	}
	return newPlaintext(text), nil
}

// IsZero reports whether p is the zero Plaintext.
func (p Plaintext) IsZero() bool { return p.Kind == 0 }

// String returns the text of p: the JSON encoding of a Structured value, or
// the literal content of a Raw value.
func (p Plaintext) String() string { return p.text }

// JSON returns the JSON text of a Structured value, or nil for a Raw value.
func (p Plaintext) JSON() json.RawMessage {
	if p.Kind != Structured {
		return nil
	}
	return json.RawMessage(p.text)
}

// Unmarshal decodes a Structured value into v. It reports ErrNotStructured
// if p is not Structured.
func (p Plaintext) Unmarshal(v any) error {
	if p.Kind != Structured {
		return ErrNotStructured
	}
	return json.Unmarshal([]byte(p.text), v)
}

// Value returns the decoded content of p. For a Structured value this is the
// result of decoding the JSON into an empty interface; for a Raw value it is
// the string itself.
func (p Plaintext) Value() any {
	if p.Kind != Structured {
		return p.text
	}
	var v any
	if err := json.Unmarshal([]byte(p.text), &v); err != nil {
		return p.text // not reachable for a valid Structured value
	}
	return v
}

// marshalValue returns the stored text for v. A RawString or Plaintext is
// stored as its text; other values are encoded as JSON without HTML escaping.
func marshalValue(v any) ([]byte, error) {
	switch t := v.(type) {
	case RawString:
		return []byte(t), nil
	case Plaintext:
		return []byte(t.text), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
