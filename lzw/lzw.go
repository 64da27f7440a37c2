// Package lzw implements the dictionary compression pass applied to values
// before they are encrypted.
//
// The encoder is a textbook LZW coder over bytes. Codes 0-255 denote single
// bytes, and each multi-byte phrase learned while scanning the input is
// assigned the next code starting from 256. Codes are written as unsigned
// varints, and the resulting byte stream is base64-encoded so that the output
// is plain text.
//
// The dictionary is not shared between calls: each input is compressed with a
// fresh dictionary, and the decoder rebuilds the same dictionary as it reads.
package lzw

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxCodes is the number of codes the dictionary may hold, including the 256
// single-byte codes. Once the dictionary is full, no new phrases are added.
const MaxCodes = 1 << 20

// firstPhrase is the first code assigned to a multi-byte phrase.
const firstPhrase = 256

// ErrMalformedStream is reported by Decompress when its input is not a valid
// code stream, for example because it was truncated or modified.
var ErrMalformedStream = errors.New("malformed compressed stream")

// Compress returns the compressed encoding of text.
// Compressing an empty string returns an empty string.
func Compress(text string) string {
	if text == "" {
		return ""
	}
	dict := make(map[string]uint64)
	code := func(p string) uint64 {
		if len(p) == 1 {
			return uint64(p[0])
		}
		return dict[p]
	}

	var out []byte
	next := uint64(firstPhrase)
	w := text[:1]
	for i := 1; i < len(text); i++ {
		wc := text[i-len(w) : i+1]
		if _, ok := dict[wc]; ok {
			w = wc
			continue
		}
		out = binary.AppendUvarint(out, code(w))
		if next < MaxCodes {
			dict[wc] = next
			next++
		}
		w = text[i : i+1]
	}
	out = binary.AppendUvarint(out, code(w))
	return base64.StdEncoding.EncodeToString(out)
}

// Decompress decodes a string produced by Compress. If the input is not a
// valid encoding, Decompress reports an error wrapping ErrMalformedStream.
// Only the minimal varint encoding of each code is accepted.
func Decompress(stream string) (string, error) {
	if stream == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(stream)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedStream, err)
	}

	var phrases []string // phrases[i] has code firstPhrase+i
	var out []byte
	var prev string
	var vbuf [binary.MaxVarintLen64]byte
	for pos := 0; pos < len(raw); {
		c, n := binary.Uvarint(raw[pos:])
		if n <= 0 {
			return "", fmt.Errorf("%w: invalid code at offset %d", ErrMalformedStream, pos)
		} else if binary.PutUvarint(vbuf[:], c) != n {
			// Each code has exactly one encoding; reject padded varints.
			return "", fmt.Errorf("%w: non-minimal code at offset %d", ErrMalformedStream, pos)
		}
		pos += n

		next := uint64(firstPhrase + len(phrases))
		var entry string
		switch {
		case c < firstPhrase:
			entry = string([]byte{byte(c)})
		case c < next:
			entry = phrases[c-firstPhrase]
		case c == next && prev != "" && next < MaxCodes:
			entry = prev + prev[:1]
		default:
			return "", fmt.Errorf("%w: code %d is not defined at offset %d", ErrMalformedStream, c, pos-n)
		}
		out = append(out, entry...)

		if prev != "" && next < MaxCodes {
			phrases = append(phrases, prev+entry[:1])
		}
		prev = entry
	}
	return string(out), nil
}

// Ratio reports the size of the compressed encoding of text relative to the
// size of text itself. It returns 1 for empty input.
func Ratio(text string) float64 {
	if text == "" {
		return 1
	}
	return float64(len(Compress(text))) / float64(len(text))
}
