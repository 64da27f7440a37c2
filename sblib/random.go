package sblib

import (
	crand "crypto/rand"
	"encoding/binary"
	"io"
)

// Charset is a bit mask specifying which characters to use in a random
// secret. A Charset always includes letters.
type Charset int

const (
	// Letters denotes the capital and lowercase ASCII English letters.
	Letters Charset = 0

	// Digits denotes the set of ASCII decimal digits.
	Digits Charset = 1

	// Symbols denotes a set of ASCII punctuation symbols.
	Symbols Charset = 2

	// AllChars denotes a combination of letters, digits, and symbols.
	AllChars = Letters | Digits | Symbols
)

// MinSecretLength is the shortest secret RandomSecret will generate.
const MinSecretLength = 8

// RandomSecret returns a new randomly-generated secret of the given length
// using the specified character types. A length below MinSecretLength is
// raised to that minimum.
func RandomSecret(length int, charset Charset) string {
	length = max(length, MinSecretLength)
	out := make([]byte, length)
	fillRandom(out, expandCharset(charset), crand.Reader)
	return string(out)
}

const (
	rsLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz" // 52 letters
	rsDigits  = "0123456789"                                           // 10 digits
	rsSymbols = `!#$%&()*+,-./:;<=>?@[]^_{|}~`                         // 28 symbols

	// Symbols omit space, quotes, backquote, and backslash, which are awkward
	// to paste into shells and forms.

	// The number of entropy bits charged for each character. This is enough
	// for any subset of the alphabets above: log2(52+10+28) < 7.
	bitsPerChar = 7
)

// fillRandom populates out with characters from chars using rng as the
// source of randomness. It panics if rng fails.
func fillRandom(out []byte, chars string, rng io.Reader) {
	clen := uint64(len(chars))

	var bits uint64 // entropy bits
	var nb int      // unconsumed entropy count
	var buf [8]byte
	for i := range out {
		if nb < bitsPerChar {
			if _, err := io.ReadFull(rng, buf[:]); err != nil {
				panic(err)
			}
			bits, nb = binary.LittleEndian.Uint64(buf[:]), 64
		}
		out[i] = chars[int(bits%clen)]
		bits /= clen
		nb -= bitsPerChar
	}
}

func expandCharset(c Charset) string {
	chars := rsLetters
	if c&Digits != 0 {
		chars += rsDigits
	}
	if c&Symbols != 0 {
		chars += rsSymbols
	}
	return chars
}
