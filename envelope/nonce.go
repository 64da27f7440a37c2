package envelope

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrNonceExhausted is reported by a NonceSource that has issued all the
// nonces its counter can represent.
var ErrNonceExhausted = errors.New("nonce counter exhausted")

// A NonceSource issues envelope nonces. Each nonce is 8 random bytes followed
// by a 4-byte big-endian counter. The counter starts at a random value and
// increases by one for every nonce issued, so two nonces from the same source
// never collide even if the random generator repeats itself. A source refuses
// to issue more nonces once its counter would wrap.
//
// A NonceSource is safe for concurrent use by multiple goroutines.
type NonceSource struct {
	μ      sync.Mutex
	ctr    uint32
	issued uint64
}

// NewNonceSource constructs a NonceSource with a counter seeded from
// crypto/rand.
func NewNonceSource() (*NonceSource, error) {
	var seed [4]byte
	if _, err := io.ReadFull(crand.Reader, seed[:]); err != nil {
		return nil, fmt.Errorf("seed nonce counter: %w", err)
	}
	return &NonceSource{ctr: binary.BigEndian.Uint32(seed[:])}, nil
}

// Next fills nonce, which must be NonceLen bytes, with a fresh nonce.
func (n *NonceSource) Next(nonce []byte) error {
	if len(nonce) != NonceLen {
		return fmt.Errorf("nonce buffer is %d bytes, want %d", len(nonce), NonceLen)
	}
	n.μ.Lock()
	if n.issued > 0xffffffff {
		n.μ.Unlock()
		return ErrNonceExhausted
	}
	ctr := n.ctr
	n.ctr++
	n.issued++
	n.μ.Unlock()

	if _, err := io.ReadFull(crand.Reader, nonce[:8]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	binary.BigEndian.PutUint32(nonce[8:], ctr)
	return nil
}
