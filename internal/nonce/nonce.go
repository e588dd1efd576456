// ABOUTME: Challenge nonce generation from a cryptographically secure source
// ABOUTME: Nonces are 32 random bytes, sent base64 (std, padded) in challenge frames

package nonce

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Size is the length of a challenge nonce in bytes.
const Size = 32

// Nonce is one challenge value.
type Nonce [Size]byte

// String returns the wire encoding of n.
func (n Nonce) String() string {
	return base64.StdEncoding.EncodeToString(n[:])
}

// Generator produces nonces.
type Generator func() (Nonce, error)

// New returns a generator reading from r. A short read is an error.
func New(r io.Reader) Generator {
	return func() (Nonce, error) {
		var n Nonce
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return Nonce{}, fmt.Errorf("reading nonce entropy: %w", err)
		}
		return n, nil
	}
}

// Generate draws a nonce from crypto/rand.
func Generate() (Nonce, error) {
	return New(rand.Reader)()
}
