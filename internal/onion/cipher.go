package onion

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const streamInfo = "onionsocks stream v1"

// HopCipher is one layer of the data stream. Forward runs toward the exit,
// Backward toward the client. Each direction is a single keystream, so both
// ends must process the same bytes in the same order.
type HopCipher struct {
	fwd *chacha20.Cipher
	bwd *chacha20.Cipher
}

func NewHopCipher(session [keySize]byte) (*HopCipher, error) {
	kdf := hkdf.New(sha256.New, session[:], nil, []byte(streamInfo))
	var keys [2 * chacha20.KeySize]byte
	if _, err := io.ReadFull(kdf, keys[:]); err != nil {
		return nil, fmt.Errorf("derive stream keys: %w", err)
	}

	// Every session key is fresh, so a zero nonce never repeats under a key.
	var nonce [chacha20.NonceSize]byte
	fwd, err := chacha20.NewUnauthenticatedCipher(keys[:chacha20.KeySize], nonce[:])
	if err != nil {
		return nil, err
	}
	bwd, err := chacha20.NewUnauthenticatedCipher(keys[chacha20.KeySize:], nonce[:])
	if err != nil {
		return nil, err
	}
	return &HopCipher{fwd: fwd, bwd: bwd}, nil
}

// Forward adds or removes this layer on client-to-exit bytes, in place.
func (h *HopCipher) Forward(p []byte) {
	h.fwd.XORKeyStream(p, p)
}

// Backward adds or removes this layer on exit-to-client bytes, in place.
func (h *HopCipher) Backward(p []byte) {
	h.bwd.XORKeyStream(p, p)
}

// CircuitCipher holds every layer of a circuit, in path order.
type CircuitCipher struct {
	hops []*HopCipher
}

func NewCircuitCipher(keys [][keySize]byte) (*CircuitCipher, error) {
	c := &CircuitCipher{hops: make([]*HopCipher, len(keys))}
	for i, k := range keys {
		h, err := NewHopCipher(k)
		if err != nil {
			return nil, err
		}
		c.hops[i] = h
	}
	return c, nil
}

// Seal wraps client bytes in every layer, exit layer innermost.
func (c *CircuitCipher) Seal(p []byte) {
	for i := len(c.hops) - 1; i >= 0; i-- {
		c.hops[i].Forward(p)
	}
}

// Open strips every layer from bytes coming back from the entry hop.
func (c *CircuitCipher) Open(p []byte) {
	for _, h := range c.hops {
		h.Backward(p)
	}
}
