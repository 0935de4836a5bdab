// Package onion builds and peels layered envelopes and holds the per-hop
// stream ciphers of a circuit.
//
// A layer is sealed anonymously to one hop's public key. Its plaintext is
//
//	version(1) kind(1) session-key(32) address(SOCKS5 ATYP form) rest
//
// where rest is the next hop's sealed layer for a relay layer and the raw
// payload for the exit layer. The address is the next hop for a relay and
// the real destination for the exit. Nothing else travels in a layer, so a
// hop learns its own instruction and nothing about the rest of the path.
package onion

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"onionsocks/internal/domain"
	"onionsocks/internal/socks5"
)

const layerVersion byte = 1

const keySize = 32

type Kind byte

const (
	KindRelay Kind = 1
	KindExit  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRelay:
		return "relay"
	case KindExit:
		return "exit"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

var (
	ErrUndecryptable  = errors.New("layer does not open with this identity")
	ErrMalformedLayer = errors.New("malformed layer")
	ErrLayerTooLarge  = errors.New("layer too large")
	ErrNoHops         = errors.New("no hops")
	ErrLayerCount     = errors.New("layer count does not match path")
)

// Envelope is one sealed layer. It is immutable: peeling returns a new,
// shorter envelope.
type Envelope struct {
	sealed []byte
}

// EnvelopeFrom copies b.
func EnvelopeFrom(b []byte) Envelope {
	return Envelope{sealed: bytes.Clone(b)}
}

// Bytes returns a copy of the sealed layer.
func (e Envelope) Bytes() []byte {
	return bytes.Clone(e.sealed)
}

func (e Envelope) Len() int {
	return len(e.sealed)
}

// Instruction is what one hop learns by peeling its layer.
type Instruction struct {
	Kind Kind
	// Next is the next hop (relay) or the destination (exit).
	Next socks5.Addr
	Key  [keySize]byte
	// Inner is the next hop's layer; relay only.
	Inner Envelope
	// Payload is the initial data for the destination; exit only.
	Payload []byte
}

// Build seals dest and payload for the last hop, then wraps that for each
// earlier hop. It returns the outermost envelope and the session key of
// every hop, in path order.
func Build(hops []domain.Node, dest socks5.Addr, payload []byte, random io.Reader) (Envelope, [][keySize]byte, error) {
	if len(hops) == 0 {
		return Envelope{}, nil, ErrNoHops
	}
	if random == nil {
		random = rand.Reader
	}

	keys := make([][keySize]byte, len(hops))
	for i := range keys {
		if _, err := io.ReadFull(random, keys[i][:]); err != nil {
			return Envelope{}, nil, fmt.Errorf("session key: %w", err)
		}
	}

	last := len(hops) - 1
	plain := appendHeader(nil, KindExit, keys[last], dest)
	plain = append(plain, payload...)
	sealed, err := seal(plain, hops[last], random)
	if err != nil {
		return Envelope{}, nil, err
	}

	for i := last - 1; i >= 0; i-- {
		next := socks5.AddrFromAddrPort(hops[i+1].Addr)
		plain = appendHeader(plain[:0], KindRelay, keys[i], next)
		plain = append(plain, sealed...)
		if sealed, err = seal(plain, hops[i], random); err != nil {
			return Envelope{}, nil, err
		}
	}
	return Envelope{sealed: sealed}, keys, nil
}

func appendHeader(b []byte, kind Kind, key [keySize]byte, addr socks5.Addr) []byte {
	b = append(b, layerVersion, byte(kind))
	b = append(b, key[:]...)
	return socks5.AppendAddr(b, addr)
}

func seal(plain []byte, hop domain.Node, random io.Reader) ([]byte, error) {
	out, err := box.SealAnonymous(nil, plain, &hop.PublicKey, random)
	if err != nil {
		return nil, fmt.Errorf("seal layer for %s: %w", hop, err)
	}
	if len(out) > socks5.MaxLayer {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrLayerTooLarge, len(out), hop)
	}
	return out, nil
}

func open(env Envelope, id *Identity) ([]byte, error) {
	plain, ok := box.OpenAnonymous(nil, env.sealed, &id.Public, &id.private)
	if !ok {
		return nil, domain.ProtocolError("peel", ErrUndecryptable)
	}
	return plain, nil
}

// Peel opens exactly one layer. Any failure is a protocol error and the
// caller must drop the connection.
func Peel(env Envelope, id *Identity) (Instruction, error) {
	plain, err := open(env, id)
	if err != nil {
		return Instruction{}, err
	}
	return parseLayer(plain)
}

func parseLayer(plain []byte) (Instruction, error) {
	malformed := func(format string, args ...any) error {
		return domain.ProtocolError("peel", fmt.Errorf("%w: "+format, append([]any{ErrMalformedLayer}, args...)...))
	}

	if len(plain) < 2+keySize {
		return Instruction{}, malformed("%d bytes", len(plain))
	}
	if plain[0] != layerVersion {
		return Instruction{}, malformed("version %d", plain[0])
	}

	ins := Instruction{Kind: Kind(plain[1])}
	copy(ins.Key[:], plain[2:2+keySize])

	next, n, err := socks5.DecodeAddr(plain[2+keySize:])
	if errors.Is(err, domain.ErrNeedMore) {
		return Instruction{}, malformed("truncated address")
	}
	if err != nil {
		return Instruction{}, domain.ProtocolError("peel", fmt.Errorf("%w: %w", ErrMalformedLayer, err))
	}
	ins.Next = next
	rest := plain[2+keySize+n:]

	switch ins.Kind {
	case KindRelay:
		if len(rest) == 0 {
			return Instruction{}, malformed("relay layer without inner envelope")
		}
		if next.IsDomain() {
			return Instruction{}, malformed("relay hop must be an IP address")
		}
		ins.Inner = EnvelopeFrom(rest)
	case KindExit:
		ins.Payload = bytes.Clone(rest)
	default:
		return Instruction{}, malformed("kind %d", plain[1])
	}
	return ins, nil
}

// Unwrap peels env once per identity, in path order, and returns the
// destination and payload. It fails unless the last identity opens the
// exit layer and no earlier one does.
func Unwrap(env Envelope, ids ...*Identity) (socks5.Addr, []byte, error) {
	if len(ids) == 0 {
		return socks5.Addr{}, nil, ErrNoHops
	}
	for i, id := range ids {
		ins, err := Peel(env, id)
		if err != nil {
			return socks5.Addr{}, nil, fmt.Errorf("hop %d: %w", i+1, err)
		}
		last := i == len(ids)-1
		switch {
		case ins.Kind == KindExit && last:
			return ins.Next, ins.Payload, nil
		case ins.Kind == KindExit:
			return socks5.Addr{}, nil, fmt.Errorf("%w: exit layer at hop %d of %d", ErrLayerCount, i+1, len(ids))
		case last:
			return socks5.Addr{}, nil, fmt.Errorf("%w: relay layer at final hop %d", ErrLayerCount, i+1)
		}
		env = ins.Inner
	}
	return socks5.Addr{}, nil, ErrLayerCount
}
