package onion

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"

	"github.com/google/uuid"

	"onionsocks/internal/domain"
	"onionsocks/internal/socks5"
)

// DefaultLength is the circuit length used when none is configured.
const DefaultLength = 3

var ErrNotEnoughNodes = errors.New("not enough nodes for a circuit")

// SelectPath picks n distinct nodes uniformly at random, in path order.
// Nodes sharing an address count once. A nil rng uses the global source.
func SelectPath(nodes []domain.Node, n int, rng *mrand.Rand) ([]domain.Node, error) {
	if n < 1 {
		return nil, fmt.Errorf("circuit length %d: %w", n, ErrNotEnoughNodes)
	}

	seen := make(map[string]struct{}, len(nodes))
	distinct := make([]domain.Node, 0, len(nodes))
	for _, node := range nodes {
		if _, ok := seen[node.Key()]; ok {
			continue
		}
		seen[node.Key()] = struct{}{}
		distinct = append(distinct, node)
	}
	if len(distinct) < n {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrNotEnoughNodes, n, len(distinct))
	}

	shuffle := mrand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}
	shuffle(len(distinct), func(i, j int) {
		distinct[i], distinct[j] = distinct[j], distinct[i]
	})
	return distinct[:n:n], nil
}

// Circuit is the path of one client connection together with the stream
// layers it owns.
type Circuit struct {
	ID       uuid.UUID
	Path     []domain.Node
	envelope Envelope
	cipher   *CircuitCipher
}

// NewCircuit seals dest for path and sets up one stream layer per hop.
func NewCircuit(path []domain.Node, dest socks5.Addr, random io.Reader) (*Circuit, error) {
	if random == nil {
		random = rand.Reader
	}
	env, keys, err := Build(path, dest, nil, random)
	if err != nil {
		return nil, err
	}
	cipher, err := NewCircuitCipher(keys)
	if err != nil {
		return nil, err
	}
	return &Circuit{
		ID:       uuid.New(),
		Path:     path,
		envelope: env,
		cipher:   cipher,
	}, nil
}

// Entry is the hop the client connects to.
func (c *Circuit) Entry() domain.Node {
	return c.Path[0]
}

// Request is the extension request sent to the entry hop.
func (c *Circuit) Request() socks5.Request {
	return socks5.Request{Command: socks5.CmdConnect, Layer: c.envelope.Bytes()}
}

func (c *Circuit) Seal(p []byte) { c.cipher.Seal(p) }
func (c *Circuit) Open(p []byte) { c.cipher.Open(p) }

func (c *Circuit) LogValue() slog.Value {
	hops := make([]string, len(c.Path))
	for i, n := range c.Path {
		hops[i] = n.String()
	}
	return slog.GroupValue(
		slog.String("id", c.ID.String()),
		slog.Any("path", hops),
	)
}
