package domain

import (
	"fmt"
	"net/netip"
)

type State int

const (
	StateAwaitingGreeting State = iota // Handshake
	StateAwaitingRequest               // CONNECT request
	StateResolving                     // DNS
	StateConnecting                    // TCP Connect (EINPROGRESS)
	StateRelaying                      // Pipe
	StateClosed                        // Closed
)

func (s State) String() string {
	switch s {
	case StateAwaitingGreeting:
		return "awaiting-greeting"
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Node is one relay as published by the registry.
type Node struct {
	// Name is informational; nodes are identified by address.
	Name string
	Addr netip.AddrPort
	// PublicKey is the node's Curve25519 box key. Layers sealed to it can
	// only be opened by that node.
	PublicKey [32]byte
}

// Key identifies a node within a circuit; no circuit repeats a key.
func (n Node) Key() string {
	return n.Addr.String()
}

func (n Node) String() string {
	return n.Addr.String()
}
