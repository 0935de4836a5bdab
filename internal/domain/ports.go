package domain

import (
	"net/netip"
	"time"
)

type EventType uint32

const (
	EventRead   EventType = 0x1
	EventWrite  EventType = 0x4 // EPOLLOUT
	EventError  EventType = 0x8
	EventHangup EventType = 0x10
)

// Event is one readiness notification returned by EventLoop.Wait.
type Event struct {
	FD     int
	Events EventType
}

// EventLoop is the readiness multiplexer the reactor blocks on.
type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	// Wait blocks until at least one registered fd is ready or timeout
	// elapses. A negative timeout blocks indefinitely. Wake interrupts it
	// from any goroutine.
	Wait(events []Event, timeout time.Duration) (int, error)
	Wake() error
	Close() error
}

// Resolver turns a host name into an address without blocking the loop.
// done is always invoked on the reactor goroutine.
type Resolver interface {
	Resolve(host string, done func(netip.Addr, error))
}
