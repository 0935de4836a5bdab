package domain

import (
	"errors"
	"fmt"
)

// ErrNeedMore reports that a buffer holds an incomplete frame. It is not a
// failure: the caller waits for the next readable event.
var ErrNeedMore = errors.New("need more bytes")

// ErrUnresolvable reports a destination name with no usable address.
var ErrUnresolvable = errors.New("host not found")

// Kind scopes an error to what it affects. No kind is fatal to the process.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport: reset, refused, unreachable. Closes the connection and
	// its spliced peer.
	KindTransport
	// KindProtocol: malformed or unsupported frames, undecryptable layers.
	// Terminates the connection that received them.
	KindProtocol
	// KindDirectory: registry unreachable or no usable nodes. Blocks new
	// circuits only.
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func TransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func ProtocolError(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

func DirectoryError(op string, err error) error {
	return &Error{Kind: KindDirectory, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
