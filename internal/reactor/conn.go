package reactor

import (
	"errors"
	"io"
	"net/netip"

	"golang.org/x/sys/unix"

	"onionsocks/internal/domain"
	"onionsocks/internal/infrastructure/network"
)

// ID names a connection for its whole life. IDs are never reused, so a
// stale peer reference resolves to nothing instead of to a stranger.
type ID uint64

// Protocol is the per-connection behaviour plugged into a Conn. Every
// callback runs on the reactor goroutine; a returned error closes the
// connection with that error as cause.
type Protocol interface {
	// Connected runs once when an outbound connect completes. err is the
	// connect outcome; the connection is closed after Connected when it is
	// non-nil.
	Connected(c *Conn, err error) error
	// Received runs after new bytes were appended to c.In().
	Received(c *Conn) error
	// Closed runs after the socket is closed, before the peer is told.
	Closed(c *Conn, cause error)
}

// Conn is a nonblocking stream socket with bounded input and output
// buffers and an optional peer it is spliced to.
type Conn struct {
	r      *Reactor
	id     ID
	fd     int
	label  string
	proto  Protocol
	state  domain.State
	remote netip.AddrPort

	in  []byte
	out []byte

	peer       ID
	connecting bool
	draining   bool
	paused     bool

	stats *ConnStats
}

func (r *Reactor) newConn(fd int, label string, remote netip.AddrPort, proto Protocol) *Conn {
	r.nextID++
	c := &Conn{
		r:      r,
		id:     r.nextID,
		fd:     fd,
		label:  label,
		proto:  proto,
		remote: remote,
	}
	c.stats = newConnStats(c.id, fd, label)
	return c
}

// Adopt registers an already connected socket, typically one returned by
// accept.
func (r *Reactor) Adopt(fd int, label string, remote netip.AddrPort, proto Protocol) (*Conn, error) {
	c := r.newConn(fd, label, remote, proto)
	if err := r.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Dial starts a nonblocking connect to addr. proto.Connected reports the
// outcome.
func (r *Reactor) Dial(addr netip.AddrPort, label string, proto Protocol) (*Conn, error) {
	fd, err := network.DialTCP(addr)
	if err != nil {
		return nil, domain.TransportError("dial "+label, err)
	}
	c := r.newConn(fd, label, addr, proto)
	c.connecting = true
	c.state = domain.StateConnecting
	if err := r.Register(c); err != nil {
		_ = network.Close(fd)
		return nil, err
	}
	return c, nil
}

// Lookup returns the live connection with id, or nil.
func (r *Reactor) Lookup(id ID) *Conn {
	return r.conns[id]
}

// Link splices a and b: each becomes the other's peer.
func Link(a, b *Conn) {
	a.peer = b.id
	b.peer = a.id
	a.stats.partner.Store(int64(b.fd))
	b.stats.partner.Store(int64(a.fd))
	a.r.Touch(a)
	b.r.Touch(b)
}

func (c *Conn) ID() ID                 { return c.id }
func (c *Conn) FD() int                { return c.fd }
func (c *Conn) Label() string          { return c.label }
func (c *Conn) Remote() netip.AddrPort { return c.remote }
func (c *Conn) State() domain.State    { return c.state }

func (c *Conn) SetState(s domain.State) {
	c.state = s
}

// SetProtocol swaps the behaviour, e.g. from handshake to relay.
func (c *Conn) SetProtocol(p Protocol) {
	c.proto = p
}

// Peer returns the spliced peer while it is alive.
func (c *Conn) Peer() *Conn {
	if c.peer == 0 {
		return nil
	}
	return c.r.conns[c.peer]
}

// In returns the unconsumed input. The slice is only valid until the next
// call into the connection.
func (c *Conn) In() []byte {
	return c.in
}

// Consume drops the first n bytes of input.
func (c *Conn) Consume(n int) {
	if n >= len(c.in) {
		c.in = c.in[:0]
	} else {
		c.in = append(c.in[:0], c.in[n:]...)
	}
	c.r.Touch(c)
}

// Take returns a copy of all pending input and empties the buffer.
func (c *Conn) Take() []byte {
	if len(c.in) == 0 {
		return nil
	}
	p := make([]byte, len(c.in))
	copy(p, c.in)
	c.Consume(len(p))
	return p
}

// Send queues p for writing. p is copied.
func (c *Conn) Send(p []byte) {
	if len(p) == 0 || c.state == domain.StateClosed {
		return
	}
	c.out = append(c.out, p...)
	c.r.Touch(c)
	// A full output buffer must stop the peer's reads.
	if peer := c.Peer(); peer != nil {
		c.r.Touch(peer)
	}
}

// Buffered returns the number of bytes waiting to be written.
func (c *Conn) Buffered() int {
	return len(c.out)
}

// Pause stops (or resumes) reading regardless of buffer space.
func (c *Conn) Pause(paused bool) {
	c.paused = paused
	c.r.Touch(c)
}

// CloseAfterFlush stops reading and closes once the output buffer is empty.
func (c *Conn) CloseAfterFlush() {
	c.draining = true
	c.r.Touch(c)
}

func (c *Conn) Close(cause error) {
	c.r.Close(c, cause)
}

func (c *Conn) wantsRead() bool {
	if c.draining || c.paused || len(c.in) >= c.r.maxBuffer {
		return false
	}
	if p := c.Peer(); p != nil && len(p.out) >= c.r.maxBuffer {
		return false
	}
	return true
}

func (c *Conn) Interest() domain.EventType {
	if c.connecting {
		return domain.EventWrite
	}
	var ev domain.EventType
	if c.wantsRead() {
		ev |= domain.EventRead
	}
	if len(c.out) > 0 {
		ev |= domain.EventWrite
	}
	return ev
}

func (c *Conn) Closing() bool {
	return c.draining && (c.connecting || len(c.out) == 0)
}

func (c *Conn) OnReadable() error {
	space := c.r.maxBuffer - len(c.in)
	if space <= 0 {
		return nil
	}
	n, err := unix.Read(c.fd, c.r.scratch[:space])
	if err != nil {
		if network.IsTemporary(err) {
			return nil
		}
		return domain.TransportError("read "+c.label, err)
	}
	if n == 0 {
		return io.EOF
	}

	c.in = append(c.in, c.r.scratch[:n]...)
	c.stats.in.Add(int64(n))
	return c.proto.Received(c)
}

func (c *Conn) OnWritable() error {
	if c.connecting {
		return c.finishConnect()
	}
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if err != nil {
			if network.IsTemporary(err) {
				break
			}
			return domain.TransportError("write "+c.label, err)
		}
		c.out = c.out[n:]
		c.stats.out.Add(int64(n))
	}
	if len(c.out) == 0 {
		c.out = nil
	}
	// Draining our output may unblock the peer's reads.
	if p := c.Peer(); p != nil {
		c.r.Touch(p)
	}
	return nil
}

func (c *Conn) finishConnect() error {
	c.connecting = false
	var cerr error
	if err := network.ConnectError(c.fd); err != nil {
		cerr = domain.TransportError("connect "+c.remote.String(), err)
	}
	if err := c.proto.Connected(c, cerr); err != nil {
		return err
	}
	return cerr
}

func (c *Conn) OnClose(cause error) {
	c.state = domain.StateClosed
	c.proto.Closed(c, cause)
	if p := c.Peer(); p != nil {
		p.CloseAfterFlush()
	}
}

// IsRefused reports whether err comes from a refused connect.
func IsRefused(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED)
}

// IsUnreachable reports host or network unreachable connect failures.
func IsUnreachable(err error) bool {
	return errors.Is(err, unix.EHOSTUNREACH) || errors.Is(err, unix.ENETUNREACH)
}
