package reactor

import (
	"net/netip"
	"time"

	"onionsocks/internal/domain"
	"onionsocks/internal/infrastructure/network"
)

// acceptRetry is how long a listener stops accepting after a hard accept
// error such as EMFILE.
const acceptRetry = 250 * time.Millisecond

// AcceptFunc adopts a freshly accepted socket. On error the socket is
// closed and the listener keeps going.
type AcceptFunc func(fd int, peer netip.AddrPort) error

// Listener accepts inbound TCP connections.
type Listener struct {
	r      *Reactor
	fd     int
	addr   netip.AddrPort
	accept AcceptFunc

	backoff bool
}

// Listen binds addr and registers the listening socket. Port 0 picks an
// ephemeral port; Addr reports the bound one.
func (r *Reactor) Listen(addr netip.AddrPort, accept AcceptFunc) (*Listener, error) {
	fd, err := network.ListenTCP(addr)
	if err != nil {
		return nil, domain.TransportError("listen", err)
	}
	bound, err := network.LocalAddr(fd)
	if err != nil {
		_ = network.Close(fd)
		return nil, domain.TransportError("listen", err)
	}
	l := &Listener{r: r, fd: fd, addr: bound, accept: accept}
	if err := r.Register(l); err != nil {
		_ = network.Close(fd)
		return nil, err
	}
	r.log.Info("Listening", "addr", bound.String())
	return l, nil
}

func (l *Listener) Addr() netip.AddrPort { return l.addr }
func (l *Listener) FD() int              { return l.fd }
func (l *Listener) OnWritable() error    { return nil }
func (l *Listener) Closing() bool        { return false }

func (l *Listener) Interest() domain.EventType {
	if l.backoff {
		return 0
	}
	return domain.EventRead
}

func (l *Listener) OnReadable() error {
	fd, peer, ok, err := network.Accept(l.fd)
	if err != nil {
		// The pending connection stays queued, so level triggering would
		// report it again at once.
		l.r.log.Warn("Accept failed, pausing listener", "addr", l.addr.String(), "error", err, "retry", acceptRetry)
		l.backoff = true
		l.r.After(acceptRetry, func() {
			l.backoff = false
			l.r.Touch(l)
		})
		return nil
	}
	if !ok {
		return nil
	}
	if err := l.accept(fd, peer); err != nil {
		l.r.log.Warn("Rejecting connection", "peer", peer.String(), "error", err)
		_ = network.Close(fd)
	}
	return nil
}

func (l *Listener) OnClose(cause error) {
	l.r.log.Info("Listener closed", "addr", l.addr.String())
}

// Close stops accepting.
func (l *Listener) Close() {
	l.r.Close(l, nil)
}
