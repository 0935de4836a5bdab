package application

import (
	"crypto/rand"
	"io"
	"log/slog"
	"net/netip"

	"onionsocks/internal/directory"
	"onionsocks/internal/domain"
	"onionsocks/internal/onion"
	"onionsocks/internal/reactor"
	"onionsocks/internal/socks5"
)

// ClientNode accepts plain SOCKS5 from local applications and carries each
// CONNECT through its own freshly built circuit.
type ClientNode struct {
	r      *reactor.Reactor
	cache  *directory.Cache
	length int
	log    *slog.Logger

	random io.Reader
	ln     *reactor.Listener
}

func NewClientNode(r *reactor.Reactor, cache *directory.Cache, length int, log *slog.Logger) *ClientNode {
	if length <= 0 {
		length = onion.DefaultLength
	}
	return &ClientNode{
		r:      r,
		cache:  cache,
		length: length,
		log:    log,
		random: rand.Reader,
	}
}

// Listen opens the SOCKS5 entry point.
func (n *ClientNode) Listen(addr netip.AddrPort) error {
	ln, err := n.r.Listen(addr, n.accept)
	if err != nil {
		return err
	}
	n.ln = ln
	return nil
}

// Addr is the bound entry point address.
func (n *ClientNode) Addr() netip.AddrPort {
	if n.ln == nil {
		return netip.AddrPort{}
	}
	return n.ln.Addr()
}

func (n *ClientNode) Close() {
	if n.ln != nil {
		n.ln.Close()
	}
}

func (n *ClientNode) accept(fd int, peer netip.AddrPort) error {
	s := &clientSession{node: n, hs: socks5.NewServerHandshake(socks5.MethodNone)}
	c, err := n.r.Adopt(fd, "app", peer, s)
	if err != nil {
		return err
	}
	s.app = c.ID()
	n.log.Debug("New client accepted", "fd", fd, "peer", peer.String())
	return nil
}

// clientSession is one application connection and, once the request is
// in, the circuit serving it. Connections are referenced by ID only.
type clientSession struct {
	node    *ClientNode
	hs      *socks5.ServerHandshake
	link    *socks5.ClientHandshake
	circuit *onion.Circuit

	app   reactor.ID
	entry reactor.ID
}

func (s *clientSession) Connected(*reactor.Conn, error) error { return nil }

func (s *clientSession) Received(c *reactor.Conn) error {
	if s.circuit != nil {
		// Data that came with the request waits for the splice.
		return nil
	}
	if err := serveHandshake(c, s.hs); err != nil {
		s.node.log.Debug("SOCKS5 handshake rejected", "fd", c.FD(), "error", err)
		c.CloseAfterFlush()
		return nil
	}
	if s.hs.State() != domain.StateConnecting {
		return nil
	}
	s.buildCircuit(c)
	return nil
}

func (s *clientSession) buildCircuit(app *reactor.Conn) {
	n := s.node
	dest := s.hs.Request().Addr

	path, err := onion.SelectPath(n.cache.Nodes(), n.length, nil)
	if err != nil {
		n.log.Info("Cannot build circuit", "dest", dest.String(), "nodes", n.cache.Len(), "error", err)
		failUpstream(app, s.hs, domain.DirectoryError("select path", err))
		return
	}
	circuit, err := onion.NewCircuit(path, dest, n.random)
	if err != nil {
		n.log.Warn("Cannot seal circuit", "dest", dest.String(), "error", err)
		failUpstream(app, s.hs, err)
		return
	}

	link := &entryLink{session: s, hs: socks5.NewClientHandshake(socks5.MethodOnion, circuit.Request())}
	entry, err := n.r.Dial(circuit.Entry().Addr, "entry-hop", link)
	if err != nil {
		n.log.Info("Cannot reach entry hop", "circuit", circuit, "error", err)
		failUpstream(app, s.hs, err)
		return
	}
	s.circuit = circuit
	s.link = link.hs
	s.entry = entry.ID()
	reactor.Link(app, entry)
	// Application data stays in the socket until the circuit is confirmed.
	app.Pause(true)
	n.log.Info("Building circuit", "circuit", circuit, "fd", app.FD())
}

func (s *clientSession) Closed(c *reactor.Conn, cause error) {
	if s.circuit != nil {
		s.node.log.Debug("Application connection closed", "circuit", s.circuit.ID.String(), "reason", cause)
	}
}

// entryLink is the connection to the first hop. It speaks the inter-node
// extension until the whole chain has confirmed, then becomes a pump.
type entryLink struct {
	session *clientSession
	hs      *socks5.ClientHandshake
}

func (l *entryLink) Connected(c *reactor.Conn, err error) error {
	if err != nil {
		return nil
	}
	c.SetState(domain.StateAwaitingGreeting)
	c.Send(l.hs.Start())
	return nil
}

func (l *entryLink) Received(c *reactor.Conn) error {
	if err := driveHandshake(c, l.hs); err != nil {
		return err
	}
	if !l.hs.Done() {
		c.SetState(l.hs.State())
		return nil
	}

	s := l.session
	app := s.node.r.Lookup(s.app)
	if app == nil {
		c.CloseAfterFlush()
		return nil
	}
	bind, _ := l.hs.Bound().AddrPort()
	app.Send(s.hs.Succeed(bind))
	s.node.log.Info("Circuit established", "circuit", s.circuit)
	return startSplice(app, s.circuit.Seal, c, s.circuit.Open, s.node.log)
}

// Closed answers the application when the circuit dies before it was
// confirmed. The reactor then closes the application side after the reply.
func (l *entryLink) Closed(c *reactor.Conn, cause error) {
	s := l.session
	app := s.node.r.Lookup(s.app)
	if l.hs.Done() || app == nil {
		return
	}
	s.node.log.Info("Circuit failed", "circuit", s.circuit, "error", cause)
	failUpstream(app, s.hs, cause)
}
