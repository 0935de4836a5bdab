package application

import (
	"log/slog"
	"net/netip"

	"onionsocks/internal/directory"
	"onionsocks/internal/domain"
	"onionsocks/internal/infrastructure/network"
	"onionsocks/internal/onion"
	"onionsocks/internal/reactor"
	"onionsocks/internal/socks5"
)

// ServerNode is one relay of the overlay. Each inbound connection carries
// a single onion layer; the node peels it and either extends the circuit
// to the next hop or, as exit, connects to the destination.
type ServerNode struct {
	r        *reactor.Reactor
	id       *onion.Identity
	resolver domain.Resolver
	dir      *directory.Client
	log      *slog.Logger

	name string
	ln   *reactor.Listener
	self domain.Node
}

// NewServerNode returns a node that answers to id. dir may be nil when the
// node is not announced to a registry.
func NewServerNode(r *reactor.Reactor, id *onion.Identity, resolver domain.Resolver, dir *directory.Client, name string, log *slog.Logger) *ServerNode {
	return &ServerNode{
		r:        r,
		id:       id,
		resolver: resolver,
		dir:      dir,
		name:     name,
		log:      log.With("node", id),
	}
}

// Start listens on addr and announces the node under advertise. An
// invalid advertise address means the bound listen address.
func (n *ServerNode) Start(addr, advertise netip.AddrPort) error {
	ln, err := n.r.Listen(addr, n.accept)
	if err != nil {
		return err
	}
	n.ln = ln
	if !advertise.IsValid() {
		advertise = ln.Addr()
	}
	n.self = domain.Node{Name: n.name, Addr: advertise, PublicKey: n.id.Public}

	if n.dir != nil {
		n.dir.Register(n.self, func(err error) {
			if err != nil {
				n.log.Warn("Registration failed", "error", err)
				return
			}
			n.log.Info("Registered with registry", "addr", n.self.Addr.String())
		})
	}
	return nil
}

// Self is the node as announced to the registry.
func (n *ServerNode) Self() domain.Node {
	return n.self
}

func (n *ServerNode) Addr() netip.AddrPort {
	if n.ln == nil {
		return netip.AddrPort{}
	}
	return n.ln.Addr()
}

// Stop closes the listener and withdraws the node from the registry.
// done runs once the registry answered, or immediately without one.
func (n *ServerNode) Stop(done func(error)) {
	if n.ln != nil {
		n.ln.Close()
	}
	if n.dir == nil || !n.self.Addr.IsValid() {
		done(nil)
		return
	}
	n.dir.Unregister(n.self, func(err error) {
		if err != nil {
			n.log.Warn("Unregistration failed", "error", err)
		} else {
			n.log.Info("Unregistered from registry")
		}
		done(err)
	})
}

func (n *ServerNode) accept(fd int, peer netip.AddrPort) error {
	h := &hop{node: n, hs: socks5.NewServerHandshake(socks5.MethodOnion)}
	c, err := n.r.Adopt(fd, "upstream", peer, h)
	if err != nil {
		return err
	}
	h.upstream = c.ID()
	n.log.Debug("New relay connection", "fd", fd, "peer", peer.String())
	return nil
}

// hop is one pass of a circuit through this node: the upstream connection
// it arrived on and, once the layer is peeled, the downstream one.
type hop struct {
	node   *ServerNode
	hs     *socks5.ServerHandshake
	ins    onion.Instruction
	cipher *onion.HopCipher

	upstream   reactor.ID
	downstream reactor.ID
}

func (h *hop) Connected(*reactor.Conn, error) error { return nil }

func (h *hop) Received(c *reactor.Conn) error {
	if h.cipher != nil {
		// Data that came with the request waits for the splice.
		return nil
	}
	if err := serveHandshake(c, h.hs); err != nil {
		h.node.log.Debug("Relay handshake rejected", "fd", c.FD(), "error", err)
		c.CloseAfterFlush()
		return nil
	}
	if h.hs.State() != domain.StateConnecting {
		return nil
	}

	// A layer that does not open is dropped without an answer.
	ins, err := onion.Peel(onion.EnvelopeFrom(h.hs.Request().Layer), h.node.id)
	if err != nil {
		h.node.log.Info("Dropping relay connection", "fd", c.FD(), "peer", c.Remote().String(), "error", err)
		return err
	}
	cipher, err := onion.NewHopCipher(ins.Key)
	if err != nil {
		return err
	}
	h.ins, h.cipher = ins, cipher
	// Circuit data stays in the socket until downstream is confirmed.
	c.Pause(true)

	switch ins.Kind {
	case onion.KindRelay:
		next, _ := ins.Next.AddrPort()
		h.node.log.Debug("Extending circuit", "fd", c.FD(), "next", next.String())
		h.dial(c, next, "next-hop", &nextHop{hop: h, hs: socks5.NewClientHandshake(socks5.MethodOnion,
			socks5.Request{Command: socks5.CmdConnect, Layer: ins.Inner.Bytes()})})
	case onion.KindExit:
		h.exit(c)
	}
	return nil
}

func (h *hop) exit(c *reactor.Conn) {
	dest := h.ins.Next
	if ap, ok := dest.AddrPort(); ok {
		h.node.log.Debug("Connecting to destination", "fd", c.FD(), "dest", dest.String())
		h.dial(c, ap, "destination", &destination{hop: h})
		return
	}

	c.SetState(domain.StateResolving)
	h.node.log.Debug("Resolving domain", "fd", c.FD(), "domain", dest.Host)
	h.node.resolver.Resolve(dest.Host, func(ip netip.Addr, err error) {
		up := h.node.r.Lookup(h.upstream)
		if up == nil {
			return
		}
		if err != nil {
			h.node.log.Info("Destination lookup failed", "domain", dest.Host, "error", err)
			failUpstream(up, h.hs, err)
			return
		}
		h.dial(up, netip.AddrPortFrom(ip, dest.Port), "destination", &destination{hop: h})
	})
}

func (h *hop) dial(up *reactor.Conn, addr netip.AddrPort, label string, proto reactor.Protocol) {
	up.SetState(domain.StateConnecting)
	down, err := h.node.r.Dial(addr, label, proto)
	if err != nil {
		h.node.log.Info("Cannot open downstream", "addr", addr.String(), "error", err)
		failUpstream(up, h.hs, err)
		return
	}
	h.downstream = down.ID()
	reactor.Link(up, down)
}

// confirm answers upstream with success and starts relaying.
func (h *hop) confirm(down *reactor.Conn, bind netip.AddrPort) error {
	up := h.node.r.Lookup(h.upstream)
	if up == nil {
		down.CloseAfterFlush()
		return nil
	}
	up.Send(h.hs.Succeed(bind))
	h.node.log.Debug("Relaying", "upstream_fd", up.FD(), "downstream_fd", down.FD(), "kind", h.ins.Kind)
	return startSplice(up, h.cipher.Forward, down, h.cipher.Backward, h.node.log)
}

// downstreamClosed reports a downstream failure before confirmation to
// upstream, which then sees the same reply code the failure produced here.
func (h *hop) downstreamClosed(cause error) {
	if h.hs.State() != domain.StateConnecting {
		return
	}
	up := h.node.r.Lookup(h.upstream)
	if up == nil {
		return
	}
	h.node.log.Info("Downstream failed", "kind", h.ins.Kind, "error", cause)
	failUpstream(up, h.hs, cause)
}

func (h *hop) Closed(c *reactor.Conn, cause error) {
	h.node.log.Debug("Relay connection closed", "fd", c.FD(), "reason", cause)
}

// nextHop is the connection to the following relay.
type nextHop struct {
	hop *hop
	hs  *socks5.ClientHandshake
}

func (p *nextHop) Connected(c *reactor.Conn, err error) error {
	if err != nil {
		return nil
	}
	c.Send(p.hs.Start())
	return nil
}

func (p *nextHop) Received(c *reactor.Conn) error {
	if err := driveHandshake(c, p.hs); err != nil {
		return err
	}
	if !p.hs.Done() {
		return nil
	}
	bind, _ := p.hs.Bound().AddrPort()
	return p.hop.confirm(c, bind)
}

func (p *nextHop) Closed(_ *reactor.Conn, cause error) {
	p.hop.downstreamClosed(cause)
}

// destination is the exit's connection to the real target.
type destination struct {
	hop *hop
}

func (p *destination) Connected(c *reactor.Conn, err error) error {
	if err != nil {
		return nil
	}
	c.Send(p.hop.ins.Payload)
	bind, err := network.LocalAddr(c.FD())
	if err != nil {
		return domain.TransportError("local address", err)
	}
	return p.hop.confirm(c, bind)
}

func (p *destination) Received(*reactor.Conn) error { return nil }

func (p *destination) Closed(_ *reactor.Conn, cause error) {
	p.hop.downstreamClosed(cause)
}
