// Package application holds the two node roles of the overlay. ClientNode
// is the SOCKS5 entry point for local applications; ServerNode is a relay
// hop that peels one onion layer and forwards the rest.
package application

import (
	"errors"
	"io"
	"log/slog"

	"onionsocks/internal/domain"
	"onionsocks/internal/reactor"
	"onionsocks/internal/socks5"
)

// splice pumps everything a connection reads into its peer, applying
// layer to each chunk in arrival order.
type splice struct {
	layer func([]byte)
	log   *slog.Logger
}

func (s *splice) Connected(*reactor.Conn, error) error { return nil }

func (s *splice) Received(c *reactor.Conn) error {
	p := c.Take()
	peer := c.Peer()
	if peer == nil {
		// The peer is gone and c is draining; nothing can carry the bytes.
		return nil
	}
	s.layer(p)
	peer.Send(p)
	return nil
}

func (s *splice) Closed(c *reactor.Conn, cause error) {
	if cause != nil && !errors.Is(cause, io.EOF) {
		s.log.Debug("Spliced connection failed", "conn", c.Label(), "remote", c.Remote().String(), "error", cause)
	}
}

// startSplice switches a and b to byte pumping, resumes reading on both and
// drains whatever either side buffered while the handshake was still
// running.
func startSplice(a *reactor.Conn, aLayer func([]byte), b *reactor.Conn, bLayer func([]byte), log *slog.Logger) error {
	as := &splice{layer: aLayer, log: log}
	bs := &splice{layer: bLayer, log: log}
	a.SetProtocol(as)
	b.SetProtocol(bs)
	a.SetState(domain.StateRelaying)
	b.SetState(domain.StateRelaying)
	a.Pause(false)
	b.Pause(false)

	if len(a.In()) > 0 {
		if err := as.Received(a); err != nil {
			return err
		}
	}
	if len(b.In()) > 0 {
		return bs.Received(b)
	}
	return nil
}

// failUpstream answers a pending SOCKS5 request with the reply code for
// cause and closes the connection once the reply is out.
func failUpstream(c *reactor.Conn, hs *socks5.ServerHandshake, cause error) {
	if c == nil {
		return
	}
	c.Send(hs.Fail(socks5.ReplyCode(cause)))
	c.CloseAfterFlush()
}

// serveHandshake feeds c's input to hs until hs needs more bytes or has a
// complete request. Replies are queued on c. On error the caller should
// close c after flushing so the rejection reaches the peer.
func serveHandshake(c *reactor.Conn, hs *socks5.ServerHandshake) error {
	for hs.State() == domain.StateAwaitingGreeting || hs.State() == domain.StateAwaitingRequest {
		n, reply, err := hs.Step(c.In())
		c.Send(reply)
		if n > 0 {
			c.Consume(n)
		}
		c.SetState(hs.State())
		if err != nil || n == 0 {
			return err
		}
	}
	return nil
}

// driveHandshake feeds c's input to an outbound handshake and queues
// whatever it answers.
func driveHandshake(c *reactor.Conn, hs *socks5.ClientHandshake) error {
	for !hs.Done() {
		n, out, err := hs.Step(c.In())
		c.Send(out)
		if n > 0 {
			c.Consume(n)
		}
		if err != nil || n == 0 {
			return err
		}
	}
	return nil
}
