package socks5

import (
	"errors"
	"fmt"
	"net/netip"

	"onionsocks/internal/domain"
)

// ServerHandshake is the inbound side of a SOCKS5 exchange. It moves
// through AwaitingGreeting, AwaitingRequest and Connecting, then to
// Relaying on Succeed or Closed on any failure.
type ServerHandshake struct {
	state   domain.State
	accept  []byte
	method  byte
	request Request
}

// NewServerHandshake accepts the given methods in order of preference.
func NewServerHandshake(accept ...byte) *ServerHandshake {
	return &ServerHandshake{state: domain.StateAwaitingGreeting, accept: accept}
}

func (h *ServerHandshake) State() domain.State { return h.state }
func (h *ServerHandshake) Method() byte        { return h.method }

// Request is valid once the state reached Connecting.
func (h *ServerHandshake) Request() Request { return h.request }

// Step feeds buffered input. It returns how much input was used and the
// bytes to send back. n is zero when more input is needed. On error the
// reply, if any, should still be flushed before closing.
func (h *ServerHandshake) Step(in []byte) (n int, reply []byte, err error) {
	switch h.state {
	case domain.StateAwaitingGreeting:
		g, n, err := DecodeGreetingRequest(in)
		if errors.Is(err, domain.ErrNeedMore) {
			return 0, nil, nil
		}
		if err != nil {
			h.state = domain.StateClosed
			return n, nil, err
		}
		for _, m := range h.accept {
			if g.Offers(m) {
				h.method = m
				h.state = domain.StateAwaitingRequest
				return n, GreetingResponse{Method: m}.Append(nil), nil
			}
		}
		h.state = domain.StateClosed
		return n, GreetingResponse{Method: MethodNoAcceptable}.Append(nil),
			domain.ProtocolError("socks5 greeting", fmt.Errorf("%w: offered %x", ErrNoAcceptableMethod, g.Methods))

	case domain.StateAwaitingRequest:
		req, n, err := DecodeRequest(in)
		if errors.Is(err, domain.ErrNeedMore) {
			return 0, nil, nil
		}
		if err == nil && req.IsOnion() != (h.method == MethodOnion) {
			err = domain.ProtocolError("socks5 request", fmt.Errorf("%w for method 0x%02x", ErrAddressType, h.method))
		}
		if err != nil {
			h.state = domain.StateClosed
			return n, FailureReply(ReplyCode(err)), err
		}
		h.request = req
		h.state = domain.StateConnecting
		return n, nil, nil
	}
	return 0, nil, nil
}

// Succeed moves to Relaying and returns the success reply.
func (h *ServerHandshake) Succeed(bind netip.AddrPort) []byte {
	h.state = domain.StateRelaying
	return Response{Reply: RepSuccess, Bind: AddrFromAddrPort(bind)}.Append(nil)
}

// Fail moves to Closed and returns a failure reply.
func (h *ServerHandshake) Fail(code byte) []byte {
	h.state = domain.StateClosed
	return FailureReply(code)
}

// ClientHandshake is the outbound side: it sends a greeting, then the
// request once the method is accepted, and reaches Relaying on a success
// reply.
type ClientHandshake struct {
	state   domain.State
	method  byte
	request Request
	bound   Addr
}

func NewClientHandshake(method byte, req Request) *ClientHandshake {
	return &ClientHandshake{state: domain.StateAwaitingGreeting, method: method, request: req}
}

func (h *ClientHandshake) State() domain.State { return h.state }
func (h *ClientHandshake) Done() bool          { return h.state == domain.StateRelaying }

// Bound is the address the far side reported in its success reply.
func (h *ClientHandshake) Bound() Addr { return h.bound }

// Start returns the greeting.
func (h *ClientHandshake) Start() []byte {
	return GreetingRequest{Methods: []byte{h.method}}.Append(nil)
}

// Step feeds buffered input and returns how much was used and what to send
// next. A non-success reply is returned as *ReplyError.
func (h *ClientHandshake) Step(in []byte) (n int, out []byte, err error) {
	switch h.state {
	case domain.StateAwaitingGreeting:
		g, n, err := DecodeGreetingResponse(in)
		if errors.Is(err, domain.ErrNeedMore) {
			return 0, nil, nil
		}
		if err != nil {
			h.state = domain.StateClosed
			return n, nil, err
		}
		if g.Method != h.method {
			h.state = domain.StateClosed
			return n, nil, domain.ProtocolError("socks5 method selection", fmt.Errorf("%w: got 0x%02x", ErrNoAcceptableMethod, g.Method))
		}
		h.state = domain.StateAwaitingRequest
		return n, h.request.Append(nil), nil

	case domain.StateAwaitingRequest:
		resp, n, err := DecodeResponse(in)
		if errors.Is(err, domain.ErrNeedMore) {
			return 0, nil, nil
		}
		if err != nil {
			h.state = domain.StateClosed
			return n, nil, err
		}
		if resp.Reply != RepSuccess {
			h.state = domain.StateClosed
			return n, nil, &ReplyError{Code: resp.Reply}
		}
		h.bound = resp.Bind
		h.state = domain.StateRelaying
		return n, nil, nil
	}
	return 0, nil, nil
}
