package socks5

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"

	"onionsocks/internal/domain"
)

const Version = txsocks5.Ver

const (
	MethodNone             = txsocks5.MethodNone
	MethodUsernamePassword = txsocks5.MethodUsernamePassword
	// MethodOnion selects the inter-node extension.
	MethodOnion        byte = 0x80
	MethodNoAcceptable byte = 0xff
)

const (
	CmdConnect           = txsocks5.CmdConnect
	CmdBind         byte = 0x02
	CmdUDPAssociate byte = 0x03
)

const (
	AtypIPv4   = txsocks5.ATYPIPv4
	AtypDomain = txsocks5.ATYPDomain
	AtypIPv6   = txsocks5.ATYPIPv6
	// AtypOnion carries one sealed onion layer instead of an address.
	AtypOnion byte = 0x80
)

const (
	RepSuccess                  = txsocks5.RepSuccess
	RepGeneralFailure      byte = 0x01
	RepNotAllowed          byte = 0x02
	RepNetworkUnreachable  byte = 0x03
	RepHostUnreachable          = txsocks5.RepHostUnreachable
	RepConnectionRefused        = txsocks5.RepConnectionRefused
	RepTTLExpired          byte = 0x06
	RepCommandNotSupported      = txsocks5.RepCommandNotSupported
	RepAddressNotSupported byte = 0x08
)

// MaxLayer is the largest onion layer a request can carry.
const MaxLayer = 0xffff

var (
	ErrVersion            = errors.New("unsupported socks version")
	ErrMalformed          = errors.New("malformed frame")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrAddressType        = errors.New("unsupported address type")
	ErrNoAcceptableMethod = errors.New("no acceptable authentication method")
)

// GreetingRequest is the client's method offer.
type GreetingRequest struct {
	Methods []byte
}

func DecodeGreetingRequest(b []byte) (GreetingRequest, int, error) {
	if len(b) < 2 {
		return GreetingRequest{}, 0, domain.ErrNeedMore
	}
	if b[0] != Version {
		return GreetingRequest{}, 0, domain.ProtocolError("socks5 greeting", fmt.Errorf("%w: 0x%02x", ErrVersion, b[0]))
	}
	n := 2 + int(b[1])
	if b[1] == 0 {
		return GreetingRequest{}, 0, domain.ProtocolError("socks5 greeting", fmt.Errorf("%w: no methods", ErrMalformed))
	}
	if len(b) < n {
		return GreetingRequest{}, 0, domain.ErrNeedMore
	}
	return GreetingRequest{Methods: bytes.Clone(b[2:n])}, n, nil
}

func (g GreetingRequest) Append(b []byte) []byte {
	return appendFrame(b, txsocks5.NewNegotiationRequest(g.Methods))
}

func (g GreetingRequest) Offers(method byte) bool {
	return bytes.IndexByte(g.Methods, method) >= 0
}

// GreetingResponse is the server's method choice.
type GreetingResponse struct {
	Method byte
}

func DecodeGreetingResponse(b []byte) (GreetingResponse, int, error) {
	if len(b) < 2 {
		return GreetingResponse{}, 0, domain.ErrNeedMore
	}
	if b[0] != Version {
		return GreetingResponse{}, 0, domain.ProtocolError("socks5 method selection", fmt.Errorf("%w: 0x%02x", ErrVersion, b[0]))
	}
	return GreetingResponse{Method: b[1]}, 2, nil
}

func (g GreetingResponse) Append(b []byte) []byte {
	return appendFrame(b, txsocks5.NewNegotiationReply(g.Method))
}

// Request is a CONNECT request. Layer is set instead of Addr when the
// request uses AtypOnion.
type Request struct {
	Command byte
	Addr    Addr
	Layer   []byte
}

func (r Request) IsOnion() bool {
	return r.Layer != nil
}

func DecodeRequest(b []byte) (Request, int, error) {
	if len(b) < 4 {
		return Request{}, 0, domain.ErrNeedMore
	}
	if b[0] != Version {
		return Request{}, 0, domain.ProtocolError("socks5 request", fmt.Errorf("%w: 0x%02x", ErrVersion, b[0]))
	}
	if b[1] != CmdConnect {
		return Request{Command: b[1]}, 0, domain.ProtocolError("socks5 request", fmt.Errorf("%w: 0x%02x", ErrUnsupportedCommand, b[1]))
	}

	if b[3] == AtypOnion {
		if len(b) < 6 {
			return Request{}, 0, domain.ErrNeedMore
		}
		l := int(binary.BigEndian.Uint16(b[4:6]))
		if l == 0 {
			return Request{}, 0, domain.ProtocolError("socks5 request", fmt.Errorf("%w: empty onion layer", ErrMalformed))
		}
		if len(b) < 6+l {
			return Request{}, 0, domain.ErrNeedMore
		}
		return Request{Command: CmdConnect, Layer: bytes.Clone(b[6 : 6+l])}, 6 + l, nil
	}

	addr, n, err := DecodeAddr(b[3:])
	if err != nil {
		return Request{}, 0, err
	}
	return Request{Command: CmdConnect, Addr: addr}, 3 + n, nil
}

// Append encodes r. A layer longer than MaxLayer is a caller bug.
func (r Request) Append(b []byte) []byte {
	cmd := r.Command
	if cmd == 0 {
		cmd = CmdConnect
	}
	if r.Layer != nil {
		b = append(b, Version, cmd, 0x00, AtypOnion)
		b = binary.BigEndian.AppendUint16(b, uint16(len(r.Layer)))
		return append(b, r.Layer...)
	}
	atyp, addr, port := r.Addr.fields()
	return appendFrame(b, txsocks5.NewRequest(cmd, atyp, addr, port))
}

// Response is the server's reply to a request.
type Response struct {
	Reply byte
	Bind  Addr
}

func DecodeResponse(b []byte) (Response, int, error) {
	if len(b) < 4 {
		return Response{}, 0, domain.ErrNeedMore
	}
	if b[0] != Version {
		return Response{}, 0, domain.ProtocolError("socks5 reply", fmt.Errorf("%w: 0x%02x", ErrVersion, b[0]))
	}
	bind, n, err := DecodeAddr(b[3:])
	if err != nil {
		return Response{}, 0, err
	}
	return Response{Reply: b[1], Bind: bind}, 3 + n, nil
}

func (r Response) Append(b []byte) []byte {
	bind := r.Bind
	if bind.Type == 0 {
		bind = AddrFromAddrPort(netip.AddrPort{})
	}
	atyp, addr, port := bind.fields()
	return appendFrame(b, txsocks5.NewReply(r.Reply, atyp, addr, port))
}

// appendFrame appends what f writes. Writing to a bytes.Buffer cannot fail.
func appendFrame(b []byte, f io.WriterTo) []byte {
	buf := bytes.NewBuffer(b)
	_, _ = f.WriteTo(buf)
	return buf.Bytes()
}
