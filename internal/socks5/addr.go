package socks5

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"onionsocks/internal/domain"
)

// Addr is a SOCKS5 destination or bound address.
type Addr struct {
	Type byte
	IP   netip.Addr
	Host string
	Port uint16
}

// AddrFromAddrPort returns an IPv4 or IPv6 address. An invalid ap yields
// 0.0.0.0:0.
func AddrFromAddrPort(ap netip.AddrPort) Addr {
	if !ap.IsValid() {
		return Addr{Type: AtypIPv4, IP: netip.IPv4Unspecified()}
	}
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		return Addr{Type: AtypIPv4, IP: ip, Port: ap.Port()}
	}
	return Addr{Type: AtypIPv6, IP: ip, Port: ap.Port()}
}

func DomainAddr(host string, port uint16) Addr {
	return Addr{Type: AtypDomain, Host: host, Port: port}
}

// ParseAddr parses "host:port". IP literals become IP addresses, anything
// else a domain name.
func ParseAddr(hostport string) (Addr, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return Addr{}, err
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("parse port %q: %w", p, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return AddrFromAddrPort(netip.AddrPortFrom(ip, uint16(port))), nil
	}
	if host == "" || len(host) > 255 {
		return Addr{}, fmt.Errorf("invalid host %q", host)
	}
	return DomainAddr(host, uint16(port)), nil
}

func (a Addr) IsDomain() bool {
	return a.Type == AtypDomain
}

// AddrPort returns the IP form of a; ok is false for domain names.
func (a Addr) AddrPort() (ap netip.AddrPort, ok bool) {
	if a.Type == AtypDomain || !a.IP.IsValid() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.IP, a.Port), true
}

func (a Addr) String() string {
	host := a.Host
	if a.Type != AtypDomain {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// fields splits a into the ATYP, address and port arguments of the
// txsocks5 frame constructors. A domain is returned without its length
// prefix; the constructors add it.
func (a Addr) fields() (atyp byte, addr, port []byte) {
	port = binary.BigEndian.AppendUint16(nil, a.Port)
	switch a.Type {
	case AtypDomain:
		return AtypDomain, []byte(a.Host), port
	case AtypIPv6:
		ip := a.IP.As16()
		return AtypIPv6, ip[:], port
	default:
		ip := netip.IPv4Unspecified().As4()
		if a.IP.Is4() {
			ip = a.IP.As4()
		}
		return AtypIPv4, ip[:], port
	}
}

// AppendAddr appends ATYP, address and port.
func AppendAddr(b []byte, a Addr) []byte {
	atyp, addr, port := a.fields()
	b = append(b, atyp)
	if atyp == AtypDomain {
		b = append(b, byte(len(addr)))
	}
	b = append(b, addr...)
	return append(b, port...)
}

// DecodeAddr decodes ATYP, address and port from the start of b.
func DecodeAddr(b []byte) (Addr, int, error) {
	if len(b) < 1 {
		return Addr{}, 0, domain.ErrNeedMore
	}
	var (
		a Addr
		n int
	)
	switch b[0] {
	case AtypIPv4:
		n = 1 + 4
		if len(b) < n+2 {
			return Addr{}, 0, domain.ErrNeedMore
		}
		a = Addr{Type: AtypIPv4, IP: netip.AddrFrom4([4]byte(b[1:5]))}
	case AtypIPv6:
		n = 1 + 16
		if len(b) < n+2 {
			return Addr{}, 0, domain.ErrNeedMore
		}
		a = Addr{Type: AtypIPv6, IP: netip.AddrFrom16([16]byte(b[1:17]))}
	case AtypDomain:
		if len(b) < 2 {
			return Addr{}, 0, domain.ErrNeedMore
		}
		l := int(b[1])
		if l == 0 {
			return Addr{}, 0, domain.ProtocolError("socks5 address", fmt.Errorf("%w: empty domain", ErrMalformed))
		}
		n = 2 + l
		if len(b) < n+2 {
			return Addr{}, 0, domain.ErrNeedMore
		}
		a = Addr{Type: AtypDomain, Host: string(b[2:n])}
	default:
		return Addr{}, 0, domain.ProtocolError("socks5 address", fmt.Errorf("%w: 0x%02x", ErrAddressType, b[0]))
	}
	a.Port = binary.BigEndian.Uint16(b[n:])
	return a, n + 2, nil
}
