package network

import (
	"errors"
	"fmt"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

func sockaddr(ap netip.AddrPort) (unix.Sockaddr, int) {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	return sa, unix.AF_INET6
}

// AddrPortFromSockaddr converts a raw socket address. Unknown families
// return the zero AddrPort.
func AddrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}

// ListenTCP returns a nonblocking listening socket bound to addr. Port 0
// picks an ephemeral port; use LocalAddr to learn it.
func ListenTCP(addr netip.AddrPort) (int, error) {
	sa, family := sockaddr(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

// Accept takes one pending connection off a listening socket. ok is false
// when nothing is pending.
func Accept(lfd int) (fd int, peer netip.AddrPort, ok bool, err error) {
	nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNABORTED) {
			return -1, netip.AddrPort{}, false, nil
		}
		return -1, netip.AddrPort{}, false, err
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return nfd, AddrPortFromSockaddr(sa), true, nil
}

// DialTCP starts a nonblocking connect. A nil error means the connection is
// established or in progress; completion is signalled by writability and
// checked with ConnectError.
func DialTCP(addr netip.AddrPort) (int, error) {
	sa, family := sockaddr(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}
	return fd, nil
}

// ConnectError reports the outcome of a nonblocking connect.
func ConnectError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return syscall.Errno(val)
	}
	return nil
}

// BindUDP returns a nonblocking UDP socket of the family matching server.
func BindUDP(server netip.AddrPort) (int, error) {
	family := unix.AF_INET
	if !server.Addr().Unmap().Is4() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// SendTo writes one datagram.
func SendTo(fd int, p []byte, to netip.AddrPort) error {
	sa, _ := sockaddr(to)
	return unix.Sendto(fd, p, 0, sa)
}

func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return AddrPortFromSockaddr(sa), nil
}

// IsTemporary reports errors that mean "try again on the next event".
func IsTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

func Close(fd int) error {
	return unix.Close(fd)
}
