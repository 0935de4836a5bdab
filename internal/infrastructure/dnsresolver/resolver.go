// Package dnsresolver resolves destination names without blocking the
// reactor: queries go out on one nonblocking UDP socket that the reactor
// polls like any other handler.
package dnsresolver

import (
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"onionsocks/internal/domain"
	"onionsocks/internal/infrastructure/network"
	"onionsocks/internal/reactor"
)

const (
	DefaultTimeout = 5 * time.Second
	resolvConf     = "/etc/resolv.conf"
	maxMessage     = 4096
)

var (
	ErrTimeout = errors.New("dns query timed out")
	ErrClosed  = errors.New("resolver closed")
)

// DefaultServer returns the first nameserver of /etc/resolv.conf, or
// 8.8.8.8:53 when there is none.
func DefaultServer() netip.AddrPort {
	fallback := netip.MustParseAddrPort("8.8.8.8:53")
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(conf.Servers) == 0 {
		return fallback
	}
	ip, err := netip.ParseAddr(conf.Servers[0])
	if err != nil {
		return fallback
	}
	port, err := strconv.ParseUint(conf.Port, 10, 16)
	if err != nil {
		port = 53
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(port))
}

type query struct {
	host string
	// name is the lower-cased FQDN that goes on the wire.
	name  string
	qtype uint16
	sent  time.Time
	done  func(netip.Addr, error)
}

// Resolver implements domain.Resolver. Names are looked up as A records
// first and as AAAA when no A record exists.
type Resolver struct {
	r       *reactor.Reactor
	log     *slog.Logger
	fd      int
	server  netip.AddrPort
	hosts   map[string]netip.Addr
	timeout time.Duration

	pending map[uint16]*query
	buf     []byte
	closed  bool
}

func New(r *reactor.Reactor, server netip.AddrPort, hosts map[string]netip.Addr, timeout time.Duration, log *slog.Logger) (*Resolver, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fd, err := network.BindUDP(server)
	if err != nil {
		return nil, fmt.Errorf("dns socket: %w", err)
	}

	res := &Resolver{
		r:       r,
		log:     log,
		fd:      fd,
		server:  server,
		hosts:   make(map[string]netip.Addr, len(hosts)),
		timeout: timeout,
		pending: make(map[uint16]*query),
		buf:     make([]byte, maxMessage),
	}
	for name, ip := range hosts {
		res.hosts[canonical(name)] = ip
	}
	if err := r.Register(res); err != nil {
		_ = network.Close(fd)
		return nil, err
	}
	r.Every(min(max(timeout/4, 10*time.Millisecond), time.Second), func() { res.sweep(time.Now()) })

	log.Info("DNS resolver ready", "server", server.String(), "static_hosts", len(res.hosts))
	return res, nil
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// Resolve calls done exactly once, possibly before returning.
func (res *Resolver) Resolve(host string, done func(netip.Addr, error)) {
	if ip, err := netip.ParseAddr(host); err == nil {
		done(ip.Unmap(), nil)
		return
	}
	if ip, ok := res.hosts[canonical(host)]; ok {
		done(ip, nil)
		return
	}
	if res.closed {
		done(netip.Addr{}, ErrClosed)
		return
	}
	q := &query{host: host, name: dns.Fqdn(canonical(host)), qtype: dns.TypeA, done: done}
	if err := res.send(q); err != nil {
		done(netip.Addr{}, err)
	}
}

func (res *Resolver) send(q *query) error {
	id := uint16(mrand.UintN(1 << 16))
	for _, busy := res.pending[id]; busy; _, busy = res.pending[id] {
		id++
	}

	m := new(dns.Msg)
	m.SetQuestion(q.name, q.qtype)
	m.RecursionDesired = true
	m.Id = id

	packed, err := m.Pack()
	if err != nil {
		return domain.ProtocolError("pack dns query", err)
	}
	if err := network.SendTo(res.fd, packed, res.server); err != nil {
		return domain.TransportError("send dns query", err)
	}

	q.sent = time.Now()
	res.pending[id] = q
	return nil
}

func (res *Resolver) FD() int                    { return res.fd }
func (res *Resolver) Interest() domain.EventType { return domain.EventRead }
func (res *Resolver) OnWritable() error          { return nil }
func (res *Resolver) Closing() bool              { return false }

func (res *Resolver) OnReadable() error {
	n, from, err := unix.Recvfrom(res.fd, res.buf, 0)
	if err != nil {
		if network.IsTemporary(err) {
			return nil
		}
		// ICMP errors surface here; the query times out instead.
		res.log.Debug("DNS receive failed", "error", err)
		return nil
	}
	if network.AddrPortFromSockaddr(from) != res.server {
		return nil
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(res.buf[:n]); err != nil {
		res.log.Debug("Failed to unpack DNS response", "error", err)
		return nil
	}
	q, ok := res.pending[msg.Id]
	if !ok || len(msg.Question) != 1 || !strings.EqualFold(msg.Question[0].Name, q.name) {
		return nil
	}
	delete(res.pending, msg.Id)
	res.answer(q, msg)
	return nil
}

func (res *Resolver) answer(q *query, msg *dns.Msg) {
	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if ip, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				res.log.Debug("DNS resolved", "domain", q.host, "ip", ip.String())
				q.done(ip, nil)
				return
			}
		case *dns.AAAA:
			if ip, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
				res.log.Debug("DNS resolved", "domain", q.host, "ip", ip.String())
				q.done(ip.Unmap(), nil)
				return
			}
		}
	}

	if q.qtype == dns.TypeA && msg.Rcode == dns.RcodeSuccess {
		next := &query{host: q.host, name: q.name, qtype: dns.TypeAAAA, done: q.done}
		if err := res.send(next); err != nil {
			q.done(netip.Addr{}, err)
		}
		return
	}
	res.log.Debug("DNS resolution returned no records", "domain", q.host, "rcode", dns.RcodeToString[msg.Rcode])
	q.done(netip.Addr{}, fmt.Errorf("resolve %s: %w", q.host, domain.ErrUnresolvable))
}

func (res *Resolver) sweep(now time.Time) {
	for id, q := range res.pending {
		if now.Sub(q.sent) < res.timeout {
			continue
		}
		delete(res.pending, id)
		q.done(netip.Addr{}, fmt.Errorf("resolve %s: %w: %w", q.host, ErrTimeout, domain.ErrUnresolvable))
	}
}

// Pending is the number of unanswered queries.
func (res *Resolver) Pending() int {
	return len(res.pending)
}

func (res *Resolver) OnClose(cause error) {
	res.closed = true
	for id, q := range res.pending {
		delete(res.pending, id)
		q.done(netip.Addr{}, ErrClosed)
	}
}
