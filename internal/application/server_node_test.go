package application

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"onionsocks/internal/directory"
	"onionsocks/internal/domain"
	"onionsocks/internal/infrastructure/epoll"
	"onionsocks/internal/onion"
	"onionsocks/internal/reactor"
	"onionsocks/internal/registry"
	"onionsocks/internal/socks5"
	"onionsocks/internal/testutil"
)

func TestServerNodeRegistersAndWithdraws(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	reg := registry.New(log)
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	loop, err := epoll.New()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()
	r := reactor.New(loop, log)

	id, err := onion.GenerateIdentity(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	dir := directory.NewClient(r, netip.MustParseAddrPort(srv.Listener.Addr().String()), time.Second, log)
	n := NewServerNode(r, id, nil, dir, "relay1", log)
	advertise := netip.MustParseAddrPort("192.0.2.10:9001")
	if err := n.Start(loopback, advertise); err != nil {
		t.Fatal(err)
	}

	spin := func(cond func() bool, msg string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatal(msg)
			}
			if _, err := r.RunOnce(20 * time.Millisecond); err != nil {
				t.Fatal(err)
			}
		}
	}

	spin(func() bool { return len(reg.Nodes()) == 1 && dir.Pending() == 0 }, "node never registered")
	got := reg.Nodes()[0]
	if got.Addr != advertise || got.PublicKey != id.Public || got.Name != "relay1" {
		t.Fatalf("registry holds %+v", got)
	}

	var (
		stopped bool
		stopErr error
	)
	n.Stop(func(err error) { stopped, stopErr = true, err })
	spin(func() bool { return stopped }, "unregister never finished")
	if stopErr != nil {
		t.Fatal(stopErr)
	}
	if len(reg.Nodes()) != 0 {
		t.Fatalf("node still listed: %v", reg.Nodes())
	}
	if r.Len() != 0 {
		t.Fatalf("expected no handlers after stop, got %d", r.Len())
	}
}

func TestServerNodeWithoutRegistry(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	loop, err := epoll.New()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()
	r := reactor.New(loop, log)

	id, err := onion.GenerateIdentity(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	n := NewServerNode(r, id, nil, nil, "", log)
	if err := n.Start(loopback, netip.AddrPort{}); err != nil {
		t.Fatal(err)
	}
	if n.Self().Addr != n.Addr() {
		t.Fatalf("advertised %s, listening on %s", n.Self().Addr, n.Addr())
	}

	called := false
	n.Stop(func(err error) {
		called = true
		if err != nil {
			t.Error(err)
		}
	})
	if !called || r.Len() != 0 {
		t.Fatalf("stop without registry should finish at once: called=%v handlers=%d", called, r.Len())
	}
}

// heldResolver keeps every lookup pending until the test answers it.
type heldResolver struct {
	hosts []string
	done  func(netip.Addr, error)
}

func (h *heldResolver) Resolve(host string, done func(netip.Addr, error)) {
	h.hosts = append(h.hosts, host)
	h.done = done
}

func connByLabel(t *testing.T, r *reactor.Reactor, label string) *reactor.Conn {
	t.Helper()
	for _, s := range r.Stats() {
		if s.Label != label {
			continue
		}
		if c := r.Lookup(s.Num); c != nil {
			return c
		}
	}
	t.Fatalf("no %s connection", label)
	return nil
}

func TestExitHoldsUpstreamWhileResolving(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	loop, err := epoll.New()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()
	r := reactor.New(loop, log)

	id, err := onion.GenerateIdentity(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	res := &heldResolver{}
	n := NewServerNode(r, id, res, nil, "exit", log)
	if err := n.Start(loopback, netip.AddrPort{}); err != nil {
		t.Fatal(err)
	}

	echo := testutil.StartEchoTCPServer(t, context.Background())
	port := netip.MustParseAddrPort(echo.Addr().String()).Port()
	env, keys, err := onion.Build([]domain.Node{n.Self()}, socks5.DomainAddr("held.test", port), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := onion.NewCircuitCipher(keys)
	if err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", n.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	early := []byte("sent before the exit connected")
	sealed := append([]byte(nil), early...)
	stream.Seal(sealed)
	frames := socks5.GreetingRequest{Methods: []byte{socks5.MethodOnion}}.Append(nil)
	frames = socks5.Request{Command: socks5.CmdConnect, Layer: env.Bytes()}.Append(frames)
	frames = append(frames, sealed...)
	if _, err := conn.Write(frames); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for res.done == nil {
		if time.Now().After(deadline) {
			t.Fatal("exit never asked for the destination")
		}
		if _, err := r.RunOnce(20 * time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if len(res.hosts) != 1 || res.hosts[0] != "held.test" {
		t.Fatalf("unexpected lookups %v", res.hosts)
	}
	if up := connByLabel(t, r, "upstream"); up.Interest()&domain.EventRead != 0 {
		t.Fatal("upstream must not read while the destination is resolving")
	}

	res.done(netip.MustParseAddr("127.0.0.1"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-runErr; err != nil {
			t.Error(err)
		}
	}()

	// Method choice, then a success reply bound to an IPv4 address.
	head := make([]byte, 2+10)
	if _, err := io.ReadFull(conn, head); err != nil {
		t.Fatal(err)
	}
	if head[1] != socks5.MethodOnion || head[3] != socks5.RepSuccess {
		t.Fatalf("unexpected handshake answer %x", head)
	}
	got := make([]byte, len(early))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	stream.Open(got)
	if string(got) != string(early) {
		t.Fatalf("expected %q back, got %q", early, got)
	}
}
