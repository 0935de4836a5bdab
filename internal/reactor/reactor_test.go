package reactor

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"onionsocks/internal/domain"
	"onionsocks/internal/infrastructure/epoll"
	"onionsocks/internal/testutil"
)

type fakeLoop struct {
	interest map[int]domain.EventType
	queued   [][]domain.Event
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{interest: make(map[int]domain.EventType)}
}

func (l *fakeLoop) Register(fd int, ev domain.EventType) error {
	l.interest[fd] = ev
	return nil
}

func (l *fakeLoop) Modify(fd int, ev domain.EventType) error {
	l.interest[fd] = ev
	return nil
}

func (l *fakeLoop) Unregister(fd int) error {
	delete(l.interest, fd)
	return nil
}

func (l *fakeLoop) Wait(events []domain.Event, timeout time.Duration) (int, error) {
	if len(l.queued) > 0 {
		batch := l.queued[0]
		l.queued = l.queued[1:]
		return copy(events, batch), nil
	}
	if timeout > 0 {
		time.Sleep(timeout)
	}
	return 0, nil
}

func (l *fakeLoop) Wake() error  { return nil }
func (l *fakeLoop) Close() error { return nil }

type recorder struct {
	received  func(c *Conn) error
	connected chan error
	closed    []error
}

func (p *recorder) Connected(c *Conn, err error) error {
	if p.connected != nil {
		p.connected <- err
	}
	return nil
}

func (p *recorder) Received(c *Conn) error {
	if p.received != nil {
		return p.received(c)
	}
	return nil
}

func (p *recorder) Closed(c *Conn, cause error) {
	p.closed = append(p.closed, cause)
}

type relay struct{}

func (relay) Connected(*Conn, error) error { return nil }
func (relay) Closed(*Conn, error)          {}

func (relay) Received(c *Conn) error {
	if p := c.Peer(); p != nil {
		p.Send(c.Take())
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// socketpair returns a connected pair; the far end is closed with the test.
func socketpair(t *testing.T) (near, far int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return fds[0], fds[1]
}

func adopt(t *testing.T, r *Reactor, label string, p Protocol) (*Conn, int) {
	t.Helper()

	near, far := socketpair(t)
	c, err := r.Adopt(near, label, netip.AddrPort{}, p)
	if err != nil {
		t.Fatal(err)
	}
	return c, far
}

func startReactor(t *testing.T, r *Reactor) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("reactor did not stop")
		}
	}
}

func newEpollReactor(t *testing.T) *Reactor {
	t.Helper()

	loop, err := epoll.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = loop.Close() })
	return New(loop, discardLogger())
}

func TestReactorEcho(t *testing.T) {
	r := newEpollReactor(t)
	echo := &recorder{received: func(c *Conn) error {
		c.Send(c.Take())
		return nil
	}}

	ln, err := r.Listen(netip.MustParseAddrPort("127.0.0.1:0"), func(fd int, peer netip.AddrPort) error {
		_, err := r.Adopt(fd, "echo", peer, echo)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	stop := startReactor(t, r)
	defer stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello"))
	testutil.AssertEcho(t, conn, conn, bytes.Repeat([]byte("x"), 200_000))
}

func TestReactorSpliceAndCascade(t *testing.T) {
	ctx := context.Background()
	upstream := testutil.StartEchoTCPServer(t, ctx)
	upstreamAddr := netip.MustParseAddrPort(upstream.Addr().String())

	r := newEpollReactor(t)
	ln, err := r.Listen(netip.MustParseAddrPort("127.0.0.1:0"), func(fd int, peer netip.AddrPort) error {
		in, err := r.Adopt(fd, "in", peer, relay{})
		if err != nil {
			return err
		}
		out, err := r.Dial(upstreamAddr, "out", relay{})
		if err != nil {
			in.Close(err)
			return nil
		}
		Link(in, out)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	stop := startReactor(t, r)
	defer stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, conn, conn, []byte("through the splice"))

	snaps := r.Stats()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 live connections, got %d", len(snaps))
	}
	if snaps[0].Partner != snaps[1].FD || snaps[1].Partner != snaps[0].FD {
		t.Fatalf("partners not linked: %+v", snaps)
	}

	_ = conn.Close()
	testutil.Eventually(t, 2*time.Second, func() bool { return r.Len() == 1 },
		"spliced pair should close together")
}

func TestDialRefusedEndsRun(t *testing.T) {
	r := newEpollReactor(t)
	p := &recorder{connected: make(chan error, 1)}

	_, err := r.Dial(netip.MustParseAddrPort(testutil.ClosedPort(t)), "refused", p)
	if err != nil {
		if !IsRefused(err) {
			t.Fatalf("unexpected dial error: %v", err)
		}
		return
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-p.connected:
		if !IsRefused(err) {
			t.Fatalf("expected refused, got %v", err)
		}
		if domain.KindOf(err) != domain.KindTransport {
			t.Fatalf("expected transport error, got %v", domain.KindOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connect outcome never reported")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run should return once no handlers remain")
	}
}

func TestRunReturnsWithoutHandlers(t *testing.T) {
	r := New(newFakeLoop(), discardLogger())
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRunClosesEverythingOnCancel(t *testing.T) {
	r := New(newFakeLoop(), discardLogger())
	p := &recorder{}
	adopt(t, r, "a", p)
	adopt(t, r, "b", p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected no handlers, got %d", r.Len())
	}
	if len(p.closed) != 2 || !errors.Is(p.closed[0], context.Canceled) {
		t.Fatalf("unexpected close causes: %v", p.closed)
	}
}

func TestBackPressure(t *testing.T) {
	loop := newFakeLoop()
	r := New(loop, discardLogger(), WithMaxBuffer(4))
	hold := &recorder{}

	a, aFar := adopt(t, r, "a", hold)
	b, _ := adopt(t, r, "b", hold)
	Link(a, b)
	r.reconcile()
	if loop.interest[a.FD()] != domain.EventRead {
		t.Fatalf("expected read interest, got %v", loop.interest[a.FD()])
	}

	b.Send([]byte("12345"))
	r.reconcile()
	if loop.interest[a.FD()]&domain.EventRead != 0 {
		t.Fatal("a must stop reading while b's output is full")
	}
	if loop.interest[b.FD()]&domain.EventWrite == 0 {
		t.Fatal("b must want to write while output is pending")
	}

	if err := b.OnWritable(); err != nil {
		t.Fatal(err)
	}
	r.reconcile()
	if loop.interest[a.FD()]&domain.EventRead == 0 {
		t.Fatal("a must resume reading once b drained")
	}
	if loop.interest[b.FD()]&domain.EventWrite != 0 {
		t.Fatal("b must drop write interest when empty")
	}

	if _, err := unix.Write(aFar, []byte("abcdef")); err != nil {
		t.Fatal(err)
	}
	if err := a.OnReadable(); err != nil {
		t.Fatal(err)
	}
	if got := string(a.In()); got != "abcd" {
		t.Fatalf("expected input capped at 4 bytes, got %q", got)
	}
	if a.Interest()&domain.EventRead != 0 {
		t.Fatal("a must stop reading with a full input buffer")
	}
	a.Consume(2)
	if a.Interest()&domain.EventRead == 0 {
		t.Fatal("a must resume reading after consuming")
	}
}

func TestCloseCascadesAfterFlush(t *testing.T) {
	r := New(newFakeLoop(), discardLogger())
	pa, pb := &recorder{}, &recorder{}
	a, _ := adopt(t, r, "a", pa)
	b, bFar := adopt(t, r, "b", pb)
	Link(a, b)

	b.Send([]byte("bye"))
	r.Close(a, io.EOF)
	r.reconcile()

	if a.State() != domain.StateClosed || len(pa.closed) != 1 {
		t.Fatal("a should be closed")
	}
	if !r.registered(b) {
		t.Fatal("b must stay open until its output is flushed")
	}
	if b.Interest()&domain.EventRead != 0 {
		t.Fatal("a draining connection must not read")
	}

	if err := b.OnWritable(); err != nil {
		t.Fatal(err)
	}
	r.Touch(b)
	r.reconcile()
	if r.registered(b) || len(pb.closed) != 1 {
		t.Fatal("b should close once flushed")
	}

	buf := make([]byte, 8)
	n, err := unix.Read(bFar, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "bye" {
		t.Fatalf("expected flushed bytes, got %q", buf[:n])
	}
}

func TestHangupWithoutInterestCloses(t *testing.T) {
	loop := newFakeLoop()
	r := New(loop, discardLogger())
	p := &recorder{}
	a, _ := adopt(t, r, "a", p)
	a.Pause(true)
	r.reconcile()

	loop.queued = append(loop.queued, []domain.Event{{FD: a.FD(), Events: domain.EventHangup}})
	if _, err := r.RunOnce(0); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Fatal("hung up connection should be closed")
	}
	if len(p.closed) != 1 || domain.KindOf(p.closed[0]) != domain.KindTransport {
		t.Fatalf("expected transport close cause, got %v", p.closed)
	}
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	loop := newFakeLoop()
	r := New(loop, discardLogger())
	bad := domain.ProtocolError("decode", errors.New("garbage"))
	p := &recorder{received: func(*Conn) error { return bad }}
	a, far := adopt(t, r, "a", p)

	if _, err := unix.Write(far, []byte{0xff}); err != nil {
		t.Fatal(err)
	}
	loop.queued = append(loop.queued, []domain.Event{{FD: a.FD(), Events: domain.EventRead}})
	if _, err := r.RunOnce(0); err != nil {
		t.Fatal(err)
	}
	if len(p.closed) != 1 || !errors.Is(p.closed[0], bad) {
		t.Fatalf("expected protocol error cause, got %v", p.closed)
	}
}

func TestTimers(t *testing.T) {
	r := New(newFakeLoop(), discardLogger())
	if got := r.nextTimeout(time.Second); got != time.Second {
		t.Fatalf("without timers the timeout is unchanged, got %s", got)
	}

	fired := 0
	r.Every(5*time.Millisecond, func() { fired++ })
	if got := r.nextTimeout(time.Second); got > 5*time.Millisecond {
		t.Fatalf("timer should shorten the wait, got %s", got)
	}
	for range 3 {
		if _, err := r.RunOnce(time.Second); err != nil {
			t.Fatal(err)
		}
	}
	if fired == 0 {
		t.Fatal("timer never fired")
	}
}

func TestAfterFiresOnce(t *testing.T) {
	r := New(newFakeLoop(), discardLogger())
	fired := 0
	r.After(time.Millisecond, func() { fired++ })
	for range 3 {
		if _, err := r.RunOnce(5 * time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if fired != 1 {
		t.Fatalf("one-shot timer fired %d times", fired)
	}
	if len(r.timers) != 0 {
		t.Fatalf("fired one-shot timer must be dropped, %d left", len(r.timers))
	}
}

func TestListenerBacksOffOnAcceptError(t *testing.T) {
	loop := newFakeLoop()
	r := New(loop, discardLogger())

	// accept on a connected socketpair fails with EINVAL, like EMFILE it
	// is not transient.
	fd, _ := socketpair(t)
	accepted := 0
	l := &Listener{r: r, fd: fd, accept: func(int, netip.AddrPort) error {
		accepted++
		return nil
	}}
	if err := r.Register(l); err != nil {
		t.Fatal(err)
	}

	loop.queued = append(loop.queued, []domain.Event{{FD: fd, Events: domain.EventRead}})
	if _, err := r.RunOnce(0); err != nil {
		t.Fatal(err)
	}
	if loop.interest[fd] != 0 {
		t.Fatalf("listener must drop read interest after a hard accept error, got %v", loop.interest[fd])
	}

	deadline := time.Now().Add(5 * acceptRetry)
	for loop.interest[fd]&domain.EventRead == 0 {
		if time.Now().After(deadline) {
			t.Fatal("listener never re-armed")
		}
		if _, err := r.RunOnce(10 * time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	if accepted != 0 {
		t.Fatalf("nothing should have been accepted, got %d", accepted)
	}
	l.Close()
}

func TestWriteStatsXML(t *testing.T) {
	snaps := []ConnSnapshot{
		{Num: 1, FD: 7, Label: "app", In: 10, Out: 20, Partner: 8},
		{Num: 2, FD: 8, Label: "link", In: 20, Out: 10, Partner: 7},
	}
	var buf bytes.Buffer
	if err := WriteStatsXML(&buf, snaps); err != nil {
		t.Fatal(err)
	}

	var doc statisticsXML
	if err := xml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Count != 2 || len(doc.Connections) != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	c := doc.Connections[1]
	if c.Num != 2 || c.Server != 8 || c.In != 20 || c.Out != 10 || c.Partner != 7 {
		t.Fatalf("unexpected connection entry: %+v", c)
	}
}

func TestWriteStatsFile(t *testing.T) {
	r := New(newFakeLoop(), discardLogger())
	adopt(t, r, "a", &recorder{})

	path := filepath.Join(t.TempDir(), "stats.xml")
	if err := r.WriteStatsFile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "<connection_number>1</connection_number>") {
		t.Fatalf("unexpected stats file:\n%s", data)
	}
	r.CloseAll(nil)
}
