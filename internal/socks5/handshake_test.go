package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"

	"onionsocks/internal/domain"
)

func TestServerHandshakePipelined(t *testing.T) {
	in := GreetingRequest{Methods: []byte{MethodUsernamePassword, MethodNone}}.Append(nil)
	in = Request{Command: CmdConnect, Addr: DomainAddr("example.test", 80)}.Append(in)

	hs := NewServerHandshake(MethodNone)
	n, reply, err := hs.Step(in)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(reply, []byte{Version, MethodNone}) {
		t.Fatalf("unexpected method reply %x", reply)
	}
	if hs.State() != domain.StateAwaitingRequest {
		t.Fatalf("unexpected state %s", hs.State())
	}

	m, reply, err := hs.Step(in[n:])
	if err != nil {
		t.Fatal(err)
	}
	if reply != nil || n+m != len(in) {
		t.Fatalf("request should be consumed silently: reply=%x consumed=%d/%d", reply, n+m, len(in))
	}
	if hs.State() != domain.StateConnecting {
		t.Fatalf("unexpected state %s", hs.State())
	}
	if got := hs.Request().Addr.String(); got != "example.test:80" {
		t.Fatalf("unexpected destination %s", got)
	}

	ok := hs.Succeed(netip.MustParseAddrPort("127.0.0.1:9050"))
	resp, _, err := DecodeResponse(ok)
	if err != nil || resp.Reply != RepSuccess || resp.Bind.String() != "127.0.0.1:9050" {
		t.Fatalf("unexpected success reply %+v err=%v", resp, err)
	}
	if hs.State() != domain.StateRelaying {
		t.Fatalf("unexpected state %s", hs.State())
	}
}

func TestServerHandshakeRejects(t *testing.T) {
	onionReq := Request{Command: CmdConnect, Layer: []byte{1, 2, 3}}.Append(nil)
	plainReq := Request{Command: CmdConnect, Addr: DomainAddr("example.test", 80)}.Append(nil)

	tests := []struct {
		name   string
		accept byte
		offer  byte
		req    []byte
		reply  []byte
		want   error
	}{
		{
			name:   "no acceptable method",
			accept: MethodNone,
			offer:  MethodUsernamePassword,
			reply:  []byte{Version, MethodNoAcceptable},
			want:   ErrNoAcceptableMethod,
		},
		{
			name:   "onion layer on the public entry",
			accept: MethodNone,
			offer:  MethodNone,
			req:    onionReq,
			reply:  FailureReply(RepAddressNotSupported),
			want:   ErrAddressType,
		},
		{
			name:   "plain address between nodes",
			accept: MethodOnion,
			offer:  MethodOnion,
			req:    plainReq,
			reply:  FailureReply(RepAddressNotSupported),
			want:   ErrAddressType,
		},
		{
			name:   "bind",
			accept: MethodNone,
			offer:  MethodNone,
			req:    []byte{Version, CmdBind, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0},
			reply:  FailureReply(RepCommandNotSupported),
			want:   ErrUnsupportedCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewServerHandshake(tt.accept)
			_, reply, err := hs.Step(GreetingRequest{Methods: []byte{tt.offer}}.Append(nil))
			if tt.req != nil {
				if err != nil {
					t.Fatal(err)
				}
				_, reply, err = hs.Step(tt.req)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !bytes.Equal(reply, tt.reply) {
				t.Fatalf("expected reply %x, got %x", tt.reply, reply)
			}
			if hs.State() != domain.StateClosed {
				t.Fatalf("expected closed, got %s", hs.State())
			}
		})
	}
}

func TestClientServerHandshake(t *testing.T) {
	req := Request{Command: CmdConnect, Layer: []byte("sealed layer")}
	client := NewClientHandshake(MethodOnion, req)
	server := NewServerHandshake(MethodOnion)

	_, reply, err := server.Step(client.Start())
	if err != nil {
		t.Fatal(err)
	}
	_, out, err := client.Step(reply)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := server.Step(out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(server.Request().Layer, req.Layer) {
		t.Fatalf("layer mangled: %q", server.Request().Layer)
	}

	bind := netip.MustParseAddrPort("[2001:db8::7]:443")
	if _, _, err := client.Step(server.Succeed(bind)); err != nil {
		t.Fatal(err)
	}
	if !client.Done() {
		t.Fatalf("client should be relaying, got %s", client.State())
	}
	if got, _ := client.Bound().AddrPort(); got != bind {
		t.Fatalf("expected bound %s got %s", bind, got)
	}
}

func TestClientHandshakeFailureReply(t *testing.T) {
	client := NewClientHandshake(MethodOnion, Request{Layer: []byte{1}})
	client.Start()
	if _, _, err := client.Step([]byte{Version, MethodOnion}); err != nil {
		t.Fatal(err)
	}

	reply := FailureReply(RepConnectionRefused)
	// Half a reply waits for more.
	if n, _, err := client.Step(reply[:5]); n != 0 || err != nil {
		t.Fatalf("expected to wait, got n=%d err=%v", n, err)
	}
	_, _, err := client.Step(reply)
	var re *ReplyError
	if !errors.As(err, &re) || re.Code != RepConnectionRefused {
		t.Fatalf("expected refused reply error, got %v", err)
	}
	if ReplyCode(err) != RepConnectionRefused {
		t.Fatal("reply code should pass through unchanged")
	}
	if client.State() != domain.StateClosed {
		t.Fatalf("expected closed, got %s", client.State())
	}
}

func TestClientHandshakeWrongMethod(t *testing.T) {
	client := NewClientHandshake(MethodOnion, Request{Layer: []byte{1}})
	_, _, err := client.Step([]byte{Version, MethodNoAcceptable})
	if !errors.Is(err, ErrNoAcceptableMethod) {
		t.Fatalf("expected no acceptable method, got %v", err)
	}
}

// TestServerHandshakeWithReferenceClient drives the server machine with the
// reference client encoder, delivering input a few bytes at a time.
func TestServerHandshakeWithReferenceClient(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		hs := NewServerHandshake(MethodNone)
		var in []byte
		chunk := make([]byte, 3)
		for hs.State() != domain.StateConnecting {
			k, err := serverConn.Read(chunk)
			if err != nil {
				return err
			}
			in = append(in, chunk[:k]...)
			for {
				n, reply, err := hs.Step(in)
				if err != nil {
					return err
				}
				if len(reply) > 0 {
					if _, err := serverConn.Write(reply); err != nil {
						return err
					}
				}
				if n == 0 {
					break
				}
				in = in[n:]
			}
		}
		if got := hs.Request().Addr.String(); got != "example.test:80" {
			return fmt.Errorf("unexpected destination %s", got)
		}
		_, err := serverConn.Write(hs.Succeed(netip.MustParseAddrPort("127.0.0.1:1080")))
		return err
	})

	if _, err := txsocks5.NewNegotiationRequest([]byte{txsocks5.MethodNone}).WriteTo(clientConn); err != nil {
		t.Fatal(err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(clientConn)
	if err != nil {
		t.Fatal(err)
	}
	if neg.Method != txsocks5.MethodNone {
		t.Fatalf("unexpected method 0x%02x", neg.Method)
	}

	atyp, addr, port, err := txsocks5.ParseAddress("example.test:80")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr[1:], port).WriteTo(clientConn); err != nil {
		t.Fatal(err)
	}
	rep, err := txsocks5.NewReplyFrom(clientConn)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		t.Fatalf("unexpected reply 0x%02x", rep.Rep)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
