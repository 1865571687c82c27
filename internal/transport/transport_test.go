package transport

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/alliedtelesis/cmsg-go/internal/wire"
)

func TestConnCacheTakePutCloseAll(t *testing.T) {
	c := NewConnCache()

	if _, ok := c.take("127.0.0.1:1"); ok {
		t.Fatalf("take on empty cache returned ok=true")
	}

	a, b := net.Pipe()
	defer b.Close()

	c.put("127.0.0.1:1", a)

	got, ok := c.take("127.0.0.1:1")
	if !ok || got != a {
		t.Fatalf("take after put = (%v, %v), want (%v, true)", got, ok, a)
	}

	if _, ok := c.take("127.0.0.1:1"); ok {
		t.Fatalf("take should be a one-shot removal")
	}

	c.put("127.0.0.1:2", a)
	c.CloseAll()
	if _, ok := c.take("127.0.0.1:2"); ok {
		t.Fatalf("CloseAll should have emptied the cache")
	}
}

func echoFrame(method string) []byte {
	return wire.Pack(wire.MsgMethodReq, wire.StatusSuccess, 0, method)
}

// TestStreamTransportTCPRoundTrip exercises the plain (unencrypted)
// peek-then-read protocol end to end over a real loopback TCP socket.
func TestStreamTransportTCPRoundTrip(t *testing.T) {
	desc := Descriptor{Kind: KindTCP4, TCPAddr: "127.0.0.1", TCPPort: 19401}

	ln, err := New(desc)
	if err != nil {
		t.Fatalf("New listener: %v", err)
	}
	defer ln.Close()
	if err := ln.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	accepted := make(chan Transport, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- conn
	}()

	cli, err := New(desc)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	defer cli.Close()
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	frame := echoFrame("ping")
	if err := cli.ClientSend(frame); err != nil {
		t.Fatalf("ClientSend: %v", err)
	}

	var srvConn Transport
	select {
	case srvConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("Accept never returned")
	}
	defer srvConn.Close()

	got, result, err := srvConn.ServerRecv()
	if err != nil {
		t.Fatalf("ServerRecv: %v (result=%v)", err, result)
	}
	if result != PeekOK {
		t.Fatalf("ServerRecv result = %v, want PeekOK", result)
	}

	h, err := wire.Parse(got)
	if err != nil {
		t.Fatalf("wire.Parse: %v", err)
	}
	if h.Method != "ping" {
		t.Fatalf("method = %q, want %q", h.Method, "ping")
	}

	reply := wire.Pack(wire.MsgMethodReply, wire.StatusSuccess, 0, "")
	if err := srvConn.ServerSend(reply); err != nil {
		t.Fatalf("ServerSend: %v", err)
	}

	replyGot, err := cli.ClientRecv()
	if err != nil {
		t.Fatalf("ClientRecv: %v", err)
	}
	rh, err := wire.Parse(replyGot)
	if err != nil {
		t.Fatalf("wire.Parse reply: %v", err)
	}
	if rh.Status != wire.StatusSuccess {
		t.Fatalf("reply status = %v, want StatusSuccess", rh.Status)
	}
}

// TestStreamTransportConnectionCacheReuse confirms the supplemented TCP
// connection-cache feature: closing a cache-enabled client transport
// returns its connection for reuse, and the next Connect to the same
// address picks it back up instead of dialing again.
func TestStreamTransportConnectionCacheReuse(t *testing.T) {
	desc := Descriptor{Kind: KindTCP4, TCPAddr: "127.0.0.1", TCPPort: 19402}

	ln, err := New(desc)
	if err != nil {
		t.Fatalf("New listener: %v", err)
	}
	defer ln.Close()
	if err := ln.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c Transport) {
				for {
					_, result, err := c.ServerRecv()
					if err != nil || result != PeekOK {
						return
					}
				}
			}(conn)
		}
	}()

	cache := NewConnCache()
	cachedDesc := desc
	cachedDesc.Cache = cache

	addr := fmt.Sprintf("%s:%d", desc.TCPAddr, desc.TCPPort)

	cli, err := New(cachedDesc)
	if err != nil {
		t.Fatalf("New client: %v", err)
	}
	if err := cli.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := cli.ClientSend(echoFrame("first")); err != nil {
		t.Fatalf("ClientSend: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cached, ok := cache.take(addr)
	if !ok {
		t.Fatalf("Close on a cache-enabled client should have cached its connection")
	}
	cache.put(addr, cached)

	cli2, err := New(cachedDesc)
	if err != nil {
		t.Fatalf("New second client: %v", err)
	}
	if err := cli2.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	defer cli2.Close()

	if _, ok := cache.take(addr); ok {
		t.Fatalf("second Connect should have taken the cached connection, leaving the cache empty")
	}

	if err := cli2.ClientSend(echoFrame("second")); err != nil {
		t.Fatalf("ClientSend on reused connection: %v", err)
	}
}
