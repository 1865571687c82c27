package servicelistener

import (
	"context"
	"testing"
	"time"

	"github.com/alliedtelesis/cmsg-go/internal/server"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
)

// newAdminServer starts a Daemon's admin RPC server on the given
// 127.0.0.1 TCP port and returns both the daemon and its address.
func newAdminServer(t *testing.T, port int) (*Daemon, transport.Descriptor) {
	t.Helper()

	d := NewDaemon()
	srv := server.New(AdminServiceDescriptor(), d.Handlers())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	desc := transport.Descriptor{Kind: transport.KindTCP4, TCPAddr: "127.0.0.1", TCPPort: port}
	ln, err := transport.New(desc)
	if err != nil {
		t.Fatalf("New admin listener: %v", err)
	}
	if err := srv.Listen(ctx, ln); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	return d, desc
}

// newListenerWithServer builds a Listener subscribed against daemon over
// adminDesc, serving its own event deliveries on 127.0.0.1 at notifyPort,
// and returns a channel of observed event names.
func newListenerWithServer(t *testing.T, adminDesc transport.Descriptor, notifyPort int, service, id string) (*Listener, <-chan string) {
	t.Helper()

	notifyDesc := transport.Descriptor{Kind: transport.KindTCP4, TCPAddr: "127.0.0.1", TCPPort: notifyPort}
	notifyLn, err := transport.New(notifyDesc)
	if err != nil {
		t.Fatalf("New notify listener: %v", err)
	}

	events := make(chan string, 4)
	handler := func(event, service string, info ServerInfo) bool {
		events <- event
		return true
	}

	adminTransport, err := transport.New(adminDesc)
	if err != nil {
		t.Fatalf("New admin client transport: %v", err)
	}

	l := NewListener(adminTransport, notifyDesc, service, id, handler)
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go l.Serve(ctx, notifyLn)
	time.Sleep(20 * time.Millisecond)

	if err := l.Subscribe(context.Background()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	return l, events
}

func waitForEvent(t *testing.T, events <-chan string, want string) {
	t.Helper()
	select {
	case ev := <-events:
		if ev != want {
			t.Fatalf("event = %q, want %q", ev, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

// TestServiceListenerLateJoin exercises spec §8 scenario 4: a listener
// subscribed before a server registers gets exactly one server_added,
// then exactly one server_removed when that server unregisters.
func TestServiceListenerLateJoin(t *testing.T) {
	daemon, adminDesc := newAdminServer(t, 19001)
	_, events := newListenerWithServer(t, adminDesc, 19002, "cmsg.test", "listener-1")

	serverDesc := transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/cmsg-test-server.sock"}

	daemon.AddServer("cmsg.test", ServerInfo{Desc: serverDesc, PID: 4242}, false)
	waitForEvent(t, events, EventServerAdded)

	daemon.RemoveServer("cmsg.test", serverDesc, false)
	waitForEvent(t, events, EventServerRemoved)
}

// TestServiceListenerReplaysExistingServersOnSubscribe exercises
// add_listener's replay of already-registered servers (spec §4.9: "on
// add_listener with servers already present, a server_added event is
// delivered for each existing server").
func TestServiceListenerReplaysExistingServersOnSubscribe(t *testing.T) {
	daemon, adminDesc := newAdminServer(t, 19003)

	serverDesc := transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/cmsg-test-server-2.sock"}
	daemon.AddServer("cmsg.test2", ServerInfo{Desc: serverDesc, PID: 99}, false)

	_, events := newListenerWithServer(t, adminDesc, 19004, "cmsg.test2", "listener-2")
	waitForEvent(t, events, EventServerAdded)
}

func TestRegistryRemoveServersByPID(t *testing.T) {
	reg := NewRegistry()
	d1 := transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/a.sock"}
	d2 := transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/b.sock"}

	reg.AddServer("svc", ServerInfo{Desc: d1, PID: 100})
	reg.AddServer("svc", ServerInfo{Desc: d2, PID: 200})

	removed := reg.RemoveServersByPID(100)
	if len(removed) != 1 || removed[0].Info.Desc.UnixPath != "/tmp/a.sock" {
		t.Fatalf("removed = %+v, want one entry for /tmp/a.sock", removed)
	}

	if _, ok := reg.RemoveServer("svc", d1); ok {
		t.Fatal("d1 should already be gone")
	}
	if _, ok := reg.RemoveServer("svc", d2); !ok {
		t.Fatal("d2 should still be present")
	}
}
