package processwatch

import (
	"os/exec"
	"testing"
	"time"

	"github.com/alliedtelesis/cmsg-go/internal/servicelistener"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
)

// TestAttachmentCleansUpOnExit exercises spec §4.11's integration with
// the service-listener registry: a server's owning PID exits, and the
// same removal path an explicit remove_server would take fires without
// one ever being sent.
func TestAttachmentCleansUpOnExit(t *testing.T) {
	if !pidfdSupported() {
		t.Skip("pidfd_open not supported on this kernel")
	}

	daemon := servicelistener.NewDaemon()
	attachment := Attach(daemon)
	defer attachment.Close()

	cmd := exec.Command("/bin/sleep", "0.05")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}

	desc := transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/processwatch-attach-test.sock"}
	daemon.AddServer("cmsg.watchtest", servicelistener.ServerInfo{Desc: desc, PID: cmd.Process.Pid}, false)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, ok := daemon.Registry().Dump()["cmsg.watchtest"]
		if !ok || len(entry.Servers) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	entry, ok := daemon.Registry().Dump()["cmsg.watchtest"]
	if ok && len(entry.Servers) != 0 {
		t.Fatalf("registry entry survived process exit: %+v", entry)
	}

	cmd.Wait()
}

// TestAttachmentSharesWatchAcrossSameOwner covers the reference-counting
// path: two servers owned by the same PID share one underlying watch,
// and an explicit remove_server for one of them does not stop watching
// the PID while the other server is still registered.
func TestAttachmentSharesWatchAcrossSameOwner(t *testing.T) {
	if !pidfdSupported() {
		t.Skip("pidfd_open not supported on this kernel")
	}

	daemon := servicelistener.NewDaemon()
	attachment := Attach(daemon)
	defer attachment.Close()

	cmd := exec.Command("/bin/sleep", "0.3")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	pid := cmd.Process.Pid

	descA := transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/processwatch-attach-a.sock"}
	descB := transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/processwatch-attach-b.sock"}
	daemon.AddServer("cmsg.watchtest.a", servicelistener.ServerInfo{Desc: descA, PID: pid}, false)
	daemon.AddServer("cmsg.watchtest.b", servicelistener.ServerInfo{Desc: descB, PID: pid}, false)

	attachment.mu.Lock()
	refs := attachment.refs[pid]
	attachment.mu.Unlock()
	if refs != 2 {
		t.Fatalf("refs[pid] = %d, want 2", refs)
	}

	daemon.RemoveServer("cmsg.watchtest.a", descA, false)

	attachment.mu.Lock()
	refs = attachment.refs[pid]
	attachment.mu.Unlock()
	if refs != 1 {
		t.Fatalf("refs[pid] after one removal = %d, want 1", refs)
	}

	cmd.Process.Kill()
	cmd.Wait()
}
