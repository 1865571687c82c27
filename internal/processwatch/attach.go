package processwatch

import (
	"sync"

	"github.com/alliedtelesis/cmsg-go/internal/servicelistener"
)

// Attachment wires a Watcher to a servicelistener.Daemon: every server
// registered under a distinct PID is watched exactly once, and the
// daemon's registry is cleaned up (spec §4.11's "the same removal path"
// as an explicit remove_server) the moment that PID exits. Several
// registrations under the same PID share one underlying Watch call,
// reference-counted so the PID is only unwatched once its last server
// is gone.
type Attachment struct {
	watcher *Watcher
	daemon  *servicelistener.Daemon

	mu   sync.Mutex
	refs map[int]int
}

// Attach starts watching every PID that registers a server with daemon,
// for the lifetime of the returned Attachment. Call Close to stop.
func Attach(daemon *servicelistener.Daemon) *Attachment {
	a := &Attachment{
		daemon: daemon,
		refs:   make(map[int]int),
	}
	a.watcher = New(a.onExit)
	daemon.SetProcessHooks(a.Track, a.Untrack)
	return a
}

// Track records that pid owns a newly registered server and starts
// watching it if this is the first server owned by that PID.
func (a *Attachment) Track(pid int) {
	if pid <= 0 {
		return
	}

	a.mu.Lock()
	n := a.refs[pid]
	a.refs[pid] = n + 1
	a.mu.Unlock()

	if n == 0 {
		if err := a.watcher.Watch(pid); err != nil {
			a.mu.Lock()
			delete(a.refs, pid)
			a.mu.Unlock()
		}
	}
}

// Untrack records that one of pid's servers was removed directly (an
// explicit remove_server rather than a process exit), dropping the
// watch once its reference count reaches zero.
func (a *Attachment) Untrack(pid int) {
	if pid <= 0 {
		return
	}

	a.mu.Lock()
	n, ok := a.refs[pid]
	if !ok {
		a.mu.Unlock()
		return
	}
	n--
	if n <= 0 {
		delete(a.refs, pid)
	} else {
		a.refs[pid] = n
	}
	a.mu.Unlock()

	if n <= 0 {
		a.watcher.Unwatch(pid)
	}
}

func (a *Attachment) onExit(pid int) {
	a.mu.Lock()
	delete(a.refs, pid)
	a.mu.Unlock()

	a.daemon.NotifyProcessExit(pid)
}

// Close stops watching every tracked PID and tears down the underlying
// Watcher.
func (a *Attachment) Close() error {
	a.daemon.SetProcessHooks(nil, nil)
	return a.watcher.Close()
}
