// Package processwatch implements CMSG process-death detection (spec
// C11): a per-PID pidfd watch, falling back to a shared netlink
// connector socket subscribed to PROC_EVENT_EXIT on kernels/builds
// without pidfd_open. Either mechanism feeds the same "pid exited"
// callback into the service-listener daemon's cleanup path.
//
// Grounded on m-lab/tcp-info's netlink request/subscribe pattern
// (inetdiag/socket-monitor.go) for the connector fallback, and
// original_source/service_listener/process_watch.c.
package processwatch

import (
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	log "github.com/alliedtelesis/cmsg-go/pkg/cmsglog"
)

// ExitFunc is called once with the PID whose exit was observed.
type ExitFunc func(pid int)

// Watcher watches a set of PIDs for exit. It picks pidfd_open or the
// netlink-connector fallback once at construction time based on kernel
// support (spec §9: "a capability the implementation picks at startup
// based on kernel support; both deliver the same event").
type Watcher struct {
	onExit   ExitFunc
	usePidfd bool

	mu     sync.Mutex
	pidfds map[int]int

	connMu   sync.Mutex
	connSock *connSocket
	connPids map[int]bool
}

func New(onExit ExitFunc) *Watcher {
	w := &Watcher{onExit: onExit, pidfds: make(map[int]int)}
	w.usePidfd = pidfdSupported()
	if !w.usePidfd {
		w.connPids = make(map[int]bool)
	}
	return w
}

func pidfdSupported() bool {
	fd, err := unix.PidfdOpen(os.Getpid(), 0)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

// Watch starts watching pid. On the pidfd path, if the process has
// already exited, onExit fires immediately (matching spec §4.9's "if
// pidfd_open fails with 'no such process', the entries for that PID are
// removed immediately"). On the netlink-connector path an already-exited
// PID is recorded but never reported.
func (w *Watcher) Watch(pid int) error {
	if w.usePidfd {
		return w.watchPidfd(pid)
	}
	return w.watchConnector(pid)
}

func (w *Watcher) watchPidfd(pid int) error {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		if err == unix.ESRCH {
			go w.onExit(pid)
			return nil
		}
		return err
	}

	w.mu.Lock()
	w.pidfds[pid] = fd
	w.mu.Unlock()

	go w.pollPidfd(pid, fd)
	return nil
}

// pollPidfd blocks until fd becomes readable (the process has exited).
// Unwatch does not close fd or wake the poll; it only removes pid from
// the map, so onExit is skipped once the process does exit.
func (w *Watcher) pollPidfd(pid, fd int) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n > 0 {
			break
		}
	}

	w.mu.Lock()
	_, stillWatched := w.pidfds[pid]
	delete(w.pidfds, pid)
	w.mu.Unlock()

	unix.Close(fd)
	if stillWatched {
		w.onExit(pid)
	}
}

// Unwatch stops watching pid, if it was being watched.
func (w *Watcher) Unwatch(pid int) {
	if w.usePidfd {
		w.mu.Lock()
		delete(w.pidfds, pid)
		w.mu.Unlock()
		return
	}

	w.connMu.Lock()
	delete(w.connPids, pid)
	w.connMu.Unlock()
}

func (w *Watcher) watchConnector(pid int) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if w.connSock == nil {
		sock, err := newConnSocket()
		if err != nil {
			return err
		}
		w.connSock = sock
		go w.connectorLoop(sock)
	}

	w.connPids[pid] = true
	return nil
}

func (w *Watcher) connectorLoop(sock *connSocket) {
	for {
		events, err := sock.receive()
		if err != nil {
			log.Error("processwatch: connector receive: %v", err)
			return
		}

		for _, ev := range events {
			w.connMu.Lock()
			watched := w.connPids[ev.pid]
			if watched {
				delete(w.connPids, ev.pid)
			}
			w.connMu.Unlock()

			if !watched {
				continue
			}
			if abnormalExit(ev.exitCode) {
				log.Debug("processwatch: pid %d terminated abnormally", ev.pid)
			}
			w.onExit(ev.pid)
		}
	}
}

// abnormalExit reports whether a raw task exit_code (wait4-compatible)
// represents death by SIGKILL or any other signal/status in the
// (128,255] range (spec §4.11).
func abnormalExit(rawExitCode uint32) bool {
	ws := syscall.WaitStatus(rawExitCode)

	if ws.Signaled() {
		return true
	}
	if ws.Exited() {
		code := ws.ExitStatus()
		return code > 128 && code <= 255
	}
	return false
}

// Close tears down any open pidfds and the shared connector socket.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for pid, fd := range w.pidfds {
		unix.Close(fd)
		delete(w.pidfds, pid)
	}
	w.mu.Unlock()

	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.connSock != nil {
		return w.connSock.close()
	}
	return nil
}
