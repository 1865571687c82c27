package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/alliedtelesis/cmsg-go/internal/wire"
	log "github.com/alliedtelesis/cmsg-go/pkg/cmsglog"
)

// tipcTransport is a connection-oriented AF_TIPC stream transport. TIPC has
// no net.Dial/net.Listen support in the standard library, so the socket is
// opened via golang.org/x/sys/unix raw syscalls (grounded on the
// syscall-level netlink socket work in m-lab-tcp-info's
// collector/socket-monitor.go, the pack's example of reaching past `net`
// for a protocol family it doesn't cover) and then wrapped with
// net.FileConn so it gets ordinary net.Conn deadlines/Read/Write.
//
// The TIPC service address is a (type, instance) pair; Descriptor.TIPCName
// is formatted "type:instance" (e.g. "100:0").
type tipcTransport struct {
	desc Descriptor

	svcType, svcInstance uint32

	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	listenFd int

	sendTimeout    time.Duration
	connectTimeout time.Duration
	peekTimeout    time.Duration
}

func newTIPCTransport(d Descriptor) *tipcTransport {
	typ, inst := parseTIPCName(d.TIPCName)
	return &tipcTransport{
		desc:        d,
		svcType:     typ,
		svcInstance: inst,
		peekTimeout: d.PeekTimeout,
		listenFd:    -1,
	}
}

func parseTIPCName(name string) (uint32, uint32) {
	parts := strings.SplitN(name, ":", 2)
	typ, _ := strconv.ParseUint(parts[0], 10, 32)
	var inst uint64
	if len(parts) > 1 {
		inst, _ = strconv.ParseUint(parts[1], 10, 32)
	}
	return uint32(typ), uint32(inst)
}

func (t *tipcTransport) ID() string   { return t.desc.ID() }
func (t *tipcTransport) Oneway() bool { return t.desc.Oneway }

func (t *tipcTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd, err := unix.Socket(unix.AF_TIPC, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("transport %s: socket: %w", t.ID(), err)
	}

	sa := &unix.SockaddrTIPC{
		Scope: unix.TIPC_CLUSTER_SCOPE,
		Addr: &unix.TIPCServiceRange{
			Type:  t.svcType,
			Lower: t.svcInstance,
			Upper: t.svcInstance,
		},
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport %s: bind: %w", t.ID(), err)
	}

	if err := unix.Listen(fd, 64); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport %s: listen: %w", t.ID(), err)
	}

	t.listenFd = fd
	log.Info("transport %s: listening (TIPC type=%d instance=%d)", t.ID(), t.svcType, t.svcInstance)

	return nil
}

func (t *tipcTransport) Accept() (Transport, error) {
	t.mu.Lock()
	fd := t.listenFd
	t.mu.Unlock()

	if fd < 0 {
		return nil, fmt.Errorf("transport %s: Accept called before Listen", t.ID())
	}

	nfd, _, err := unix.Accept(fd)
	if err != nil {
		return nil, fmt.Errorf("transport %s: accept: %w", t.ID(), err)
	}

	conn, err := wrapSocketFd(nfd, t.ID())
	if err != nil {
		return nil, err
	}

	child := newTIPCTransport(t.desc)
	child.conn = conn
	child.reader = bufio.NewReaderSize(conn, wire.HeaderSize*4)
	child.peekTimeout = DefaultServerPeekTimeout

	return child, nil
}

// wrapSocketFd wraps a raw, already-accepted/connected socket fd as a
// net.Conn so the rest of the transport can use ordinary deadlines.
func wrapSocketFd(fd int, id string) (net.Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport %s: set nonblock: %w", id, err)
	}

	f := os.NewFile(uintptr(fd), id)
	conn, err := net.FileConn(f)
	f.Close() // net.FileConn dup's the fd; close our copy
	if err != nil {
		return nil, fmt.Errorf("transport %s: FileConn: %w", id, err)
	}
	return conn, nil
}

func (t *tipcTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd, err := unix.Socket(unix.AF_TIPC, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("transport %s: socket: %w", t.ID(), err)
	}

	sa := &unix.SockaddrTIPC{
		Scope: unix.TIPC_CLUSTER_SCOPE,
		Addr: &unix.TIPCServiceName{
			Type:     t.svcType,
			Instance: t.svcInstance,
			Domain:   0,
		},
	}

	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport %s: connect: %w", t.ID(), err)
	}

	conn, err := wrapSocketFd(fd, t.ID())
	if err != nil {
		return err
	}

	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, wire.HeaderSize*4)

	return nil
}

func (t *tipcTransport) ClientSend(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	timeout := t.sendTimeout
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("transport %s: not connected", t.ID())
	}
	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := conn.Write(frame)
	return err
}

func (t *tipcTransport) ServerSend(frame []byte) error { return t.ClientSend(frame) }

func (t *tipcTransport) readFrame() ([]byte, PeekResult, error) {
	t.mu.Lock()
	conn := t.conn
	reader := t.reader
	timeout := t.peekTimeout
	t.mu.Unlock()

	if conn == nil || reader == nil {
		return nil, PeekError, fmt.Errorf("transport %s: not connected", t.ID())
	}

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}

	total, err := peekFrameLength(reader)
	if err != nil {
		r := classifyNetErr(err)
		logClosed(t.ID(), r)
		return nil, r, err
	}

	conn.SetReadDeadline(time.Time{})

	buf := make([]byte, total)
	if _, err := readFull(reader, buf); err != nil {
		r := classifyNetErr(err)
		logClosed(t.ID(), r)
		return nil, r, err
	}

	return buf, PeekOK, nil
}

func (t *tipcTransport) ClientRecv() ([]byte, error) {
	if t.desc.Oneway {
		return nil, ErrNoReply
	}
	buf, _, err := t.readFrame()
	return buf, err
}

func (t *tipcTransport) ServerRecv() ([]byte, PeekResult, error) { return t.readFrame() }

func (t *tipcTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.conn != nil {
		err = t.conn.Close()
		t.conn = nil
		t.reader = nil
	}
	if t.listenFd >= 0 {
		unix.Close(t.listenFd)
		t.listenFd = -1
	}
	return err
}

func (t *tipcTransport) IsCongested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn == nil
}

func (t *tipcTransport) SetSendTimeout(d time.Duration)     { t.mu.Lock(); t.sendTimeout = d; t.mu.Unlock() }
func (t *tipcTransport) SetRecvPeekTimeout(d time.Duration) { t.mu.Lock(); t.peekTimeout = d; t.mu.Unlock() }
func (t *tipcTransport) SetConnectTimeout(d time.Duration) {
	t.mu.Lock()
	t.connectTimeout = d
	t.mu.Unlock()
}
