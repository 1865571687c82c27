package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alliedtelesis/cmsg-go/internal/crypto"
	"github.com/alliedtelesis/cmsg-go/internal/wire"
	log "github.com/alliedtelesis/cmsg-go/pkg/cmsglog"
)

// streamTransport backs both the UNIX and TCP (v4/v6) variants: all three
// are framed byte streams over a net.Conn, differing only in network/addr.
// Grounded on ron.Server's Listen/ListenUnix/serve (net.Listen +
// ln.Accept loop) and the peek_for_header contract in spec §4.2.
type streamTransport struct {
	desc    Descriptor
	network string // "unix", "tcp4", "tcp6"
	addr    string

	mu       sync.Mutex
	conn     net.Conn
	reader   *bufio.Reader
	listener net.Listener

	sendTimeout    time.Duration
	connectTimeout time.Duration
	peekTimeout    time.Duration

	// connCache caches outbound connections by address so that repeated
	// client invokes to the same remote reuse one socket instead of
	// reconnecting every call (supplemented feature, see SPEC_FULL.md:
	// "TCP connection caching", grounded on
	// original_source cmsg/test/functional/tcp_connection_cache_tests.c).
	cache *connCache
}

func newStreamTransport(d Descriptor, network, addr string) *streamTransport {
	return &streamTransport{
		desc:           d,
		network:        network,
		addr:           addr,
		sendTimeout:    d.SendTimeout,
		connectTimeout: d.ConnectTimeout,
		peekTimeout:    d.PeekTimeout,
	}
}

func (t *streamTransport) ID() string   { return t.desc.ID() }
func (t *streamTransport) Oneway() bool { return t.desc.Oneway }

func (t *streamTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	network := t.network
	if network == "tcp6" {
		network = "tcp"
	}

	ln, err := net.Listen(network, t.addr)
	if err != nil {
		return fmt.Errorf("transport %s: listen: %w", t.ID(), err)
	}

	t.listener = ln
	log.Info("transport %s: listening", t.ID())

	return nil
}

func (t *streamTransport) Accept() (Transport, error) {
	t.mu.Lock()
	ln := t.listener
	t.mu.Unlock()

	if ln == nil {
		return nil, fmt.Errorf("transport %s: Accept called before Listen", t.ID())
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}

	child := newStreamTransport(t.desc, t.network, t.addr)
	child.conn = conn
	child.reader = bufio.NewReaderSize(conn, wire.HeaderSize*4)
	child.peekTimeout = DefaultServerPeekTimeout

	log.Info("transport %s: accepted %v", t.ID(), conn.RemoteAddr())

	return child, nil
}

func (t *streamTransport) dial(ctx context.Context) (net.Conn, error) {
	network := t.network
	if network == "tcp6" {
		network = "tcp"
	}

	d := net.Dialer{Timeout: t.connectTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		if t.connectTimeout == 0 || time.Until(deadline) < t.connectTimeout {
			d.Timeout = time.Until(deadline)
		}
	}

	return d.DialContext(ctx, network, t.addr)
}

func (t *streamTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cache != nil {
		if conn, ok := t.cache.take(t.addr); ok {
			t.conn = conn
			t.reader = bufio.NewReaderSize(conn, wire.HeaderSize*4)
			return nil
		}
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("transport %s: connect: %w", t.ID(), err)
	}

	if t.sendTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.sendTimeout))
	}

	t.conn = conn
	t.reader = bufio.NewReaderSize(conn, wire.HeaderSize*4)

	return nil
}

func (t *streamTransport) ClientSend(frame []byte) error {
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

func (t *streamTransport) ServerSend(frame []byte) error {
	return t.ClientSend(frame)
}

// readFrame implements the shared peek-then-read protocol: peek the fixed
// header (without consuming it), decide the PeekResult, then read the
// full header_length+message_length bytes.
func (t *streamTransport) readFrame() ([]byte, PeekResult, error) {
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

	conn.SetReadDeadline(time.Time{}) // peek succeeded; read the rest without the peek timeout
	buf := make([]byte, total)
	if _, err := readFull(reader, buf); err != nil {
		r := classifyNetErr(err)
		logClosed(t.ID(), r)
		return nil, r, err
	}

	return buf, PeekOK, nil
}

// peekFrameLength peeks just enough of the stream to learn how many bytes
// the next complete frame occupies, without consuming them. A frame is
// either a plaintext CMSG header (spec §6, 16 bytes, header_length +
// message_length) or, when the encryption envelope is active (spec C3),
// an 8-byte {magic, ciphertext_length} prefix followed by that many
// ciphertext bytes. The two are disambiguated by the first 4 bytes: a
// plaintext msg_type is always a small integer, never the ASCII "CMSG"
// magic.
func peekFrameLength(reader *bufio.Reader) (int, error) {
	prefix, err := reader.Peek(8)
	if err != nil {
		return 0, err
	}

	if string(prefix[0:4]) == string(crypto.Magic[:]) {
		n, err := crypto.DecryptLength(prefix)
		if err != nil {
			return 0, err
		}
		return 8 + n, nil
	}

	peek, err := reader.Peek(wire.HeaderSize)
	if err != nil {
		return 0, err
	}

	// Only the fixed header has been peeked, so read the two length fields
	// directly: wire.Parse also needs the TLV block that follows.
	headerLen := binary.BigEndian.Uint32(peek[4:8])
	messageLen := binary.BigEndian.Uint32(peek[8:12])
	if headerLen < wire.HeaderSize {
		return 0, fmt.Errorf("transport: header_length %d less than fixed header size %d", headerLen, wire.HeaderSize)
	}

	return int(headerLen) + int(messageLen), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t *streamTransport) ClientRecv() ([]byte, error) {
	if t.desc.Oneway {
		return nil, ErrNoReply
	}

	buf, result, err := t.readFrame()
	if err != nil {
		if result == PeekTimedOut {
			return nil, fmt.Errorf("transport %s: reply timed out: %w", t.ID(), err)
		}
		return nil, err
	}
	return buf, nil
}

func (t *streamTransport) ServerRecv() ([]byte, PeekResult, error) {
	return t.readFrame()
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.conn != nil {
		// A cache-enabled client connection is returned for reuse
		// instead of closed, matching the original's "cache on
		// success" behaviour (the listener side and any connection
		// that already failed never reach here with a cache set).
		if t.cache != nil && t.listener == nil {
			t.cache.put(t.addr, t.conn)
		} else {
			err = t.conn.Close()
		}
		t.conn = nil
		t.reader = nil
	}
	if t.listener != nil {
		if e := t.listener.Close(); e != nil && err == nil {
			err = e
		}
		t.listener = nil
	}
	return err
}

func (t *streamTransport) IsCongested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Best-effort: a stream socket is "congested" if a zero-timeout write
	// would block. Go's net.Conn doesn't expose SO_SNDBUF occupancy
	// directly, so we treat "not yet connected" as congested and
	// otherwise assume not congested; callers needing precise congestion
	// detection use platform syscalls, which is out of spec's core scope.
	return t.conn == nil
}

func (t *streamTransport) SetSendTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendTimeout = d
}

func (t *streamTransport) SetRecvPeekTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peekTimeout = d
}

func (t *streamTransport) SetConnectTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectTimeout = d
}

// EnableConnectionCache turns on the address-keyed connection cache
// (supplemented feature; see SPEC_FULL.md).
func (t *streamTransport) EnableConnectionCache(c *connCache) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache = c
}
