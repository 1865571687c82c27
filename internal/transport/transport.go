// Package transport implements the CMSG transport abstraction (spec C2): a
// capability interface realised by UNIX, TCP (v4/v6), TIPC, loopback,
// caller-supplied forwarding and broadcast variants, plus the shared
// peek-then-read and accept-thread protocols they all rely on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/alliedtelesis/cmsg-go/pkg/cmsglog"
)

// Default timeouts, per spec §3/§5.
const (
	DefaultClientPeekTimeout = 100 * time.Second
	DefaultServerPeekTimeout = 10 * time.Second
)

// PeekResult is the outcome of peek_for_header (spec §4.2).
type PeekResult int

const (
	PeekOK PeekResult = iota
	PeekClosed
	PeekReset
	PeekTimedOut
	PeekError
)

func (r PeekResult) String() string {
	switch r {
	case PeekOK:
		return "ok"
	case PeekClosed:
		return "connection-closed"
	case PeekReset:
		return "connection-reset"
	case PeekTimedOut:
		return "timed-out"
	default:
		return "error"
	}
}

// ErrNoReply is returned/used as a sentinel by oneway transports in place
// of implementing ClientRecv; the client core treats it as "do not expect
// a reply" rather than as a failure.
var ErrNoReply = errors.New("transport: no reply expected (oneway)")

// Transport is the capability set exposed to the client and server cores
// (spec §4.2). Concrete variants implement whichever subset makes sense;
// oneway variants leave ClientRecv returning ErrNoReply so the client core
// can treat that uniformly as "no reply expected".
type Transport interface {
	// ID is a unique textual id used in logs (spec §3).
	ID() string

	// Oneway reports whether this transport never expects a reply.
	Oneway() bool

	// Listen prepares the transport to Accept new peer connections.
	// Not all transports support listening (e.g. forwarding).
	Listen() error

	// Connect establishes the client side of the transport.
	Connect(ctx context.Context) error

	// Accept blocks until a new peer connects and returns a Transport
	// wrapping that connection. Only valid after Listen.
	Accept() (Transport, error)

	// ClientSend writes a complete framed message as the client.
	ClientSend(frame []byte) error

	// ClientRecv reads one complete framed reply as the client. Returns
	// ErrNoReply for oneway transports.
	ClientRecv() ([]byte, error)

	// ServerRecv performs the peek-then-read protocol for an accepted
	// connection, returning the raw frame bytes (header+TLV+body) or a
	// PeekResult describing why nothing was read.
	ServerRecv() ([]byte, PeekResult, error)

	// ServerSend writes a complete framed message as the server (a
	// reply, or nothing for oneway transports).
	ServerSend(frame []byte) error

	// Close tears down the connection/listener.
	Close() error

	// IsCongested reports whether the underlying transport currently
	// cannot accept more data without blocking.
	IsCongested() bool

	SetSendTimeout(d time.Duration)
	SetRecvPeekTimeout(d time.Duration)
	SetConnectTimeout(d time.Duration)
}

// Kind tags the variant of a Descriptor, used for structural transport
// equality (spec §3: "Transport equality is structural: by transport kind
// and address tuple").
type Kind int

const (
	KindUnix Kind = iota
	KindTCP4
	KindTCP6
	KindTIPC
	KindLoopback
	KindForwarding
	KindBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindUnix:
		return "unix"
	case KindTCP4:
		return "tcp4"
	case KindTCP6:
		return "tcp6"
	case KindTIPC:
		return "tipc"
	case KindLoopback:
		return "loopback"
	case KindForwarding:
		return "forwarding"
	case KindBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// SendFunc is the caller-supplied callback used by the forwarding
// transport's ClientSend (spec §4.2).
type SendFunc func(frame []byte) error

// Descriptor is the tagged-variant transport address (spec §3). Exactly
// one of the address fields is meaningful, selected by Kind.
type Descriptor struct {
	Kind Kind

	// KindUnix
	UnixPath string

	// KindTCP4 / KindTCP6 (KindBroadcast also reads TCPBindIface)
	TCPAddr         string
	TCPPort         int
	TCPBindIface    string

	// Cache, if set, is shared across every Descriptor a caller dials to
	// the same set of remotes so repeated short-lived connections reuse
	// one socket per address instead of reconnecting every time
	// (supplemented feature, see SPEC_FULL.md "TCP connection caching").
	Cache *ConnCache

	// KindTIPC
	TIPCName string

	// KindForwarding
	Send     SendFunc
	UserData interface{}

	// KindBroadcast
	BroadcastAddr string
	BroadcastPort int

	Oneway bool

	SendTimeout    time.Duration
	ConnectTimeout time.Duration
	PeekTimeout    time.Duration

	id string
}

// Equal reports structural equality: same kind and same address tuple,
// independent of timeouts or IDs (spec §3).
func (d Descriptor) Equal(o Descriptor) bool {
	if d.Kind != o.Kind {
		return false
	}
	switch d.Kind {
	case KindUnix:
		return d.UnixPath == o.UnixPath
	case KindTCP4, KindTCP6:
		return d.TCPAddr == o.TCPAddr && d.TCPPort == o.TCPPort
	case KindTIPC:
		return d.TIPCName == o.TIPCName
	case KindBroadcast:
		return d.BroadcastAddr == o.BroadcastAddr && d.BroadcastPort == o.BroadcastPort
	case KindLoopback:
		return true // identity compared by pointer at a higher layer
	case KindForwarding:
		return false // caller-supplied callbacks are never structurally equal
	default:
		return false
	}
}

// ID returns (and memoises) the descriptor's unique textual log id.
func (d *Descriptor) ID() string {
	if d.id != "" {
		return d.id
	}

	switch d.Kind {
	case KindUnix:
		d.id = "unix:" + d.UnixPath
	case KindTCP4:
		d.id = fmt.Sprintf("tcp4:%s:%d", d.TCPAddr, d.TCPPort)
	case KindTCP6:
		d.id = fmt.Sprintf("tcp6:[%s]:%d", d.TCPAddr, d.TCPPort)
	case KindTIPC:
		d.id = "tipc:" + d.TIPCName
	case KindLoopback:
		d.id = "loopback"
	case KindForwarding:
		d.id = "forwarding"
	case KindBroadcast:
		d.id = fmt.Sprintf("broadcast:%s:%d", d.BroadcastAddr, d.BroadcastPort)
	default:
		d.id = "unknown"
	}

	return d.id
}

// New constructs the concrete Transport for a Descriptor.
func New(d Descriptor) (Transport, error) {
	if d.PeekTimeout == 0 {
		d.PeekTimeout = DefaultClientPeekTimeout
	}

	switch d.Kind {
	case KindUnix:
		t := newStreamTransport(d, "unix", d.UnixPath)
		if d.Cache != nil {
			t.EnableConnectionCache(d.Cache)
		}
		return t, nil
	case KindTCP4:
		addr := fmt.Sprintf("%s:%d", d.TCPAddr, d.TCPPort)
		t := newStreamTransport(d, "tcp4", addr)
		if d.Cache != nil {
			t.EnableConnectionCache(d.Cache)
		}
		return t, nil
	case KindTCP6:
		addr := fmt.Sprintf("[%s]:%d", d.TCPAddr, d.TCPPort)
		t := newStreamTransport(d, "tcp6", addr)
		if d.Cache != nil {
			t.EnableConnectionCache(d.Cache)
		}
		return t, nil
	case KindTIPC:
		return newTIPCTransport(d), nil
	case KindLoopback:
		return nil, fmt.Errorf("transport: loopback must be created via NewLoopback")
	case KindForwarding:
		return newForwardingTransport(d), nil
	case KindBroadcast:
		return newBroadcastTransport(d), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %v", d.Kind)
	}
}

// classifyNetErr maps a net.Conn read error to a PeekResult, per spec
// §4.2's {ok, connection-closed, connection-reset, timed-out, error} set.
func classifyNetErr(err error) PeekResult {
	if err == nil {
		return PeekOK
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return PeekTimedOut
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return PeekClosed
	}

	msg := err.Error()
	if contains(msg, "connection reset by peer") {
		return PeekReset
	}
	if contains(msg, "use of closed network connection") {
		return PeekClosed
	}

	return PeekError
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}

func logClosed(id string, r PeekResult) {
	log.Debug("transport %s: peek result %v", id, r)
}
