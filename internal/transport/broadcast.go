package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	log "github.com/alliedtelesis/cmsg-go/pkg/cmsglog"
)

// broadcastTransport is a UDP broadcast variant: ClientSend writes one
// datagram to the broadcast address; there is no reply (oneway by
// construction). It lets a single send reach every node on a subnet
// without individual addresses; no other package in this module
// constructs one.
//
// The raw socket is a plain net.ListenUDP/net.DialUDP (stdlib is the
// idiomatic choice for a UDP socket); golang.org/x/net/ipv4 is wired in
// for the packet-control concern: when Descriptor.TCPBindIface names an
// interface, ClientSend pins the outgoing datagram to it via an
// ipv4.ControlMessage, and ServerRecv reads back the arrival interface of
// every inbound datagram for logging (spec §3's optional bind-interface,
// which a plain net.UDPConn has no way to express).
type broadcastTransport struct {
	desc Descriptor
	addr string

	mu        sync.Mutex
	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	sendAddr  *net.UDPAddr
	sendIface *net.Interface

	peekTimeout time.Duration
}

func newBroadcastTransport(d Descriptor) *broadcastTransport {
	return &broadcastTransport{
		desc:        d,
		addr:        fmt.Sprintf("%s:%d", d.BroadcastAddr, d.BroadcastPort),
		peekTimeout: d.PeekTimeout,
	}
}

func (t *broadcastTransport) ID() string   { return t.desc.ID() }
func (t *broadcastTransport) Oneway() bool { return true }

func (t *broadcastTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	laddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf(":%d", t.desc.BroadcastPort))
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("transport %s: listen: %w", t.ID(), err)
	}

	t.conn = conn
	t.pconn = ipv4.NewPacketConn(conn)
	if err := t.pconn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		// Not fatal: some platforms/sandboxes disallow this; broadcast
		// still works, we just lose the arrival-interface annotation.
		log.Debug("transport %s: SetControlMessage: %v", t.ID(), err)
	}

	log.Info("transport %s: listening for broadcast", t.ID())
	return nil
}

func (t *broadcastTransport) Accept() (Transport, error) {
	return nil, fmt.Errorf("transport %s: Accept not supported, use ServerRecv", t.ID())
}

func (t *broadcastTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp4", t.addr)
	if err != nil {
		return err
	}
	t.sendAddr = addr

	if t.desc.TCPBindIface != "" {
		iface, err := net.InterfaceByName(t.desc.TCPBindIface)
		if err != nil {
			return fmt.Errorf("transport %s: bind interface %s: %w", t.ID(), t.desc.TCPBindIface, err)
		}
		t.sendIface = iface
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("transport %s: connect: %w", t.ID(), err)
	}
	t.conn = conn
	t.pconn = ipv4.NewPacketConn(conn)
	return nil
}

func (t *broadcastTransport) ClientSend(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.sendAddr == nil {
		return fmt.Errorf("transport %s: not connected", t.ID())
	}

	if t.sendIface != nil {
		cm := &ipv4.ControlMessage{IfIndex: t.sendIface.Index}
		_, err := t.pconn.WriteTo(frame, cm, t.sendAddr)
		return err
	}

	_, err := t.conn.WriteToUDP(frame, t.sendAddr)
	return err
}

func (t *broadcastTransport) ClientRecv() ([]byte, error) {
	return nil, ErrNoReply
}

func (t *broadcastTransport) ServerRecv() ([]byte, PeekResult, error) {
	t.mu.Lock()
	conn := t.conn
	pconn := t.pconn
	timeout := t.peekTimeout
	t.mu.Unlock()

	if conn == nil {
		return nil, PeekError, fmt.Errorf("transport %s: not listening", t.ID())
	}

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}

	buf := make([]byte, 64*1024)

	if pconn != nil {
		n, cm, src, err := pconn.ReadFrom(buf)
		if err != nil {
			return nil, classifyNetErr(err), err
		}
		if cm != nil {
			if iface, err := net.InterfaceByIndex(cm.IfIndex); err == nil {
				log.Debug("transport %s: datagram from %v arrived on %s", t.ID(), src, iface.Name)
			}
		}
		return buf[:n], PeekOK, nil
	}

	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, classifyNetErr(err), err
	}

	return buf[:n], PeekOK, nil
}

func (t *broadcastTransport) ServerSend(frame []byte) error {
	// Oneway: no reply path.
	return nil
}

func (t *broadcastTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		t.pconn = nil
		return err
	}
	return nil
}

func (t *broadcastTransport) IsCongested() bool { return false }

func (t *broadcastTransport) SetSendTimeout(d time.Duration)     {}
func (t *broadcastTransport) SetRecvPeekTimeout(d time.Duration) { t.peekTimeout = d }
func (t *broadcastTransport) SetConnectTimeout(d time.Duration)  {}
