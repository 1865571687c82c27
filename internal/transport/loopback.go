package transport

import (
	"context"
	"fmt"
	"time"
)

// Dispatcher is implemented by a server so a loopback Transport can hand a
// request frame straight to that server's dispatch logic rather than
// round-tripping through a socket (spec §4.2: "A client paired directly
// with an owning server; invoke routes input straight into the server's
// dispatch without framing"). "Without framing" here means no socket
// encode/decode syscalls occur -- the already-packed frame bytes are
// passed by reference to an in-process call.
type Dispatcher interface {
	DispatchLoopback(frame []byte) (reply []byte, err error)
}

type loopbackTransport struct {
	desc       Descriptor
	dispatcher Dispatcher

	sendTimeout    time.Duration
	connectTimeout time.Duration
	peekTimeout    time.Duration

	pending []byte
}

// NewLoopback creates a loopback transport bound to an in-process server.
func NewLoopback(dispatcher Dispatcher) Transport {
	return &loopbackTransport{
		desc:       Descriptor{Kind: KindLoopback},
		dispatcher: dispatcher,
	}
}

func (t *loopbackTransport) ID() string   { return t.desc.ID() }
func (t *loopbackTransport) Oneway() bool { return false }

func (t *loopbackTransport) Listen() error                    { return nil }
func (t *loopbackTransport) Connect(ctx context.Context) error { return nil }
func (t *loopbackTransport) Accept() (Transport, error) {
	return nil, fmt.Errorf("transport %s: Accept not supported", t.ID())
}

func (t *loopbackTransport) ClientSend(frame []byte) error {
	t.pending = frame
	return nil
}

func (t *loopbackTransport) ClientRecv() ([]byte, error) {
	if t.pending == nil {
		return nil, fmt.Errorf("transport %s: ClientRecv without a pending send", t.ID())
	}
	reply, err := t.dispatcher.DispatchLoopback(t.pending)
	t.pending = nil
	return reply, err
}

func (t *loopbackTransport) ServerRecv() ([]byte, PeekResult, error) {
	return nil, PeekError, fmt.Errorf("transport %s: ServerRecv not supported", t.ID())
}

func (t *loopbackTransport) ServerSend(frame []byte) error {
	return fmt.Errorf("transport %s: ServerSend not supported", t.ID())
}

func (t *loopbackTransport) Close() error        { return nil }
func (t *loopbackTransport) IsCongested() bool   { return false }

func (t *loopbackTransport) SetSendTimeout(d time.Duration)    { t.sendTimeout = d }
func (t *loopbackTransport) SetRecvPeekTimeout(d time.Duration) { t.peekTimeout = d }
func (t *loopbackTransport) SetConnectTimeout(d time.Duration)  { t.connectTimeout = d }
