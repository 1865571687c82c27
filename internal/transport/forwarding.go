package transport

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/alliedtelesis/cmsg-go/internal/wire"
)

// forwardingTransport has no socket: ClientSend calls the caller-supplied
// callback with the framed bytes, and ServerRecv reads from a caller
// installed in-memory buffer (spec §4.2). Typically used when an external
// process owns the real socket and hands CMSG frames to/from this process
// over some other channel (e.g. a pipe already being read elsewhere).
type forwardingTransport struct {
	desc Descriptor

	inbound *bytes.Buffer // buffer ServerRecv reads from, installed via SetInbound

	peekTimeout time.Duration
}

func newForwardingTransport(d Descriptor) *forwardingTransport {
	return &forwardingTransport{desc: d, peekTimeout: d.PeekTimeout}
}

// SetInbound installs the per-invocation buffer that ServerRecv consumes;
// this is the "user data" pointer from spec §4.2.
func (t *forwardingTransport) SetInbound(buf *bytes.Buffer) {
	t.inbound = buf
}

func (t *forwardingTransport) ID() string   { return t.desc.ID() }
func (t *forwardingTransport) Oneway() bool { return true }

func (t *forwardingTransport) Listen() error                     { return nil }
func (t *forwardingTransport) Connect(ctx context.Context) error { return nil }
func (t *forwardingTransport) Accept() (Transport, error) {
	return nil, fmt.Errorf("transport %s: Accept not supported", t.ID())
}

func (t *forwardingTransport) ClientSend(frame []byte) error {
	if t.desc.Send == nil {
		return fmt.Errorf("transport %s: no Send callback configured", t.ID())
	}
	return t.desc.Send(frame)
}

func (t *forwardingTransport) ClientRecv() ([]byte, error) {
	// Forwarding transports are oneway by construction: the caller's
	// callback has no return channel for a reply.
	return nil, ErrNoReply
}

func (t *forwardingTransport) ServerRecv() ([]byte, PeekResult, error) {
	if t.inbound == nil || t.inbound.Len() == 0 {
		return nil, PeekClosed, fmt.Errorf("transport %s: no inbound data installed", t.ID())
	}

	peek := t.inbound.Bytes()
	if len(peek) < wire.HeaderSize {
		return nil, PeekError, wire.ErrShortHeader
	}

	h, err := wire.Parse(peek)
	if err != nil {
		return nil, PeekError, err
	}

	total := int(h.HeaderLength) + int(h.MessageLength)
	if t.inbound.Len() < total {
		return nil, PeekError, fmt.Errorf("transport %s: inbound buffer shorter than declared frame", t.ID())
	}

	buf := make([]byte, total)
	if _, err := t.inbound.Read(buf); err != nil {
		return nil, PeekError, err
	}

	return buf, PeekOK, nil
}

func (t *forwardingTransport) ServerSend(frame []byte) error {
	// Oneway by construction; nothing to send back.
	return nil
}

func (t *forwardingTransport) Close() error      { t.inbound = nil; return nil }
func (t *forwardingTransport) IsCongested() bool { return false }

func (t *forwardingTransport) SetSendTimeout(d time.Duration)     {}
func (t *forwardingTransport) SetRecvPeekTimeout(d time.Duration) { t.peekTimeout = d }
func (t *forwardingTransport) SetConnectTimeout(d time.Duration)  {}
