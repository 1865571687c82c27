// Package client implements the CMSG client core (spec C5): the
// five-state connection lifecycle, the invoke pipeline (filter lookup,
// pack, send, receive, unpack), the echo protocol, and the queue-aware
// retry path shared with the composite client.
//
// Grounded on internal/ron's client/heartbeat reconnect loop
// (github.com/sandia-minimega/minimega's Ron.startClient/heartbeat, a
// single struct owning one outbound connection plus periodic liveness
// checks) and original_source/cmsg/src/cmsg_client.c. Uses
// google.golang.org/protobuf/proto for (un)marshalling request/reply
// bodies.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/alliedtelesis/cmsg-go/internal/crypto"
	"github.com/alliedtelesis/cmsg-go/internal/queue"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
	"github.com/alliedtelesis/cmsg-go/internal/wire"
	log "github.com/alliedtelesis/cmsg-go/pkg/cmsglog"
)

// State is the client connection lifecycle (spec §4.5).
type State int

const (
	StateInit State = iota
	StateConnected
	StateClosed
	StateFailed
	StateQueued
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	case StateQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// ReturnKind is the outcome of an Invoke call (spec §4.5).
type ReturnKind int

const (
	ReturnOK ReturnKind = iota
	ReturnQueued
	ReturnDropped
	ReturnErr
	ReturnMethodNotFound
	ReturnClosed
)

func (k ReturnKind) String() string {
	switch k {
	case ReturnOK:
		return "ok"
	case ReturnQueued:
		return "queued"
	case ReturnDropped:
		return "dropped"
	case ReturnErr:
		return "err"
	case ReturnMethodNotFound:
		return "method-not-found"
	case ReturnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DeriveFunc matches crypto.DeriveFunc; re-exported so callers configuring
// an encrypted client don't need to import internal/crypto directly.
type DeriveFunc = crypto.DeriveFunc

// Client is one CMSG client endpoint: a service descriptor bound to a
// single transport connection, with its own filter map and send queue.
//
// Lock order, matching the composite client above it (spec §5):
// invokeMu -> sendMu -> queueMu.
type Client struct {
	service   *wire.ServiceDescriptor
	transport transport.Transport

	invokeMu sync.Mutex // held across a whole Invoke (send+recv)
	sendMu   sync.Mutex // guards transport writes
	queueMu  sync.Mutex // guards state/sendQueue

	state State
	queue *queue.FilterMap
	send  *queue.SendQueue

	sa        *crypto.SA
	deriveKey DeriveFunc
}

// New builds a Client bound to t, ready to Connect. sd's method list seeds
// the per-method filter map (spec §4.4), all defaulting to process.
func New(sd *wire.ServiceDescriptor, t transport.Transport) *Client {
	names := make([]string, len(sd.Methods))
	for i, m := range sd.Methods {
		names[i] = m.Name
	}

	return &Client{
		service:   sd,
		transport: t,
		state:     StateInit,
		queue:     queue.NewFilterMap(names),
		send:      queue.NewSendQueue(),
	}
}

// EnableEncryption arms the AES-CBC envelope (spec C3) for this client;
// deriveKey is invoked after the nonce handshake to initialise the shared
// security association.
func (c *Client) EnableEncryption(sa *crypto.SA, deriveKey DeriveFunc) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.sa = sa
	c.deriveKey = deriveKey
}

func (c *Client) State() State {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.queueMu.Lock()
	c.state = s
	c.queueMu.Unlock()
}

// Transport returns the underlying transport, used by the composite
// client for structural-equality lookups.
func (c *Client) Transport() transport.Transport { return c.transport }

// Connect dials the client's transport if not already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.queueMu.Lock()
	state := c.state
	c.queueMu.Unlock()

	if state == StateConnected {
		return nil
	}

	if err := c.transport.Connect(ctx); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("client: connect: %w", err)
	}

	c.setState(StateConnected)
	return nil
}

// Close tears down the transport and marks the client closed.
func (c *Client) Close() error {
	c.setState(StateClosed)
	return c.transport.Close()
}

var (
	// ErrMethodNotFound is returned when the service descriptor has no
	// such method (checked client-side before any I/O, spec §4.4).
	ErrMethodNotFound = errors.New("client: method not found")
	// ErrDropped is returned when the method's filter policy is drop.
	ErrDropped = errors.New("client: method dropped by filter")
)

// Invoke runs the full pipeline for one RPC: filter lookup, pack, send
// (queueing or dropping per the method's filter policy), receive, and
// unpack (spec §4.5). The invoke mutex is held across the entire
// round-trip so a composite client can serialise concurrent callers
// without tearing a single child's request/reply pairing.
func (c *Client) Invoke(ctx context.Context, method string, input proto.Message, newOutput func() proto.Message) (proto.Message, ReturnKind, error) {
	pending, kind, err := c.InvokeSend(ctx, method, input)
	if err != nil || pending == nil {
		return nil, kind, err
	}
	return pending.Recv(newOutput)
}

// Pending is an in-flight request whose send has completed and whose
// reply is still outstanding, returned by InvokeSend once nothing further
// is expected to block and consumed by Recv. Used by the composite client
// to implement spec §4.6's fan-out: issue every child's send before
// waiting on any child's reply.
type Pending struct {
	c      *Client
	method string
}

// InvokeSend runs the filter lookup, pack, and send steps of Invoke and
// stops short of waiting for a reply. c.invokeMu is acquired here and
// held until the returned Pending's Recv is called -- or released
// immediately by InvokeSend itself when there is nothing left to receive
// (method-not-found, dropped, queued, send failure, or a oneway method).
func (c *Client) InvokeSend(ctx context.Context, method string, input proto.Message) (*Pending, ReturnKind, error) {
	c.invokeMu.Lock()

	m := c.service.ByName(method)
	if m == nil {
		c.invokeMu.Unlock()
		return nil, ReturnMethodNotFound, ErrMethodNotFound
	}

	action := c.queue.Lookup(method)
	if action == queue.ActionError {
		c.invokeMu.Unlock()
		return nil, ReturnMethodNotFound, ErrMethodNotFound
	}
	if action == queue.ActionDrop {
		c.invokeMu.Unlock()
		return nil, ReturnDropped, ErrDropped
	}

	body, err := proto.Marshal(input)
	if err != nil {
		c.invokeMu.Unlock()
		return nil, ReturnErr, fmt.Errorf("client: marshal request: %w", err)
	}

	// Connected before building the frame: an encrypted client whose SA
	// isn't ready yet sends its nonce datagram inline from buildFrame,
	// which needs a live transport to write to.
	if err := c.Connect(ctx); err != nil {
		c.invokeMu.Unlock()
		return nil, ReturnErr, err
	}

	frame, err := c.buildFrame(wire.MsgMethodReq, wire.StatusSuccess, method, body)
	if err != nil {
		c.invokeMu.Unlock()
		return nil, ReturnErr, err
	}

	if action == queue.ActionQueue {
		c.send.Push(queue.SendEntry{Method: method, Frame: frame})
		c.setState(StateQueued)
		c.invokeMu.Unlock()
		return nil, ReturnQueued, nil
	}

	if err := c.sendWithReconnect(ctx, frame); err != nil {
		c.setState(StateFailed)
		c.transport.Close()
		c.invokeMu.Unlock()
		return nil, ReturnErr, fmt.Errorf("client: send: %w", err)
	}

	if m.Oneway {
		c.invokeMu.Unlock()
		return nil, ReturnOK, nil
	}

	return &Pending{c: c, method: method}, ReturnOK, nil
}

// Recv completes a request begun by InvokeSend: receives and unpacks the
// reply, then releases the invoke mutex InvokeSend acquired.
func (p *Pending) Recv(newOutput func() proto.Message) (proto.Message, ReturnKind, error) {
	c := p.c
	defer c.invokeMu.Unlock()

	replyBody, status, err := c.recvFrame()
	if err != nil {
		if errors.Is(err, transport.ErrNoReply) {
			return nil, ReturnOK, nil
		}
		c.setState(StateFailed)
		return nil, ReturnErr, fmt.Errorf("client: recv: %w", err)
	}

	switch status {
	case wire.StatusMethodNotFound:
		return nil, ReturnMethodNotFound, fmt.Errorf("client: %s: method not found on server", p.method)
	case wire.StatusServiceDropped:
		return nil, ReturnDropped, nil
	case wire.StatusServiceQueued:
		return nil, ReturnQueued, nil
	case wire.StatusServiceFailed, wire.StatusServerConnReset, wire.StatusConnectionClosed, wire.StatusTooManyPending:
		return nil, ReturnErr, fmt.Errorf("client: %s: server status %v", p.method, status)
	}

	out := newOutput()
	if err := proto.Unmarshal(replyBody, out); err != nil {
		return nil, ReturnErr, fmt.Errorf("client: unmarshal reply: %w", err)
	}

	return out, ReturnOK, nil
}

// QueueFrame pushes an already-packed frame directly onto this client's
// send queue, bypassing marshal/pack. Used by the pub/sub publisher (spec
// §4.8) so a notification body is marshalled once per Publish call rather
// than once per subscriber.
func (c *Client) QueueFrame(method string, frame []byte) {
	c.send.Push(queue.SendEntry{Method: method, Frame: frame})
	c.setState(StateQueued)
}

// QueuedSendCount reports how many frames are currently queued for this
// client, used by the pub/sub publisher to report aggregate queue length
// (spec §8 scenario 6).
func (c *Client) QueuedSendCount() int { return c.send.Len() }

// DrainQueue flushes any invocations queued by a previous ActionQueue
// filter hit (spec §4.4). The retry-then-purge semantics live in
// queue.SendQueue.Drain.
func (c *Client) DrainQueue(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.send.Drain(c.sendFrame)
}

func (c *Client) buildFrame(msgType wire.MsgType, status wire.Status, method string, body []byte) ([]byte, error) {
	header := wire.Pack(msgType, status, len(body), method)
	frame := append(header, body...)

	c.queueMu.Lock()
	sa := c.sa
	c.queueMu.Unlock()

	if sa == nil {
		return frame, nil
	}

	// An inbound context reset by SA.ResetInbound also counts as not
	// ready, so the next send starts with a fresh nonce.
	if _, decReady := sa.Ready(); decReady {
		enc, err := crypto.Encrypt(sa, frame)
		if err != nil && !errors.Is(err, crypto.ErrNotReady) {
			return nil, fmt.Errorf("client: encrypt: %w", err)
		}
		if err == nil {
			return enc, nil
		}
	}

	// Not ready yet: the wire format requires the first datagram from a
	// new client to be the bare {magic, nonce-length, nonce} handshake
	// (spec §6), so it goes out on the wire here rather than being
	// returned as "the" frame -- the caller's actual request still
	// travels as the second send, now as real ciphertext.
	nonce, err := crypto.NewNonce(16)
	if err != nil {
		return nil, fmt.Errorf("client: nonce: %w", err)
	}
	if err := c.sendFrame(crypto.EncodeNonceFrame(nonce)); err != nil {
		return nil, fmt.Errorf("client: send nonce: %w", err)
	}
	if err := crypto.Derive(sa, nonce, c.deriveKey); err != nil {
		return nil, err
	}

	return crypto.Encrypt(sa, frame)
}

func (c *Client) sendFrame(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.transport.ClientSend(frame)
}

// sendWithReconnect implements spec §4.5 step 5: on a failed send, close
// and reconnect once, then retry; a second failure is left for the caller
// to turn into FAILED. Does not retry on the very first Connect of a
// client's lifetime -- only once an initial send has actually failed.
func (c *Client) sendWithReconnect(ctx context.Context, frame []byte) error {
	err := c.sendFrame(frame)
	if err == nil {
		return nil
	}

	c.transport.Close()
	c.setState(StateInit)
	if rerr := c.Connect(ctx); rerr != nil {
		return fmt.Errorf("send failed (%v), reconnect failed: %w", err, rerr)
	}

	return c.sendFrame(frame)
}

func (c *Client) recvFrame() ([]byte, wire.Status, error) {
	c.sendMu.Lock()
	raw, err := c.transport.ClientRecv()
	c.sendMu.Unlock()

	if err != nil {
		return nil, 0, err
	}

	c.queueMu.Lock()
	sa := c.sa
	c.queueMu.Unlock()

	if sa != nil {
		plain, err := crypto.Decrypt(sa, raw)
		if err != nil {
			return nil, 0, fmt.Errorf("client: decrypt: %w", err)
		}
		raw = plain
	}

	h, err := wire.Parse(raw)
	if err != nil {
		return nil, 0, err
	}

	body := raw[h.HeaderLength : h.HeaderLength+h.MessageLength]
	return body, h.Status, nil
}

// SendEcho/RecvEchoReply implement the liveness probe (spec §4.5): a
// zero-body ECHO_REQ/ECHO_REPLY pair used to detect a dead peer without
// invoking an actual method.
func (c *Client) SendEcho(ctx context.Context) error {
	c.invokeMu.Lock()
	defer c.invokeMu.Unlock()

	if err := c.Connect(ctx); err != nil {
		return err
	}

	frame, err := c.buildFrame(wire.MsgEchoReq, wire.StatusSuccess, "", nil)
	if err != nil {
		return err
	}
	return c.sendFrame(frame)
}

func (c *Client) RecvEchoReply(timeout time.Duration) error {
	c.transport.SetRecvPeekTimeout(timeout)
	_, status, err := c.recvFrame()
	if err != nil {
		return err
	}
	if status != wire.StatusSuccess {
		return fmt.Errorf("client: echo reply status %v", status)
	}
	return nil
}

// Filter exposes the per-method policy map so callers can queue/drop
// methods before invoking them (spec §4.4).
func (c *Client) Filter() *queue.FilterMap { return c.queue }
