// Package composite implements the CMSG composite client (spec C6): a
// client-of-clients that fans an Invoke out to every child in parallel,
// fans the replies back in, and reduces them to one worst-case outcome.
//
// Grounded on meshage.Node.broadcastSend (github.com/sandia-minimega/
// minimega's src/meshage/node.go: iterate a client map, send to each,
// collect errors on a shared channel) and
// original_source/cmsg/src/cmsg_composite_client.c.
package composite

import (
	"context"
	"sync"

	"google.golang.org/protobuf/proto"

	"github.com/alliedtelesis/cmsg-go/internal/client"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
)

// Child pairs a client with the transport descriptor it was added under,
// so children can be found and removed by structural transport equality
// (spec §3) rather than by pointer identity.
type Child struct {
	Desc   transport.Descriptor
	Client *client.Client
}

// Composite is a client-of-clients. Invoke issues every non-loopback
// child's send in turn before awaiting any reply, and runs the loopback
// child (if any) only after all of those sends (spec §4.6).
type Composite struct {
	childMu sync.Mutex // spec §5: composite.child_mutex, outermost lock

	children []*Child
	loopback *Child
}

func New() *Composite {
	return &Composite{}
}

// AddChild registers a child client under desc. Loopback children are
// tracked separately so Invoke can always order them last.
func (c *Composite) AddChild(desc transport.Descriptor, cl *client.Client) {
	c.childMu.Lock()
	defer c.childMu.Unlock()

	child := &Child{Desc: desc, Client: cl}
	if desc.Kind == transport.KindLoopback {
		c.loopback = child
		return
	}
	c.children = append(c.children, child)
}

// RemoveChild drops the child whose descriptor is structurally equal to
// desc (spec §3), returning true if one was found and removed.
func (c *Composite) RemoveChild(desc transport.Descriptor) bool {
	c.childMu.Lock()
	defer c.childMu.Unlock()

	if desc.Kind == transport.KindLoopback {
		if c.loopback != nil {
			c.loopback = nil
			return true
		}
		return false
	}

	for i, child := range c.children {
		if child.Desc.Equal(desc) {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return true
		}
	}
	return false
}

// Children returns a snapshot of the current child list, loopback last.
func (c *Composite) Children() []*Child {
	c.childMu.Lock()
	defer c.childMu.Unlock()

	out := make([]*Child, 0, len(c.children)+1)
	out = append(out, c.children...)
	if c.loopback != nil {
		out = append(out, c.loopback)
	}
	return out
}

// ChildResult is one child's outcome from a fanned-out Invoke.
type ChildResult struct {
	Desc    transport.Descriptor
	Message proto.Message
	Kind    client.ReturnKind
	Err     error
}

// worstRank orders outcomes for precedence: ERR is worse than DROPPED,
// which is worse than QUEUED, which is worse than OK (spec §4.6:
// "the composite's overall return is the worst outcome among its
// children, ERR > DROPPED > QUEUED > OK").
func worstRank(k client.ReturnKind) int {
	switch k {
	case client.ReturnErr, client.ReturnMethodNotFound:
		return 3
	case client.ReturnDropped:
		return 2
	case client.ReturnQueued:
		return 1
	default:
		return 0
	}
}

// Invoke fans method out to every child in two phases (spec §4.6). First,
// every network child's send is issued -- each successful two-way call is
// queued onto a FIFO of outstanding replies rather than awaited in turn.
// The loopback child's in-process implementation then runs, still within
// this send phase, so its real work overlaps with the network replies
// still in flight on the wire (this preserves the latency benefit: total
// time is max(network RTT, loopback time), not their sum). Only after
// that does Invoke walk the FIFO collecting each network child's reply.
func (c *Composite) Invoke(ctx context.Context, method string, input proto.Message, newOutput func() proto.Message) ([]ChildResult, client.ReturnKind, error) {
	children := c.Children()

	var network []*Child
	var loopback *Child
	for _, ch := range children {
		if ch.Desc.Kind == transport.KindLoopback {
			loopback = ch
			continue
		}
		network = append(network, ch)
	}

	type outstanding struct {
		ch      *Child
		pending *client.Pending
	}

	results := make([]ChildResult, 0, len(children))
	fifo := make([]outstanding, 0, len(network))

	for _, ch := range network {
		pending, kind, err := ch.Client.InvokeSend(ctx, method, input)
		if err != nil || pending == nil {
			results = append(results, ChildResult{Desc: ch.Desc, Kind: kind, Err: err})
			continue
		}
		fifo = append(fifo, outstanding{ch: ch, pending: pending})
	}

	if loopback != nil {
		msg, kind, err := loopback.Client.Invoke(ctx, method, input, newOutput)
		results = append(results, ChildResult{Desc: loopback.Desc, Message: msg, Kind: kind, Err: err})
	}

	for _, o := range fifo {
		msg, kind, err := o.pending.Recv(newOutput)
		results = append(results, ChildResult{Desc: o.ch.Desc, Message: msg, Kind: kind, Err: err})
	}

	worst := client.ReturnOK
	var worstErr error
	worstSeen := -1
	for _, r := range results {
		rank := worstRank(r.Kind)
		if rank > worstSeen {
			worstSeen = rank
			worst = r.Kind
			worstErr = r.Err
		}
	}

	return results, worst, worstErr
}

// Lookup finds a child by structural transport equality without removing
// it, used by the pub/sub overlay to map an unsubscribe request back to
// the matching composite child (spec §4.8).
func (c *Composite) Lookup(desc transport.Descriptor) (*Child, bool) {
	c.childMu.Lock()
	defer c.childMu.Unlock()

	if desc.Kind == transport.KindLoopback {
		if c.loopback != nil {
			return c.loopback, true
		}
		return nil, false
	}

	for _, child := range c.children {
		if child.Desc.Equal(desc) {
			return child, true
		}
	}
	return nil, false
}
