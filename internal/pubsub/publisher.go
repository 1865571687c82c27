// Package pubsub implements the CMSG publish/subscribe overlay (spec C8):
// a publisher modelled as a composite client whose children are
// subscribers, with admin RPCs carried on a dedicated subscribe/
// unsubscribe service and per-method queue-filtered fan-out.
//
// Grounded on meshage.Node.Send/broadcastSend (github.com/sandia-
// minimega/minimega's src/meshage/node.go: iterate a client map, send to
// each) layered on top of the composite client built for C6, and
// original_source/cmsg/src/cmsg_pss_api.c (the publisher-subscriber
// storage API the original's pub/sub is named after).
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/alliedtelesis/cmsg-go/internal/client"
	"github.com/alliedtelesis/cmsg-go/internal/composite"
	"github.com/alliedtelesis/cmsg-go/internal/queue"
	"github.com/alliedtelesis/cmsg-go/internal/server"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
	"github.com/alliedtelesis/cmsg-go/internal/wire"
)

const (
	MethodSubscribe   = "cmsg_pubsub_subscribe"
	MethodUnsubscribe = "cmsg_pubsub_unsubscribe"
)

// AdminServiceDescriptor is the fixed two-method service the subscribe/
// unsubscribe admin client talks to. Requests/replies are plain
// StringValue/BoolValue wrappers (see descriptor.go) since the admin
// protocol only ever needs to carry one encoded transport descriptor and
// a method name, and protoc-generated message types are out of scope
// (spec §1).
func AdminServiceDescriptor() *wire.ServiceDescriptor {
	return wire.NewServiceDescriptor("cmsg-pubsub-admin", []wire.MethodDescriptor{
		{
			Name:      MethodSubscribe,
			NewInput:  func() proto.Message { return new(wrapperspb.StringValue) },
			NewOutput: func() proto.Message { return new(wrapperspb.BoolValue) },
		},
		{
			Name:      MethodUnsubscribe,
			NewInput:  func() proto.Message { return new(wrapperspb.StringValue) },
			NewOutput: func() proto.Message { return new(wrapperspb.BoolValue) },
		},
	})
}

// Publisher fans notifications out to subscribers. notifySD describes the
// methods subscribers receive; each is seeded in the publisher-level
// filter map, defaulting to process (spec §4.4/§4.8).
type Publisher struct {
	mu sync.Mutex

	notifySD *wire.ServiceDescriptor
	comp     *composite.Composite
	filter   *queue.FilterMap
}

func NewPublisher(notifySD *wire.ServiceDescriptor) *Publisher {
	names := make([]string, len(notifySD.Methods))
	for i, m := range notifySD.Methods {
		names[i] = m.Name
	}

	return &Publisher{
		notifySD: notifySD,
		comp:     composite.New(),
		filter:   queue.NewFilterMap(names),
	}
}

// Filter exposes the publisher's per-method fan-out policy (spec §4.8:
// "queue filters on the publisher's child list are per-method").
func (p *Publisher) Filter() *queue.FilterMap { return p.filter }

// AdminHandlers returns the subscribe/unsubscribe handlers to register on
// a server.Server built with AdminServiceDescriptor().
func (p *Publisher) AdminHandlers() map[string]server.Handler {
	return map[string]server.Handler{
		MethodSubscribe:   p.handleSubscribe,
		MethodUnsubscribe: p.handleUnsubscribe,
	}
}

func (p *Publisher) handleSubscribe(ctx context.Context, input proto.Message) (proto.Message, error) {
	req := input.(*wrapperspb.StringValue)
	desc, err := decodeDescriptor(req.Value)
	if err != nil {
		return nil, err
	}

	t, err := transport.New(desc)
	if err != nil {
		return nil, fmt.Errorf("pubsub: new subscriber transport: %w", err)
	}

	cl := client.New(p.notifySD, t)

	p.mu.Lock()
	p.comp.AddChild(desc, cl)
	p.mu.Unlock()

	return &wrapperspb.BoolValue{Value: true}, nil
}

func (p *Publisher) handleUnsubscribe(ctx context.Context, input proto.Message) (proto.Message, error) {
	req := input.(*wrapperspb.StringValue)
	desc, err := decodeDescriptor(req.Value)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	removed := p.comp.RemoveChild(desc)
	p.mu.Unlock()

	return &wrapperspb.BoolValue{Value: removed}, nil
}

// Publish fans msg out under method. When the method's filter is
// ActionDrop nothing happens; ActionQueue packs the body once and pushes
// one send-queue entry per subscriber without delivering yet (spec §4.8);
// ActionProcess delivers immediately to every subscriber in parallel via
// the composite's fan-out.
func (p *Publisher) Publish(ctx context.Context, method string, msg proto.Message) error {
	action := p.filter.Lookup(method)
	if action == queue.ActionError {
		return fmt.Errorf("pubsub: unknown notification method %q", method)
	}
	if action == queue.ActionDrop {
		return nil
	}

	if action == queue.ActionQueue {
		body, err := proto.Marshal(msg)
		if err != nil {
			return fmt.Errorf("pubsub: marshal: %w", err)
		}
		frame := append(wire.Pack(wire.MsgMethodReq, wire.StatusSuccess, len(body), method), body...)

		for _, child := range p.comp.Children() {
			child.Client.QueueFrame(method, frame)
		}
		return nil
	}

	_, _, err := p.comp.Invoke(ctx, method, msg, func() proto.Message { return new(wrapperspb.BoolValue) })
	return err
}

// QueueLength sums the currently-queued send entries across every
// subscriber, used to observe the aggregate queue depth (spec §8
// scenario 6).
func (p *Publisher) QueueLength() int {
	total := 0
	for _, child := range p.comp.Children() {
		total += child.Client.QueuedSendCount()
	}
	return total
}

// ProcessAll drains every subscriber's queued notifications (spec §8
// scenario 6's "process_all").
func (p *Publisher) ProcessAll(ctx context.Context) error {
	var firstErr error
	for _, child := range p.comp.Children() {
		if err := child.Client.DrainQueue(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SubscriberCount reports the number of currently-registered subscribers.
func (p *Publisher) SubscriberCount() int {
	return len(p.comp.Children())
}
