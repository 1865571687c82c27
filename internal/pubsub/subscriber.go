package pubsub

import (
	"context"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/alliedtelesis/cmsg-go/internal/client"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
)

// Subscriber is the subscribe-side handle: a dedicated admin client
// talking to a publisher's AdminServiceDescriptor, used only to add and
// remove this subscriber's notification transport from the publisher's
// child list (spec §4.8).
type Subscriber struct {
	admin       *client.Client
	notifyDesc  transport.Descriptor
	notifyDescS string
}

// NewSubscriber builds a Subscriber that will call the publisher reachable
// over adminTransport, registering notifyDesc as the address the
// publisher should deliver notifications to.
func NewSubscriber(adminTransport transport.Transport, notifyDesc transport.Descriptor) (*Subscriber, error) {
	encoded, err := encodeDescriptor(notifyDesc)
	if err != nil {
		return nil, err
	}

	return &Subscriber{
		admin:       client.New(AdminServiceDescriptor(), adminTransport),
		notifyDesc:  notifyDesc,
		notifyDescS: encoded,
	}, nil
}

func newBoolValue() proto.Message { return new(wrapperspb.BoolValue) }

func (s *Subscriber) Subscribe(ctx context.Context) error {
	_, _, err := s.admin.Invoke(ctx, MethodSubscribe, &wrapperspb.StringValue{Value: s.notifyDescS}, newBoolValue)
	return err
}

func (s *Subscriber) Unsubscribe(ctx context.Context) error {
	_, _, err := s.admin.Invoke(ctx, MethodUnsubscribe, &wrapperspb.StringValue{Value: s.notifyDescS}, newBoolValue)
	return err
}

func (s *Subscriber) Close() error { return s.admin.Close() }
