package composite

import (
	"context"
	"fmt"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/alliedtelesis/cmsg-go/internal/client"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
	"github.com/alliedtelesis/cmsg-go/internal/wire"
)

// fixedDispatcher always replies with the same status, regardless of the
// request, so tests can pin one child's outcome.
type fixedDispatcher struct {
	status wire.Status
	fail   bool
}

func (d *fixedDispatcher) DispatchLoopback(frame []byte) ([]byte, error) {
	if d.fail {
		return nil, fmt.Errorf("simulated transport failure")
	}
	return wire.Pack(wire.MsgMethodReply, d.status, 0, ""), nil
}

func testSD() *wire.ServiceDescriptor {
	return wire.NewServiceDescriptor("cmsg-test", []wire.MethodDescriptor{
		{
			Name:      "simple_rpc_test",
			NewInput:  func() proto.Message { return new(wrapperspb.BoolValue) },
			NewOutput: func() proto.Message { return new(wrapperspb.BoolValue) },
		},
	})
}

func newChildOn(sd *wire.ServiceDescriptor, status wire.Status, fail bool) *client.Client {
	d := &fixedDispatcher{status: status, fail: fail}
	return client.New(sd, transport.NewLoopback(d))
}

func TestInvokeFanOutOKWhenAllSucceed(t *testing.T) {
	sd := testSD()
	comp := New()

	comp.AddChild(transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/a"}, newChildOn(sd, wire.StatusSuccess, false))
	comp.AddChild(transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/b"}, newChildOn(sd, wire.StatusSuccess, false))

	results, worst, err := comp.Invoke(context.Background(), "simple_rpc_test",
		&wrapperspb.BoolValue{Value: true},
		func() proto.Message { return new(wrapperspb.BoolValue) })
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if worst != client.ReturnOK {
		t.Fatalf("worst = %v, want ReturnOK", worst)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
}

func TestInvokeWorstErrorPrecedence(t *testing.T) {
	sd := testSD()
	comp := New()

	comp.AddChild(transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/ok"}, newChildOn(sd, wire.StatusSuccess, false))
	comp.AddChild(transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/dropped"}, newChildOn(sd, wire.StatusServiceDropped, false))
	comp.AddChild(transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/failed"}, newChildOn(sd, wire.StatusSuccess, true))

	_, worst, err := comp.Invoke(context.Background(), "simple_rpc_test",
		&wrapperspb.BoolValue{Value: true},
		func() proto.Message { return new(wrapperspb.BoolValue) })
	if worst != client.ReturnErr {
		t.Fatalf("worst = %v, want ReturnErr (err outranks dropped/ok)", worst)
	}
	if err == nil {
		t.Fatalf("expected a non-nil error from the failing child")
	}
}

func TestChildrenKeepsLoopbackLast(t *testing.T) {
	sd := testSD()
	comp := New()

	network := newChildOn(sd, wire.StatusSuccess, false)
	loop := newChildOn(sd, wire.StatusSuccess, false)

	comp.AddChild(transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/net"}, network)
	comp.AddChild(transport.Descriptor{Kind: transport.KindLoopback}, loop)

	children := comp.Children()
	if len(children) != 2 {
		t.Fatalf("len(children) = %d, want 2", len(children))
	}
	if children[len(children)-1].Desc.Kind != transport.KindLoopback {
		t.Fatalf("last child kind = %v, want KindLoopback", children[len(children)-1].Desc.Kind)
	}
}

func TestRemoveAndLookupChild(t *testing.T) {
	sd := testSD()
	comp := New()

	desc := transport.Descriptor{Kind: transport.KindUnix, UnixPath: "/tmp/x"}
	comp.AddChild(desc, newChildOn(sd, wire.StatusSuccess, false))

	if _, ok := comp.Lookup(desc); !ok {
		t.Fatalf("Lookup should find the child just added")
	}
	if !comp.RemoveChild(desc) {
		t.Fatalf("RemoveChild should succeed for a known descriptor")
	}
	if _, ok := comp.Lookup(desc); ok {
		t.Fatalf("Lookup should fail after RemoveChild")
	}
}
