package server

import (
	"context"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/alliedtelesis/cmsg-go/internal/client"
	"github.com/alliedtelesis/cmsg-go/internal/queue"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
	"github.com/alliedtelesis/cmsg-go/internal/wire"
)

func testServiceDescriptor() *wire.ServiceDescriptor {
	return wire.NewServiceDescriptor("cmsg-test", []wire.MethodDescriptor{
		{
			Name:      "simple_rpc_test",
			NewInput:  func() proto.Message { return new(wrapperspb.BoolValue) },
			NewOutput: func() proto.Message { return new(wrapperspb.BoolValue) },
		},
	})
}

func echoHandler(ctx context.Context, input proto.Message) (proto.Message, error) {
	bv := input.(*wrapperspb.BoolValue)
	return &wrapperspb.BoolValue{Value: bv.Value}, nil
}

// newTCPPair starts a server listening on the given 127.0.0.1 port and
// returns a connected client bound to the same service descriptor,
// exercising the real peek-then-read stream transport end to end (the
// scenario mirrors spec §8's TCP happy-path test, 127.0.0.1:<port>,
// method "simple_rpc_test").
func newTCPPair(t *testing.T, port int) (*Server, *client.Client) {
	t.Helper()

	sd := testServiceDescriptor()
	srv := New(sd, map[string]Handler{"simple_rpc_test": echoHandler})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ln, err := transport.New(transport.Descriptor{Kind: transport.KindTCP4, TCPAddr: "127.0.0.1", TCPPort: port})
	if err != nil {
		t.Fatalf("New listener transport: %v", err)
	}
	if err := srv.Listen(ctx, ln); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	// give the accept goroutine a moment to start listening
	time.Sleep(20 * time.Millisecond)

	cliTransport, err := transport.New(transport.Descriptor{Kind: transport.KindTCP4, TCPAddr: "127.0.0.1", TCPPort: port})
	if err != nil {
		t.Fatalf("New client transport: %v", err)
	}

	cli := client.New(sd, cliTransport)
	return srv, cli
}

func TestServerTCPHappyPath(t *testing.T) {
	_, cli := newTCPPair(t, 18888)
	defer cli.Close()

	out, kind, err := cli.Invoke(context.Background(), "simple_rpc_test",
		&wrapperspb.BoolValue{Value: true},
		func() proto.Message { return new(wrapperspb.BoolValue) })
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if kind != client.ReturnOK {
		t.Fatalf("kind = %v, want ReturnOK", kind)
	}
	bv, ok := out.(*wrapperspb.BoolValue)
	if !ok || !bv.Value {
		t.Fatalf("out = %+v, want BoolValue{true}", out)
	}
}

func TestServerDropsFilteredMethod(t *testing.T) {
	srv, cli := newTCPPair(t, 18889)
	defer cli.Close()

	srv.Filter().Set("simple_rpc_test", queue.ActionDrop)

	_, kind, err := cli.Invoke(context.Background(), "simple_rpc_test",
		&wrapperspb.BoolValue{Value: true},
		func() proto.Message { return new(wrapperspb.BoolValue) })
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if kind != client.ReturnDropped {
		t.Fatalf("kind = %v, want ReturnDropped", kind)
	}
}

func TestServerQueuesAndReplays(t *testing.T) {
	srv, cli := newTCPPair(t, 18890)
	defer cli.Close()

	srv.Filter().Set("simple_rpc_test", queue.ActionQueue)

	_, kind, err := cli.Invoke(context.Background(), "simple_rpc_test",
		&wrapperspb.BoolValue{Value: true},
		func() proto.Message { return new(wrapperspb.BoolValue) })
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if kind != client.ReturnQueued {
		t.Fatalf("kind = %v, want ReturnQueued", kind)
	}

	if n := srv.ReplayQueued(context.Background(), 1); n != 1 {
		t.Fatalf("ReplayQueued processed %d, want 1", n)
	}
	if srv.RecvQueue().Len() != 0 {
		t.Fatalf("recv queue should be drained after replay")
	}
}

func TestServerMethodNotFound(t *testing.T) {
	_, cli := newTCPPair(t, 18891)
	defer cli.Close()

	_, kind, err := cli.Invoke(context.Background(), "no_such_method",
		&wrapperspb.BoolValue{Value: true},
		func() proto.Message { return new(wrapperspb.BoolValue) })
	if kind != client.ReturnMethodNotFound {
		t.Fatalf("kind = %v, want ReturnMethodNotFound", kind)
	}
	if err == nil {
		t.Fatalf("expected an error for an unknown method")
	}
}
