// Package remotesync implements the CMSG remote-sync daemon core (spec
// C10): a TCP server plus composite client mirroring a
// servicelistener.Daemon's registry across peer nodes.
//
// Grounded on meshage's peer dialing and route table
// (github.com/sandia-minimega/minimega's src/meshage/route.go: a
// name-keyed map of one client per peer, connected lazily as routes are
// discovered) layered on top of the composite client built for C6, and
// original_source/service_listener/remote_sync.h.
package remotesync

import (
	"context"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/alliedtelesis/cmsg-go/internal/client"
	"github.com/alliedtelesis/cmsg-go/internal/composite"
	"github.com/alliedtelesis/cmsg-go/internal/server"
	"github.com/alliedtelesis/cmsg-go/internal/servicelistener"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
	"github.com/alliedtelesis/cmsg-go/internal/wire"
	log "github.com/alliedtelesis/cmsg-go/pkg/cmsglog"
)

// RPC method names carried between peer daemons (spec §4.10).
const (
	MethodSyncAddServer    = "cmsg_sl_remote_add_server"
	MethodSyncRemoveServer = "cmsg_sl_remote_remove_server"
)

// ServiceDescriptor describes the two-method protocol one remote-sync
// daemon uses to talk to its peers.
func ServiceDescriptor() *wire.ServiceDescriptor {
	return wire.NewServiceDescriptor("cmsg-service-listener-remote-sync", []wire.MethodDescriptor{
		{Name: MethodSyncAddServer, NewInput: newStringValue, NewOutput: newBoolValue},
		{Name: MethodSyncRemoveServer, NewInput: newStringValue, NewOutput: newBoolValue},
	})
}

func newStringValue() proto.Message { return new(wrapperspb.StringValue) }
func newBoolValue() proto.Message   { return new(wrapperspb.BoolValue) }

// Syncer mirrors a servicelistener.Daemon's registry across peer nodes
// over TCP. It implements servicelistener.RemoteSyncer so the daemon
// calls back into it on every locally-originated registry mutation.
type Syncer struct {
	localAddr transport.Descriptor
	daemon    *servicelistener.Daemon
	peers     *composite.Composite
	srv       *server.Server
}

// NewSyncer builds a Syncer for daemon. localAddr is this node's own
// reachable address, used to ignore events about a server whose address
// equals the local address (spec §4.10).
func NewSyncer(daemon *servicelistener.Daemon, localAddr transport.Descriptor) *Syncer {
	s := &Syncer{
		localAddr: localAddr,
		daemon:    daemon,
		peers:     composite.New(),
	}

	s.srv = server.New(ServiceDescriptor(), map[string]server.Handler{
		MethodSyncAddServer:    s.handleSyncAddServer,
		MethodSyncRemoveServer: s.handleSyncRemoveServer,
	})

	daemon.SetRemoteSyncer(s)
	return s
}

// Listen starts accepting peer connections on t (spec §4.10: "when a
// local address is configured the daemon opens a TCP server").
func (s *Syncer) Listen(ctx context.Context, t transport.Transport) error {
	return s.srv.Listen(ctx, t)
}

// AddHost dials addr and adds it as a peer ("add_host(addr) contributes
// one child RPC client"), then bulk-sends the local registry so the new
// peer starts in sync ("on startup it bulk-sends the local registry to
// each new peer").
func (s *Syncer) AddHost(ctx context.Context, addr transport.Descriptor) error {
	t, err := transport.New(addr)
	if err != nil {
		return err
	}

	cl := client.New(ServiceDescriptor(), t)
	s.peers.AddChild(addr, cl)

	return s.bulkSend(ctx, cl)
}

func (s *Syncer) bulkSend(ctx context.Context, cl *client.Client) error {
	for service, entry := range s.daemon.Registry().Dump() {
		for _, info := range entry.Servers {
			if info.Remote {
				continue
			}
			payload, err := encodeServerInfo(service, info)
			if err != nil {
				return err
			}
			if _, _, err := cl.Invoke(ctx, MethodSyncAddServer, &wrapperspb.StringValue{Value: payload}, newBoolValue); err != nil {
				return err
			}
		}
	}
	return nil
}

// SyncAddServer implements servicelistener.RemoteSyncer: fan a local
// add_server out to every peer.
func (s *Syncer) SyncAddServer(service string, info servicelistener.ServerInfo) {
	if info.Desc.Equal(s.localAddr) {
		return
	}
	s.fanOut(MethodSyncAddServer, service, info)
}

// SyncRemoveServer implements servicelistener.RemoteSyncer: fan a local
// remove_server out to every peer.
func (s *Syncer) SyncRemoveServer(service string, desc transport.Descriptor) {
	s.fanOut(MethodSyncRemoveServer, service, servicelistener.ServerInfo{Desc: desc})
}

func (s *Syncer) fanOut(method, service string, info servicelistener.ServerInfo) {
	payload, err := encodeServerInfo(service, info)
	if err != nil {
		log.Error("remotesync: encode %s: %v", service, err)
		return
	}

	_, _, err = s.peers.Invoke(context.Background(), method, &wrapperspb.StringValue{Value: payload}, newBoolValue)
	if err != nil {
		log.Debug("remotesync: fan-out %s for %s: %v", method, service, err)
	}
}

func (s *Syncer) handleSyncAddServer(ctx context.Context, input proto.Message) (proto.Message, error) {
	service, info, err := decodeServerInfo(input.(*wrapperspb.StringValue).Value)
	if err != nil {
		return nil, err
	}

	// An event about a server whose address equals the local address is
	// ignored (spec §4.10) -- it is this node's own registration looping
	// back through a peer's fan-out.
	if info.Desc.Equal(s.localAddr) {
		return &wrapperspb.BoolValue{Value: true}, nil
	}

	s.daemon.AddServer(service, info, true)
	return &wrapperspb.BoolValue{Value: true}, nil
}

func (s *Syncer) handleSyncRemoveServer(ctx context.Context, input proto.Message) (proto.Message, error) {
	service, info, err := decodeServerInfo(input.(*wrapperspb.StringValue).Value)
	if err != nil {
		return nil, err
	}

	if info.Desc.Equal(s.localAddr) {
		return &wrapperspb.BoolValue{Value: true}, nil
	}

	s.daemon.RemoveServer(service, info.Desc, true)
	return &wrapperspb.BoolValue{Value: true}, nil
}
