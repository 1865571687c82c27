package servicelistener

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/alliedtelesis/cmsg-go/internal/client"
	"github.com/alliedtelesis/cmsg-go/internal/server"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
	"github.com/alliedtelesis/cmsg-go/internal/wire"
	log "github.com/alliedtelesis/cmsg-go/pkg/cmsglog"
)

// RPC method names for the daemon's admin service (spec §4.9).
const (
	MethodAddServer      = "cmsg_sl_add_server"
	MethodRemoveServer   = "cmsg_sl_remove_server"
	MethodAddListener    = "cmsg_sl_add_listener"
	MethodRemoveListener = "cmsg_sl_remove_listener"
)

// Event method names delivered to listeners (spec §4.9).
const (
	EventServerAdded   = "server_added"
	EventServerRemoved = "server_removed"
)

// AdminServiceDescriptor is the UNIX-socket RPC API servers and
// listeners call to register themselves (spec §4.9). Request/reply
// bodies are plain StringValue/BoolValue wrappers carrying the
// pipe/unit-separator encoding from codec.go.
func AdminServiceDescriptor() *wire.ServiceDescriptor {
	return wire.NewServiceDescriptor("cmsg-service-listener", []wire.MethodDescriptor{
		{Name: MethodAddServer, NewInput: newStringValue, NewOutput: newBoolValue},
		{Name: MethodRemoveServer, NewInput: newStringValue, NewOutput: newBoolValue},
		{Name: MethodAddListener, NewInput: newStringValue, NewOutput: newBoolValue},
		{Name: MethodRemoveListener, NewInput: newStringValue, NewOutput: newBoolValue},
	})
}

// NotifyServiceDescriptor describes the oneway server_added/
// server_removed events delivered to a listener's own notification
// transport (spec §4.9: "via a short-lived one-way client").
func NotifyServiceDescriptor() *wire.ServiceDescriptor {
	return wire.NewServiceDescriptor("cmsg-service-listener-notify", []wire.MethodDescriptor{
		{Name: EventServerAdded, NewInput: newStringValue, Oneway: true},
		{Name: EventServerRemoved, NewInput: newStringValue, Oneway: true},
	})
}

func newStringValue() proto.Message { return new(wrapperspb.StringValue) }
func newBoolValue() proto.Message   { return new(wrapperspb.BoolValue) }

// RemoteSyncer is implemented by internal/remotesync; the daemon informs
// it of every locally-originated registry mutation so peer daemons stay
// mirrored (spec §4.10). A nil syncer (the default) means remote sync is
// not configured.
type RemoteSyncer interface {
	SyncAddServer(service string, info ServerInfo)
	SyncRemoveServer(service string, desc transport.Descriptor)
}

// Daemon is the service-listener daemon's RPC-facing core: the registry
// plus event delivery and the optional remote-sync hook.
type Daemon struct {
	reg *Registry

	mu   sync.Mutex
	sync RemoteSyncer

	// onLocalAdd/onLocalRemove, if set, are called for locally-owned
	// registrations only (never for entries arriving via remote sync,
	// whose owning PID belongs to another node). internal/processwatch's
	// Attachment wires these to its own Track/Untrack.
	onLocalAdd    func(pid int)
	onLocalRemove func(pid int)

	// notifyCache lets repeated event deliveries to the same listener
	// reuse one TCP connection instead of dialing fresh every time
	// (supplemented feature, see SPEC_FULL.md "TCP connection caching").
	notifyCache *transport.ConnCache
}

// SetProcessHooks wires callbacks for locally-owned server registration
// and removal, used by internal/processwatch.Attachment to start and
// stop watching the owning PID. Pass nil, nil to disable.
func (d *Daemon) SetProcessHooks(onAdd, onRemove func(pid int)) {
	d.mu.Lock()
	d.onLocalAdd = onAdd
	d.onLocalRemove = onRemove
	d.mu.Unlock()
}

func NewDaemon() *Daemon {
	return &Daemon{reg: NewRegistry(), notifyCache: transport.NewConnCache()}
}

func (d *Daemon) Registry() *Registry { return d.reg }

// SetRemoteSyncer wires in the cross-node mirror (spec §4.10); pass nil
// to disable it.
func (d *Daemon) SetRemoteSyncer(s RemoteSyncer) {
	d.mu.Lock()
	d.sync = s
	d.mu.Unlock()
}

func (d *Daemon) remoteSyncer() RemoteSyncer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sync
}

// Handlers returns the add_server/remove_server/add_listener/
// remove_listener handlers, ready to register on a server.Server built
// with AdminServiceDescriptor().
func (d *Daemon) Handlers() map[string]server.Handler {
	return map[string]server.Handler{
		MethodAddServer:      d.handleAddServer,
		MethodRemoveServer:   d.handleRemoveServer,
		MethodAddListener:    d.handleAddListener,
		MethodRemoveListener: d.handleRemoveListener,
	}
}

func (d *Daemon) handleAddServer(ctx context.Context, input proto.Message) (proto.Message, error) {
	service, info, err := decodeServerInfo(input.(*wrapperspb.StringValue).Value)
	if err != nil {
		return nil, err
	}
	d.AddServer(service, info, false)
	return &wrapperspb.BoolValue{Value: true}, nil
}

func (d *Daemon) handleRemoveServer(ctx context.Context, input proto.Message) (proto.Message, error) {
	service, info, err := decodeServerInfo(input.(*wrapperspb.StringValue).Value)
	if err != nil {
		return nil, err
	}
	d.RemoveServer(service, info.Desc, false)
	return &wrapperspb.BoolValue{Value: true}, nil
}

func (d *Daemon) handleAddListener(ctx context.Context, input proto.Message) (proto.Message, error) {
	service, l, err := decodeListenerRequest(input.(*wrapperspb.StringValue).Value)
	if err != nil {
		return nil, err
	}

	existing := d.reg.AddListener(service, l)
	for _, info := range existing {
		if err := d.deliver(l.Desc, EventServerAdded, service, info); err != nil {
			log.Debug("servicelistener: replay server_added to %s: %v", l.Desc.ID(), err)
		}
	}
	return &wrapperspb.BoolValue{Value: true}, nil
}

func (d *Daemon) handleRemoveListener(ctx context.Context, input proto.Message) (proto.Message, error) {
	service, l, err := decodeListenerRequest(input.(*wrapperspb.StringValue).Value)
	if err != nil {
		return nil, err
	}
	removed := d.reg.RemoveListener(service, l.Desc, l.ID)
	return &wrapperspb.BoolValue{Value: removed}, nil
}

// AddServer is the programmatic entry point shared by the RPC handler
// and by remote sync delivering a peer's registration. remote marks
// entries that arrived from a peer so they are never bounced back (spec
// §4.10).
func (d *Daemon) AddServer(service string, info ServerInfo, remote bool) {
	info.Remote = remote
	if !d.reg.AddServer(service, info) {
		return
	}

	d.notifyListeners(service, EventServerAdded, info)

	if !remote {
		if s := d.remoteSyncer(); s != nil {
			s.SyncAddServer(service, info)
		}
		d.mu.Lock()
		hook := d.onLocalAdd
		d.mu.Unlock()
		if hook != nil {
			hook(info.PID)
		}
	}
}

// RemoveServer is the programmatic entry point shared by the RPC handler
// and remote sync.
func (d *Daemon) RemoveServer(service string, desc transport.Descriptor, remote bool) {
	info, ok := d.reg.RemoveServer(service, desc)
	if !ok {
		return
	}

	d.notifyListeners(service, EventServerRemoved, info)

	if !remote {
		if s := d.remoteSyncer(); s != nil {
			s.SyncRemoveServer(service, desc)
		}
		d.mu.Lock()
		hook := d.onLocalRemove
		d.mu.Unlock()
		if hook != nil {
			hook(info.PID)
		}
	}
}

// NotifyProcessExit removes every server entry owned by pid and fires
// server_removed for each (spec §4.11: the process-watch cleanup path).
// Locally-owned entries are also fanned to remote sync; entries that
// arrived from a peer are not (that peer's own process watcher already
// owns the corresponding removal).
func (d *Daemon) NotifyProcessExit(pid int) {
	for _, removed := range d.reg.RemoveServersByPID(pid) {
		d.notifyListeners(removed.Service, EventServerRemoved, removed.Info)
		if !removed.Info.Remote {
			if s := d.remoteSyncer(); s != nil {
				s.SyncRemoveServer(removed.Service, removed.Info.Desc)
			}
		}
	}
}

func (d *Daemon) notifyListeners(service, event string, info ServerInfo) {
	for _, l := range d.reg.Listeners(service) {
		if err := d.deliver(l.Desc, event, service, info); err != nil {
			log.Debug("servicelistener: deliver %s to %s: %v, dropping listener", event, l.Desc.ID(), err)
			d.reg.RemoveListener(service, l.Desc, l.ID)
		}
	}
}

// deliver opens a short-lived client to the listener's notification
// transport, sends one oneway event, and tears the client back down
// (spec §4.9: "a short-lived one-way client").
func (d *Daemon) deliver(desc transport.Descriptor, event, service string, info ServerInfo) error {
	desc.Cache = d.notifyCache
	t, err := transport.New(desc)
	if err != nil {
		return fmt.Errorf("servicelistener: new notify transport: %w", err)
	}

	cl := client.New(NotifyServiceDescriptor(), t)
	defer cl.Close()

	payload, err := encodeServerInfo(service, info)
	if err != nil {
		return err
	}

	_, _, err = cl.Invoke(context.Background(), event, &wrapperspb.StringValue{Value: payload}, nil)
	return err
}
