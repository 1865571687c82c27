// Package servicelistener implements the CMSG service-listener daemon
// core (spec C9): a registry mapping service name to its live servers and
// subscribed listeners, event delivery on server arrival/departure, and
// the UNIX-socket RPC API servers and listeners use to register
// themselves.
//
// Grounded on meshage's peer/route map (github.com/sandia-minimega/
// minimega's src/meshage/node.go: a name-keyed map guarded by one mutex,
// mutated only through request/response RPCs) and
// original_source/service_listener/data.c, main.c.
package servicelistener

import (
	"sync"

	"github.com/alliedtelesis/cmsg-go/internal/transport"
)

// ServerInfo is one registered server: its reachable transport address,
// the PID that owns it (for process-watch cleanup), and whether it
// arrived via remote sync rather than a local add_server call (spec
// §4.10: "inserted into the registry with a remote flag so it will not
// be re-sent").
type ServerInfo struct {
	Desc   transport.Descriptor
	PID    int
	Remote bool
}

// ListenerInfo is one subscribed listener: the address events are
// delivered to, and the caller-chosen id used to unsubscribe (spec
// §4.9: "(client-handle, listener-id) pairs").
type ListenerInfo struct {
	ID   string
	Desc transport.Descriptor
}

type serviceEntry struct {
	servers   []ServerInfo
	listeners []ListenerInfo
}

// Registry is the daemon's core state. The original is single-threaded
// on one event-loop and therefore lock-free (spec §5); this port serves
// RPCs from server.Server's per-connection goroutines, so the registry
// carries its own mutex instead.
type Registry struct {
	mu       sync.Mutex
	services map[string]*serviceEntry
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*serviceEntry)}
}

func (r *Registry) entry(service string) *serviceEntry {
	e, ok := r.services[service]
	if !ok {
		e = &serviceEntry{}
		r.services[service] = e
	}
	return e
}

// AddServer registers info under service, returning false (no-op) if a
// structurally equal descriptor is already present.
func (r *Registry) AddServer(service string, info ServerInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(service)
	for _, s := range e.servers {
		if s.Desc.Equal(info.Desc) {
			return false
		}
	}
	e.servers = append(e.servers, info)
	return true
}

// RemoveServer drops the server matching desc under service, returning
// the removed entry and true if one was found.
func (r *Registry) RemoveServer(service string, desc transport.Descriptor) (ServerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[service]
	if !ok {
		return ServerInfo{}, false
	}
	for i, s := range e.servers {
		if s.Desc.Equal(desc) {
			e.servers = append(e.servers[:i], e.servers[i+1:]...)
			return s, true
		}
	}
	return ServerInfo{}, false
}

// RemovedServer pairs a registry entry with the service it fell under,
// for callers that remove across every service at once.
type RemovedServer struct {
	Service string
	Info    ServerInfo
}

// RemoveServersByPID drops every server entry, across all services,
// owned by pid (spec §4.11: the process watcher's cleanup path).
func (r *Registry) RemoveServersByPID(pid int) []RemovedServer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []RemovedServer
	for service, e := range r.services {
		kept := e.servers[:0]
		for _, s := range e.servers {
			if s.PID == pid {
				removed = append(removed, RemovedServer{Service: service, Info: s})
				continue
			}
			kept = append(kept, s)
		}
		e.servers = kept
	}
	return removed
}

// AddListener registers l under service and returns a snapshot of the
// servers already present, so the caller can replay one server_added
// event per existing server (spec §4.9).
func (r *Registry) AddListener(service string, l ListenerInfo) []ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entry(service)
	e.listeners = append(e.listeners, l)

	out := make([]ServerInfo, len(e.servers))
	copy(out, e.servers)
	return out
}

// RemoveListener drops the listener matching (desc, id) under service.
func (r *Registry) RemoveListener(service string, desc transport.Descriptor, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[service]
	if !ok {
		return false
	}
	for i, l := range e.listeners {
		if l.ID == id && l.Desc.Equal(desc) {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns a snapshot of the listeners subscribed to service.
func (r *Registry) Listeners(service string) []ListenerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[service]
	if !ok {
		return nil
	}
	out := make([]ListenerInfo, len(e.listeners))
	copy(out, e.listeners)
	return out
}

// Dump renders the whole registry for the SIGUSR1 debug path (spec §6).
func (r *Registry) Dump() map[string]struct {
	Servers   []ServerInfo
	Listeners []ListenerInfo
} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]struct {
		Servers   []ServerInfo
		Listeners []ListenerInfo
	}, len(r.services))

	for service, e := range r.services {
		servers := make([]ServerInfo, len(e.servers))
		copy(servers, e.servers)
		listeners := make([]ListenerInfo, len(e.listeners))
		copy(listeners, e.listeners)
		out[service] = struct {
			Servers   []ServerInfo
			Listeners []ListenerInfo
		}{servers, listeners}
	}
	return out
}
