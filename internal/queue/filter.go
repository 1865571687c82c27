// Package queue implements the CMSG queueing and filter engine (spec C4):
// the per-method process|queue|drop policy map, the send-queue drain
// protocol, and the receive-queue replay semantics.
//
// Grounded on internal/miniplumber's Pipe/Reader FIFO (mutex-guarded maps
// plus a push/consume discipline) and original_source/cmsg/src/cmsg_queue.c.
package queue

import "sync"

// Action is a per-method filter policy (spec §4.4).
type Action int

const (
	ActionProcess Action = iota
	ActionQueue
	ActionDrop
	// ActionError is returned by Lookup for a name the FilterMap has
	// never heard of; it is not a storable policy.
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionProcess:
		return "process"
	case ActionQueue:
		return "queue"
	case ActionDrop:
		return "drop"
	default:
		return "error"
	}
}

// FilterMap is the per-method policy table shared by client send-side
// filtering and server receive-side filtering (spec §4.4). The method
// names passed to NewFilterMap default to ActionProcess, and Lookup on any
// other name returns ActionError.
type FilterMap struct {
	mu      sync.Mutex
	known   map[string]bool
	actions map[string]Action
}

func NewFilterMap(methodNames []string) *FilterMap {
	fm := &FilterMap{
		known:   make(map[string]bool, len(methodNames)),
		actions: make(map[string]Action, len(methodNames)),
	}
	for _, name := range methodNames {
		fm.known[name] = true
		fm.actions[name] = ActionProcess
	}
	return fm
}

// Lookup returns the method's current policy, or ActionError if the method
// name is not part of the service (spec §4.4: "a lookup that returns
// `error` for unknown methods").
func (fm *FilterMap) Lookup(method string) Action {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if !fm.known[method] {
		return ActionError
	}
	return fm.actions[method]
}

// Set changes the policy for a single known method. Setting a policy for
// an unknown method is a no-op (mirrors the original: filters only exist
// for methods the service descriptor defines).
func (fm *FilterMap) Set(method string, action Action) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if !fm.known[method] {
		return
	}
	fm.actions[method] = action
}

// SetAll applies action to every known method (spec §4.4 "a 'set all'
// operation"; supplemented feature FilterMap.SetAll per SPEC_FULL.md,
// grounded on cmsg_client_queue_filter_set_all/cmsg_server_queue_filter_set_all).
func (fm *FilterMap) SetAll(action Action) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for name := range fm.known {
		fm.actions[name] = action
	}
}
