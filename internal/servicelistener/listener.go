package servicelistener

import (
	"context"
	"sync/atomic"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/alliedtelesis/cmsg-go/internal/client"
	"github.com/alliedtelesis/cmsg-go/internal/server"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
)

// EventHandler processes one server_added/server_removed delivery.
// Returning false unsubscribes the listener (spec §4.9: "the handler
// may return false to unlisten atomically").
type EventHandler func(event, service string, info ServerInfo) bool

// Listener is the subscribe side of the service-listener daemon: an
// admin client used to add/remove the subscription, and a small
// server.Server that receives the daemon's event deliveries on the
// listener's own notification transport.
type Listener struct {
	admin      *client.Client
	notifySrv  *server.Server
	notifyDesc transport.Descriptor
	service    string
	id         string

	handler EventHandler
	active  int32
}

// NewListener builds a Listener that registers for service over
// adminTransport (reaching the daemon's admin socket) and receives
// events on notifyDesc. id is the caller-chosen listener id passed back
// to remove_listener.
func NewListener(adminTransport transport.Transport, notifyDesc transport.Descriptor, service, id string, handler EventHandler) *Listener {
	l := &Listener{
		admin:      client.New(AdminServiceDescriptor(), adminTransport),
		notifyDesc: notifyDesc,
		service:    service,
		id:         id,
		handler:    handler,
		active:     1,
	}

	l.notifySrv = server.New(NotifyServiceDescriptor(), map[string]server.Handler{
		EventServerAdded:   l.handleEvent(EventServerAdded),
		EventServerRemoved: l.handleEvent(EventServerRemoved),
	})

	return l
}

// Serve runs the listener's notification-receiving server on t (the
// transport notifyDesc describes, already constructed for listening)
// until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context, t transport.Transport) error {
	return l.notifySrv.Listen(ctx, t)
}

func (l *Listener) handleEvent(event string) server.Handler {
	return func(ctx context.Context, input proto.Message) (proto.Message, error) {
		if atomic.LoadInt32(&l.active) == 0 {
			return nil, nil
		}

		_, info, err := decodeServerInfo(input.(*wrapperspb.StringValue).Value)
		if err != nil {
			return nil, err
		}

		if !l.handler(event, l.service, info) {
			atomic.StoreInt32(&l.active, 0)
			go l.Unsubscribe(context.Background())
		}
		return nil, nil
	}
}

// Subscribe registers this listener with the daemon.
func (l *Listener) Subscribe(ctx context.Context) error {
	payload, err := encodeListenerRequest(l.service, ListenerInfo{ID: l.id, Desc: l.notifyDesc})
	if err != nil {
		return err
	}
	_, _, err = l.admin.Invoke(ctx, MethodAddListener, &wrapperspb.StringValue{Value: payload}, newBoolValue)
	return err
}

// Unsubscribe removes this listener from the daemon.
func (l *Listener) Unsubscribe(ctx context.Context) error {
	payload, err := encodeListenerRequest(l.service, ListenerInfo{ID: l.id, Desc: l.notifyDesc})
	if err != nil {
		return err
	}
	_, _, err = l.admin.Invoke(ctx, MethodRemoveListener, &wrapperspb.StringValue{Value: payload}, newBoolValue)
	return err
}

// Close tears down the listener's notification server and admin client.
func (l *Listener) Close() error {
	l.notifySrv.Shutdown()
	return l.admin.Close()
}
