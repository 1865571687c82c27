// Package server implements the CMSG server core (spec C7): the
// cancellable accept loop, per-connection dispatch (METHOD_REQ/ECHO_REQ/
// CONN_OPEN), the closure-style reply object, and the receive-side
// queue/filter/replay integration with internal/queue.
//
// Grounded on ron.Server's serve/clientHandler/responseHandler triple
// (github.com/sandia-minimega/minimega's internal/ron/server.go: a
// listeners map guarded by a mutex, one accept goroutine per listener,
// one handler goroutine per accepted connection) and
// original_source/cmsg/src/cmsg_server.c.
package server

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"

	"github.com/alliedtelesis/cmsg-go/internal/crypto"
	"github.com/alliedtelesis/cmsg-go/internal/queue"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
	"github.com/alliedtelesis/cmsg-go/internal/wire"
	log "github.com/alliedtelesis/cmsg-go/pkg/cmsglog"
)

// Handler implements one method's application logic.
type Handler func(ctx context.Context, input proto.Message) (proto.Message, error)

// Server dispatches inbound CMSG frames against a service descriptor's
// registered handlers, across any number of listening transports.
type Server struct {
	service  *wire.ServiceDescriptor
	handlers map[string]Handler

	queue *queue.FilterMap
	recv  *queue.RecvQueue

	listenersMu sync.Mutex
	listeners   map[string]transport.Transport

	connsMu sync.Mutex
	conns   map[string]transport.Transport

	saStore *crypto.SAStore
	derive  crypto.DeriveFunc

	introspection bool
}

// New builds a Server for sd; handlers supplies the application callback
// for each method name (methods without an entry always fail with
// StatusServiceFailed, matching an unregistered method in the original).
func New(sd *wire.ServiceDescriptor, handlers map[string]Handler) *Server {
	names := make([]string, len(sd.Methods))
	for i, m := range sd.Methods {
		names[i] = m.Name
	}

	return &Server{
		service:   sd,
		handlers:  handlers,
		queue:     queue.NewFilterMap(names),
		recv:      queue.NewRecvQueue(),
		listeners: make(map[string]transport.Transport),
		conns:     make(map[string]transport.Transport),
	}
}

// EnableEncryption arms the AES-CBC envelope for every connection this
// server accepts (spec C3); sa is looked up per peer ID in saStore,
// created lazily on first traffic from a new peer.
func (s *Server) EnableEncryption(saStore *crypto.SAStore, derive crypto.DeriveFunc) {
	s.saStore = saStore
	s.derive = derive
}

// EnableIntrospection turns on the reserved introspection method that
// answers with the server's registered method names (supplemented
// feature, see SPEC_FULL.md "Supported-service introspection").
func (s *Server) EnableIntrospection() { s.introspection = true }

// Filter exposes the server-side per-method filter map (spec §4.4).
func (s *Server) Filter() *queue.FilterMap { return s.queue }

// RecvQueue exposes the replay queue for queued inbound methods.
func (s *Server) RecvQueue() *queue.RecvQueue { return s.recv }

// Listen registers t and starts its accept loop in a goroutine. The loop
// observes ctx cancellation only at the blocking Accept call, matching
// spec §9's translation of "thread cancelled inside accept" into "task
// cancellation observed at the next poll".
func (s *Server) Listen(ctx context.Context, t transport.Transport) error {
	if err := t.Listen(); err != nil {
		return fmt.Errorf("server: listen %s: %w", t.ID(), err)
	}

	s.listenersMu.Lock()
	s.listeners[t.ID()] = t
	s.listenersMu.Unlock()

	go s.acceptLoop(ctx, t)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln transport.Transport) {
	defer func() {
		s.listenersMu.Lock()
		delete(s.listeners, ln.ID())
		s.listenersMu.Unlock()
		log.Info("server: closed listener %s", ln.ID())
	}()

	// Accept has no context awareness of its own (spec §9: "thread
	// cancelled inside accept" becomes "cancellation observed at the
	// next poll"); closing the listener is what actually unblocks it.
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Error("server: accept on %s: %v", ln.ID(), err)
			return
		}

		log.Info("server: accepted connection %s", conn.ID())

		s.connsMu.Lock()
		s.conns[conn.ID()] = conn
		s.connsMu.Unlock()

		go s.connHandler(ctx, conn)
	}
}

func (s *Server) connHandler(ctx context.Context, t transport.Transport) {
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, t.ID())
		s.connsMu.Unlock()
		t.Close()
		log.Debug("server: connection %s closed", t.ID())
	}()

	for {
		raw, result, err := t.ServerRecv()
		if err != nil {
			if result == transport.PeekTimedOut {
				continue
			}
			return
		}

		s.dispatchRaw(ctx, t, raw, ReasonInvoke)
	}
}

// Reason mirrors queue.Reason for dispatch call sites outside the replay
// path (a live ServerRecv is always ReasonInvoke).
type Reason = queue.Reason

const (
	ReasonInvoke            = queue.ReasonInvoke
	ReasonInvokingFromQueue = queue.ReasonInvokingFromQueue
)

func (s *Server) dispatchRaw(ctx context.Context, t transport.Transport, raw []byte, reason Reason) {
	if s.saStore != nil {
		sa := s.saStore.GetOrCreate(t.ID(), func() *crypto.SA { return crypto.NewSA(crypto.RoleServer, [crypto.KeySize]byte{}) })

		if string(raw[0:4]) == string(crypto.Magic[:]) {
			if nonce, err := crypto.DecodeNonceFrame(raw); err == nil && !saReady(sa) {
				if err := crypto.Derive(sa, nonce, s.derive); err != nil {
					log.Error("server: derive: %v", err)
				}
				return
			}

			plain, err := crypto.Decrypt(sa, raw)
			if err != nil {
				log.Error("server: decrypt: %v", err)
				return
			}
			raw = plain
		}
	}

	h, err := wire.Parse(raw)
	if err != nil {
		log.Error("server: parse: %v", err)
		return
	}
	body := raw[h.HeaderLength : h.HeaderLength+h.MessageLength]

	switch h.Type {
	case wire.MsgEchoReq:
		s.replyStatus(t, wire.MsgEchoReply, wire.StatusSuccess, "", nil)
	case wire.MsgMethodReq:
		s.dispatchMethod(ctx, t, h, body, reason)
	case wire.MsgConnOpen:
		// No state to establish beyond accepting the connection itself.
	default:
		log.Debug("server: unexpected message type %v", h.Type)
	}
}

func saReady(sa *crypto.SA) bool {
	_, decReady := sa.Ready()
	return decReady
}

func (s *Server) dispatchMethod(ctx context.Context, t transport.Transport, h wire.Header, body []byte, reason Reason) {
	if s.introspection && h.Method == introspectionMethod {
		s.replyIntrospection(t)
		return
	}

	m := s.service.ByName(h.Method)
	if m == nil {
		s.replyStatus(t, wire.MsgMethodReply, wire.StatusMethodNotFound, "", nil)
		return
	}

	if reason == queue.ReasonInvoke {
		action := s.queue.Lookup(h.Method)
		switch action {
		case queue.ActionDrop:
			s.replyStatus(t, wire.MsgMethodReply, wire.StatusServiceDropped, "", nil)
			return
		case queue.ActionQueue:
			s.recv.Push(queue.RecvEntry{MethodIndex: m.Index, Method: h.Method, Body: append([]byte(nil), body...)})
			s.replyStatus(t, wire.MsgMethodReply, wire.StatusServiceQueued, "", nil)
			return
		}
	}

	handler, ok := s.handlers[h.Method]
	if !ok {
		s.replyStatus(t, wire.MsgMethodReply, wire.StatusServiceFailed, "", nil)
		return
	}

	input := m.NewInput()
	if err := proto.Unmarshal(body, input); err != nil {
		s.replyStatus(t, wire.MsgMethodReply, wire.StatusServiceFailed, "", nil)
		return
	}

	output, err := handler(ctx, input)

	// A replayed (queued) invocation never generates a reply: the peer
	// was already told SERVICE_QUEUED when the request first arrived
	// (spec §4.4).
	if reason == queue.ReasonInvokingFromQueue {
		if err != nil {
			log.Error("server: replayed %s failed: %v", h.Method, err)
		}
		return
	}

	if m.Oneway {
		return
	}

	if err != nil {
		s.replyStatus(t, wire.MsgMethodReply, wire.StatusServiceFailed, "", nil)
		return
	}

	outBody, err := proto.Marshal(output)
	if err != nil {
		s.replyStatus(t, wire.MsgMethodReply, wire.StatusServiceFailed, "", nil)
		return
	}

	s.replyStatus(t, wire.MsgMethodReply, wire.StatusSuccess, "", outBody)
}

func (s *Server) replyStatus(t transport.Transport, msgType wire.MsgType, status wire.Status, method string, body []byte) {
	if t.Oneway() {
		return
	}

	frame := append(wire.Pack(msgType, status, len(body), method), body...)

	if s.saStore != nil {
		if sa, ok := s.saStore.Get(t.ID()); ok {
			if enc, err := crypto.Encrypt(sa, frame); err == nil {
				frame = enc
			}
		}
	}

	if err := t.ServerSend(frame); err != nil {
		log.Error("server: send reply on %s: %v", t.ID(), err)
	}
}

// ReplayQueued processes up to n queued requests, oldest first and of any
// method,
// invoking handlers with ReasonInvokingFromQueue so no reply is
// generated (spec §4.4's "process_some(n)").
func (s *Server) ReplayQueued(ctx context.Context, n int) int {
	return s.recv.ProcessSome(n, func(e queue.RecvEntry, reason queue.Reason) {
		m := s.service.Method(e.MethodIndex)
		if m == nil {
			return
		}
		handler, ok := s.handlers[e.Method]
		if !ok {
			return
		}
		input := m.NewInput()
		if err := proto.Unmarshal(e.Body, input); err != nil {
			log.Error("server: replay unmarshal %s: %v", e.Method, err)
			return
		}
		if _, err := handler(ctx, input); err != nil {
			log.Error("server: replay %s: %v", e.Method, err)
		}
	})
}

// DispatchLoopback implements transport.Dispatcher so a loopback client
// can be paired directly with this server without a socket round-trip.
func (s *Server) DispatchLoopback(frame []byte) ([]byte, error) {
	h, err := wire.Parse(frame)
	if err != nil {
		return nil, err
	}
	body := frame[h.HeaderLength : h.HeaderLength+h.MessageLength]

	m := s.service.ByName(h.Method)
	if m == nil {
		return wire.Pack(wire.MsgMethodReply, wire.StatusMethodNotFound, 0, ""), nil
	}

	handler, ok := s.handlers[h.Method]
	if !ok {
		return wire.Pack(wire.MsgMethodReply, wire.StatusServiceFailed, 0, ""), nil
	}

	input := m.NewInput()
	if err := proto.Unmarshal(body, input); err != nil {
		return wire.Pack(wire.MsgMethodReply, wire.StatusServiceFailed, 0, ""), nil
	}

	output, err := handler(context.Background(), input)
	if err != nil {
		return wire.Pack(wire.MsgMethodReply, wire.StatusServiceFailed, 0, ""), nil
	}
	if m.Oneway {
		return nil, transport.ErrNoReply
	}

	outBody, err := proto.Marshal(output)
	if err != nil {
		return wire.Pack(wire.MsgMethodReply, wire.StatusServiceFailed, 0, ""), nil
	}

	return append(wire.Pack(wire.MsgMethodReply, wire.StatusSuccess, len(outBody), ""), outBody...), nil
}

const introspectionMethod = "cmsg_supported_service"

func (s *Server) replyIntrospection(t transport.Transport) {
	// The introspection payload is a newline-joined list of method
	// names, packed as a protobuf-free raw body: the original's
	// cmsg_supported_service.c returns a simple string list, and
	// reusing a StringValue would force every service descriptor to
	// import wrapperspb just for this one opt-in method.
	var body []byte
	for i, m := range s.service.Methods {
		if i > 0 {
			body = append(body, '\n')
		}
		body = append(body, []byte(m.Name)...)
	}
	s.replyStatus(t, wire.MsgMethodReply, wire.StatusSuccess, "", body)
}

// Shutdown stops all listeners and closes tracked connections. It does
// not wait for in-flight handlers; callers that need that should first
// stop accepting and drain via their own accounting.
func (s *Server) Shutdown() {
	s.listenersMu.Lock()
	for id, ln := range s.listeners {
		ln.Close()
		delete(s.listeners, id)
	}
	s.listenersMu.Unlock()

	s.connsMu.Lock()
	for id, c := range s.conns {
		c.Close()
		delete(s.conns, id)
	}
	s.connsMu.Unlock()
}
