package wire

import "google.golang.org/protobuf/proto"

// MethodIndexUndefined is returned by ServiceDescriptor.Index when the
// method name in a TLV does not resolve against the descriptor. Per spec
// §4.1, this triggers a SERVER_METHOD_NOT_FOUND reply rather than a panic.
const MethodIndexUndefined = -1

// MethodDescriptor describes one RPC method: its position in the service
// (used for fast filter/dispatch table lookups) and factories for its
// request/reply proto messages.
type MethodDescriptor struct {
	Name      string
	Index     int
	NewInput  func() proto.Message
	NewOutput func() proto.Message
	// Oneway methods have no reply; their NewOutput is never called and
	// may be nil.
	Oneway bool
}

// ServiceDescriptor is the compiled method table CMSG resolves TLV method
// names against. It plays the role that the protobuf-c generated service
// descriptor plays in the original C implementation; that generator's
// mechanics are out of scope (spec §1), so descriptors here are built by
// hand or by a thin helper, not by a protoc plugin.
type ServiceDescriptor struct {
	Name    string
	Methods []MethodDescriptor

	byName map[string]int
}

// NewServiceDescriptor builds a descriptor from an ordered method list,
// assigning indices in list order.
func NewServiceDescriptor(name string, methods []MethodDescriptor) *ServiceDescriptor {
	sd := &ServiceDescriptor{
		Name:   name,
		byName: make(map[string]int, len(methods)),
	}

	for i, m := range methods {
		m.Index = i
		sd.Methods = append(sd.Methods, m)
		sd.byName[m.Name] = i
	}

	return sd
}

// Index resolves a method name to its index, or MethodIndexUndefined if
// the service has no such method.
func (sd *ServiceDescriptor) Index(name string) int {
	if i, ok := sd.byName[name]; ok {
		return i
	}
	return MethodIndexUndefined
}

// Method returns the method descriptor at index i, or nil if out of range.
func (sd *ServiceDescriptor) Method(i int) *MethodDescriptor {
	if i < 0 || i >= len(sd.Methods) {
		return nil
	}
	return &sd.Methods[i]
}

// ByName returns the method descriptor with the given name, or nil.
func (sd *ServiceDescriptor) ByName(name string) *MethodDescriptor {
	i := sd.Index(name)
	return sd.Method(i)
}
