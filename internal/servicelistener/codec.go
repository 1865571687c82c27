package servicelistener

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alliedtelesis/cmsg-go/internal/transport"
)

// encodeDescriptor/decodeDescriptor mirror internal/pubsub's transport
// address encoding: a pipe-delimited string carried inside a
// wrapperspb.StringValue RPC body, since protoc-generated message types
// are out of scope (spec §1).
func encodeDescriptor(d transport.Descriptor) (string, error) {
	switch d.Kind {
	case transport.KindUnix:
		return fmt.Sprintf("unix|%s", d.UnixPath), nil
	case transport.KindTCP4:
		return fmt.Sprintf("tcp4|%s|%d", d.TCPAddr, d.TCPPort), nil
	case transport.KindTCP6:
		return fmt.Sprintf("tcp6|%s|%d", d.TCPAddr, d.TCPPort), nil
	default:
		return "", fmt.Errorf("servicelistener: unsupported transport kind %v", d.Kind)
	}
}

func decodeDescriptor(s string) (transport.Descriptor, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 2 {
		return transport.Descriptor{}, fmt.Errorf("servicelistener: malformed descriptor %q", s)
	}

	switch parts[0] {
	case "unix":
		return transport.Descriptor{Kind: transport.KindUnix, UnixPath: parts[1]}, nil
	case "tcp4", "tcp6":
		if len(parts) != 3 {
			return transport.Descriptor{}, fmt.Errorf("servicelistener: malformed TCP descriptor %q", s)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			return transport.Descriptor{}, fmt.Errorf("servicelistener: bad port in %q: %w", s, err)
		}
		kind := transport.KindTCP4
		if parts[0] == "tcp6" {
			kind = transport.KindTCP6
		}
		return transport.Descriptor{Kind: kind, TCPAddr: parts[1], TCPPort: port}, nil
	default:
		return transport.Descriptor{}, fmt.Errorf("servicelistener: unknown descriptor kind %q", parts[0])
	}
}

// encodeServerInfo/decodeServerInfo pack a (service, descriptor, pid)
// triple for add_server/remove_server RPC bodies and for server_added/
// server_removed event delivery.
func encodeServerInfo(service string, info ServerInfo) (string, error) {
	descS, err := encodeDescriptor(info.Desc)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\x1f%s\x1f%d", service, descS, info.PID), nil
}

func decodeServerInfo(s string) (string, ServerInfo, error) {
	parts := strings.SplitN(s, "\x1f", 3)
	if len(parts) != 3 {
		return "", ServerInfo{}, fmt.Errorf("servicelistener: malformed server info %q", s)
	}

	desc, err := decodeDescriptor(parts[1])
	if err != nil {
		return "", ServerInfo{}, err
	}
	pid, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", ServerInfo{}, fmt.Errorf("servicelistener: bad pid in %q: %w", s, err)
	}

	return parts[0], ServerInfo{Desc: desc, PID: pid}, nil
}

// encodeListenerRequest/decodeListenerRequest pack a (service,
// descriptor, listener id) triple for add_listener/remove_listener RPC
// bodies.
func encodeListenerRequest(service string, l ListenerInfo) (string, error) {
	descS, err := encodeDescriptor(l.Desc)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\x1f%s\x1f%s", service, descS, l.ID), nil
}

func decodeListenerRequest(s string) (string, ListenerInfo, error) {
	parts := strings.SplitN(s, "\x1f", 3)
	if len(parts) != 3 {
		return "", ListenerInfo{}, fmt.Errorf("servicelistener: malformed listener request %q", s)
	}

	desc, err := decodeDescriptor(parts[1])
	if err != nil {
		return "", ListenerInfo{}, err
	}

	return parts[0], ListenerInfo{ID: parts[2], Desc: desc}, nil
}
