package remotesync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alliedtelesis/cmsg-go/internal/servicelistener"
	"github.com/alliedtelesis/cmsg-go/internal/transport"
)

// encodeDescriptor/decodeDescriptor and encodeServerInfo/decodeServerInfo
// mirror internal/servicelistener's own wire encoding: a pipe/unit-
// separator delimited string inside a wrapperspb.StringValue body, since
// protoc-generated message types are out of scope (spec §1). Kept as a
// separate small codec here (rather than importing servicelistener's
// unexported helpers) because remote-sync's wire messages are its own
// protocol, carried over its own TCP connections between daemons.
func encodeDescriptor(d transport.Descriptor) (string, error) {
	switch d.Kind {
	case transport.KindUnix:
		return fmt.Sprintf("unix|%s", d.UnixPath), nil
	case transport.KindTCP4:
		return fmt.Sprintf("tcp4|%s|%d", d.TCPAddr, d.TCPPort), nil
	case transport.KindTCP6:
		return fmt.Sprintf("tcp6|%s|%d", d.TCPAddr, d.TCPPort), nil
	default:
		return "", fmt.Errorf("remotesync: unsupported transport kind %v", d.Kind)
	}
}

func decodeDescriptor(s string) (transport.Descriptor, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 2 {
		return transport.Descriptor{}, fmt.Errorf("remotesync: malformed descriptor %q", s)
	}

	switch parts[0] {
	case "unix":
		return transport.Descriptor{Kind: transport.KindUnix, UnixPath: parts[1]}, nil
	case "tcp4", "tcp6":
		if len(parts) != 3 {
			return transport.Descriptor{}, fmt.Errorf("remotesync: malformed TCP descriptor %q", s)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			return transport.Descriptor{}, fmt.Errorf("remotesync: bad port in %q: %w", s, err)
		}
		kind := transport.KindTCP4
		if parts[0] == "tcp6" {
			kind = transport.KindTCP6
		}
		return transport.Descriptor{Kind: kind, TCPAddr: parts[1], TCPPort: port}, nil
	default:
		return transport.Descriptor{}, fmt.Errorf("remotesync: unknown descriptor kind %q", parts[0])
	}
}

func encodeServerInfo(service string, info servicelistener.ServerInfo) (string, error) {
	descS, err := encodeDescriptor(info.Desc)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\x1f%s\x1f%d", service, descS, info.PID), nil
}

func decodeServerInfo(s string) (string, servicelistener.ServerInfo, error) {
	parts := strings.SplitN(s, "\x1f", 3)
	if len(parts) != 3 {
		return "", servicelistener.ServerInfo{}, fmt.Errorf("remotesync: malformed server info %q", s)
	}

	desc, err := decodeDescriptor(parts[1])
	if err != nil {
		return "", servicelistener.ServerInfo{}, err
	}
	pid, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", servicelistener.ServerInfo{}, fmt.Errorf("remotesync: bad pid in %q: %w", s, err)
	}

	return parts[0], servicelistener.ServerInfo{Desc: desc, PID: pid}, nil
}
