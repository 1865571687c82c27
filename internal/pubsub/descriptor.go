package pubsub

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alliedtelesis/cmsg-go/internal/transport"
)

// encodeDescriptor/decodeDescriptor serialise a notification channel's
// transport address into the single string carried in a subscribe/
// unsubscribe admin RPC body (spec §4.8: subscription RPCs are "carried
// on a dedicated admin client created by the subscriber"). Only the
// address kinds a subscriber can usefully expose a notification listener
// on are supported: UNIX and TCP (v4/v6).
func encodeDescriptor(d transport.Descriptor) (string, error) {
	switch d.Kind {
	case transport.KindUnix:
		return fmt.Sprintf("unix|%s", d.UnixPath), nil
	case transport.KindTCP4:
		return fmt.Sprintf("tcp4|%s|%d", d.TCPAddr, d.TCPPort), nil
	case transport.KindTCP6:
		return fmt.Sprintf("tcp6|%s|%d", d.TCPAddr, d.TCPPort), nil
	default:
		return "", fmt.Errorf("pubsub: unsupported notification transport kind %v", d.Kind)
	}
}

func decodeDescriptor(s string) (transport.Descriptor, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 2 {
		return transport.Descriptor{}, fmt.Errorf("pubsub: malformed descriptor %q", s)
	}

	switch parts[0] {
	case "unix":
		return transport.Descriptor{Kind: transport.KindUnix, UnixPath: parts[1]}, nil
	case "tcp4", "tcp6":
		if len(parts) != 3 {
			return transport.Descriptor{}, fmt.Errorf("pubsub: malformed TCP descriptor %q", s)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			return transport.Descriptor{}, fmt.Errorf("pubsub: bad port in %q: %w", s, err)
		}
		kind := transport.KindTCP4
		if parts[0] == "tcp6" {
			kind = transport.KindTCP6
		}
		return transport.Descriptor{Kind: kind, TCPAddr: parts[1], TCPPort: port}, nil
	default:
		return transport.Descriptor{}, fmt.Errorf("pubsub: unknown descriptor kind %q", parts[0])
	}
}
