// Package wire implements the CMSG header codec (spec C1): the fixed
// 16-byte header, the single METHOD TLV, and the status/message-type enums
// shared by every transport and by the client/server cores.
//
// Layout (big-endian, see spec.md §6):
//
//	offset  size  field
//	0       4     msg_type
//	4       4     header_length
//	8       4     message_length
//	12      4     status_code
//	16      ?     optional TLV block, total bytes = header_length - 16
//	h_len   m_len packed protobuf body
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSize is sizeof(header) in the C implementation: four uint32 fields.
const HeaderSize = 16

// MsgType is the msg_type header field.
type MsgType uint32

const (
	MsgMethodReq MsgType = iota + 1
	MsgMethodReply
	MsgEchoReq
	MsgEchoReply
	MsgConnOpen
)

func (t MsgType) String() string {
	switch t {
	case MsgMethodReq:
		return "METHOD_REQ"
	case MsgMethodReply:
		return "METHOD_REPLY"
	case MsgEchoReq:
		return "ECHO_REQ"
	case MsgEchoReply:
		return "ECHO_REPLY"
	case MsgConnOpen:
		return "CONN_OPEN"
	default:
		return fmt.Sprintf("MsgType(%d)", uint32(t))
	}
}

// Status is the status_code header field; only meaningful on replies.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusServiceFailed
	StatusTooManyPending
	StatusServiceQueued
	StatusServiceDropped
	StatusServerConnReset
	StatusMethodNotFound
	StatusConnectionClosed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusServiceFailed:
		return "SERVICE_FAILED"
	case StatusTooManyPending:
		return "TOO_MANY_PENDING"
	case StatusServiceQueued:
		return "SERVICE_QUEUED"
	case StatusServiceDropped:
		return "SERVICE_DROPPED"
	case StatusServerConnReset:
		return "SERVER_CONNRESET"
	case StatusMethodNotFound:
		return "SERVER_METHOD_NOT_FOUND"
	case StatusConnectionClosed:
		return "CONNECTION_CLOSED"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// TLV types. Only METHOD is defined; unknown TLV types must be skipped, not
// treated as an error.
const (
	TLVMethod uint32 = 1
)

// Header is the parsed fixed header plus any recognised TLV content.
type Header struct {
	Type          MsgType
	HeaderLength  uint32
	MessageLength uint32
	Status        Status

	// Method is the decoded METHOD TLV payload, if present (without the
	// trailing NUL).
	Method string
}

// Pack emits the fixed header, the METHOD TLV (if method is non-empty) and
// returns the bytes that should precede the packed body. bodyLen is the
// number of body bytes that will follow.
func Pack(msgType MsgType, status Status, bodyLen int, method string) []byte {
	tlv := tlvBytes(method)
	hdrLen := HeaderSize + len(tlv)

	buf := make([]byte, hdrLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgType))
	binary.BigEndian.PutUint32(buf[4:8], uint32(hdrLen))
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], uint32(status))
	copy(buf[HeaderSize:], tlv)

	return buf
}

// tlvBytes encodes the METHOD TLV: type(4) + length(4) + NUL-terminated
// name. Returns nil if method is empty (no TLV emitted).
func tlvBytes(method string) []byte {
	if method == "" {
		return nil
	}

	nameLen := uint32(len(method) + 1) // + NUL
	buf := make([]byte, 8+nameLen)
	binary.BigEndian.PutUint32(buf[0:4], TLVMethod)
	binary.BigEndian.PutUint32(buf[4:8], nameLen)
	copy(buf[8:], method)
	// buf[len-1] is already zero (NUL terminator)

	return buf
}

// ErrShortHeader is returned by Parse when fewer than HeaderSize bytes are
// available.
var ErrShortHeader = fmt.Errorf("wire: short header, need at least %d bytes", HeaderSize)

// Parse decodes the fixed header and any TLV block from buf. buf must
// contain at least header_length bytes (the fixed header plus its TLV
// block); it may contain more (the body), which Parse ignores.
func Parse(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}

	var h Header
	h.Type = MsgType(binary.BigEndian.Uint32(buf[0:4]))
	h.HeaderLength = binary.BigEndian.Uint32(buf[4:8])
	h.MessageLength = binary.BigEndian.Uint32(buf[8:12])
	h.Status = Status(binary.BigEndian.Uint32(buf[12:16]))

	if h.HeaderLength < HeaderSize {
		return Header{}, fmt.Errorf("wire: header_length %d less than fixed header size %d", h.HeaderLength, HeaderSize)
	}

	if uint32(len(buf)) < h.HeaderLength {
		return Header{}, fmt.Errorf("wire: buffer too short for declared header_length %d", h.HeaderLength)
	}

	tlv := buf[HeaderSize:h.HeaderLength]
	method, err := parseTLVs(tlv)
	if err != nil {
		return Header{}, err
	}
	h.Method = method

	return h, nil
}

// parseTLVs walks a TLV block, returning the METHOD TLV's payload if
// present. Unknown TLV types are skipped rather than rejected, per spec §6.
func parseTLVs(buf []byte) (string, error) {
	var method string

	for len(buf) > 0 {
		if len(buf) < 8 {
			return "", fmt.Errorf("wire: truncated TLV header")
		}

		typ := binary.BigEndian.Uint32(buf[0:4])
		length := binary.BigEndian.Uint32(buf[4:8])

		if uint32(len(buf)-8) < length {
			return "", fmt.Errorf("wire: truncated TLV value")
		}

		value := buf[8 : 8+length]

		if typ == TLVMethod {
			method = string(bytes.TrimRight(value, "\x00"))
		}
		// unknown TLV types are silently skipped

		buf = buf[8+length:]
	}

	return method, nil
}
