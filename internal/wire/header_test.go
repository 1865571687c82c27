package wire

import "testing"

func TestPackParseRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		typ    MsgType
		status Status
		body   int
		method string
	}{
		{"no method", MsgEchoReq, StatusSuccess, 0, ""},
		{"with method", MsgMethodReq, StatusSuccess, 42, "simple_rpc_test"},
		{"reply status", MsgMethodReply, StatusServiceDropped, 0, ""},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			packed := Pack(c.typ, c.status, c.body, c.method)

			h, err := Parse(packed)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}

			if h.Type != c.typ {
				t.Errorf("Type = %v, want %v", h.Type, c.typ)
			}
			if h.Status != c.status {
				t.Errorf("Status = %v, want %v", h.Status, c.status)
			}
			if h.MessageLength != uint32(c.body) {
				t.Errorf("MessageLength = %v, want %v", h.MessageLength, c.body)
			}
			if h.Method != c.method {
				t.Errorf("Method = %q, want %q", h.Method, c.method)
			}
			if h.HeaderLength != uint32(len(packed)) {
				t.Errorf("HeaderLength = %v, want %v", h.HeaderLength, len(packed))
			}
		})
	}
}

func TestParseShortHeader(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	if err != ErrShortHeader {
		t.Fatalf("err = %v, want ErrShortHeader", err)
	}
}

func TestParseUnknownTLVSkipped(t *testing.T) {
	// build a header with an unknown TLV (type=99) followed by a METHOD TLV
	unknown := []byte{0, 0, 0, 99, 0, 0, 0, 2, 'x', 'y'}
	methodTLV := []byte{0, 0, 0, 1, 0, 0, 0, 5, 'e', 'c', 'h', 'o', 0}

	tlv := append(append([]byte{}, unknown...), methodTLV...)
	hdrLen := HeaderSize + len(tlv)

	buf := make([]byte, hdrLen)
	Pack(MsgMethodReq, StatusSuccess, 0, "") // sanity: Pack works standalone
	buf[3] = byte(MsgMethodReq)
	buf[7] = byte(hdrLen)
	copy(buf[HeaderSize:], tlv)

	h, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.Method != "echo" {
		t.Errorf("Method = %q, want %q (unknown TLV should be skipped, not fatal)", h.Method, "echo")
	}
}

func TestServiceDescriptorIndex(t *testing.T) {
	sd := NewServiceDescriptor("cmsg.test", []MethodDescriptor{
		{Name: "simple_rpc_test"},
		{Name: "simple_server_queue_test_2"},
	})

	if i := sd.Index("simple_rpc_test"); i != 0 {
		t.Errorf("Index = %d, want 0", i)
	}
	if i := sd.Index("does_not_exist"); i != MethodIndexUndefined {
		t.Errorf("Index = %d, want MethodIndexUndefined", i)
	}
}
