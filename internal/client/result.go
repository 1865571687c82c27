package client

import (
	"context"

	"google.golang.org/protobuf/proto"
)

// Result bundles an Invoke outcome into a single value, mirroring
// cmsg_ant_result.c's convenience wrapper for callers that would rather
// check one struct than juggle (msg, kind, error) themselves.
type Result struct {
	Message proto.Message
	Kind    ReturnKind
	Err     error
}

// OK reports whether the invocation produced a usable reply.
func (r Result) OK() bool { return r.Kind == ReturnOK && r.Err == nil }

// InvokeResult is Invoke wrapped as a Result for callers that prefer the
// bundled form over three separate return values.
func (c *Client) InvokeResult(ctx context.Context, method string, input proto.Message, newOutput func() proto.Message) Result {
	msg, kind, err := c.Invoke(ctx, method, input, newOutput)
	return Result{Message: msg, Kind: kind, Err: err}
}
