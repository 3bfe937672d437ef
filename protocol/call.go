package protocol

import (
	"context"
	"errors"

	"tesseract/rpcerror"
)

// Call is the caller's handle on one outbound request. It refers to the pending
// record by correlation id; the engine's table owns the record until resolution.
type Call struct {
	id     uint64
	target string
	p      *pendingCall
	engine *Engine
}

// ID is the correlation id allocated for this call.
func (c *Call) ID() uint64 { return c.id }

// Target is the "Service.Method" the request was sent to.
func (c *Call) Target() string { return c.target }

// Done is closed when the call is resolved.
func (c *Call) Done() <-chan struct{} { return c.p.done }

// Result blocks until the call is resolved and returns the response payload or
// the error it resolved with. Calls without a deadline wait until the peer
// answers or the connection closes.
func (c *Call) Result() ([]byte, error) {
	<-c.p.done
	return c.p.payload, c.p.err
}

// Wait is Result bounded by ctx. If ctx ends first the call is abandoned: it
// resolves as timed out when ctx hit its deadline and as cancelled otherwise, and
// the peer is sent a Cancel envelope. If the call was resolved in the meantime,
// that outcome wins.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.p.done:
		return c.p.payload, c.p.err
	case <-ctx.Done():
		kind := rpcerror.KindCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = rpcerror.KindTimedOut
		}
		c.engine.abandon(c.id, rpcerror.Wrap(kind, ctx.Err(), "%s", c.target))
		return c.Result()
	}
}

// Cancel abandons the call. It reports whether this Cancel resolved the call;
// false means it had already been resolved.
func (c *Call) Cancel() bool {
	return c.engine.abandon(c.id, rpcerror.New(rpcerror.KindCancelled, "%s: cancelled by caller", c.target))
}
