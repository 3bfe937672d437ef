package client

import (
	"context"
	"sync"
	"time"

	"tesseract/codec"
	"tesseract/metrics"
	"tesseract/protocol"
	"tesseract/rpcerror"
)

// Pending is an outstanding call started with Go.
type Pending struct {
	call   *protocol.Call
	target string
	codec  codec.Codec
	start  time.Time

	once sync.Once
}

// ID is the correlation id of the request on the wire.
func (p *Pending) ID() uint64 { return p.call.ID() }

// Done is closed once the call has a result.
func (p *Pending) Done() <-chan struct{} { return p.call.Done() }

// Wait blocks until the call resolves or ctx ends, then decodes the result into
// reply. If ctx ends first the call is abandoned and the server is told to stop.
// Wait may be called more than once.
func (p *Pending) Wait(ctx context.Context, reply any) error {
	payload, err := p.call.Wait(ctx)
	if err == nil && reply != nil && len(payload) > 0 {
		if derr := p.codec.Decode(payload, reply); derr != nil {
			err = rpcerror.Wrap(rpcerror.KindSerialization, derr, "%s: decode reply", p.target)
		}
	}
	return p.finish(err)
}

// Cancel abandons the call. It reports whether the call was still outstanding.
func (p *Pending) Cancel() bool {
	return p.call.Cancel()
}

// finish records the first outcome in the client metrics and passes err through.
func (p *Pending) finish(err error) error {
	p.once.Do(func() {
		metrics.RecordClientCall(p.target, metrics.Outcome(err), time.Since(p.start))
	})
	return err
}
