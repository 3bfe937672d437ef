package protocol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	errNotAccepting = errors.New("protocol: not accepting requests")
	errDuplicateID  = errors.New("protocol: correlation id already in flight")
)

// inboundRequest is one handler invocation started by a Request envelope.
type inboundRequest struct {
	cancel    context.CancelFunc
	abandoned atomic.Bool // peer sent Cancel; the result must not be written
}

// inflightRequests tracks handler invocations by the peer's correlation id so a
// Cancel envelope can reach the right one.
type inflightRequests struct {
	mu        sync.Mutex
	reqs      map[uint64]*inboundRequest
	accepting bool
	waiters   []chan struct{}
}

func newInflightRequests() *inflightRequests {
	return &inflightRequests{
		reqs:      make(map[uint64]*inboundRequest),
		accepting: true,
	}
}

func (f *inflightRequests) add(id uint64, req *inboundRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accepting {
		return errNotAccepting
	}
	if _, dup := f.reqs[id]; dup {
		return errDuplicateID
	}
	f.reqs[id] = req
	return nil
}

func (f *inflightRequests) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reqs, id)
	if len(f.reqs) == 0 {
		f.notifyLocked()
	}
}

// abandon marks the request discarded and cancels its context.
// It reports whether a request with that id was running.
func (f *inflightRequests) abandon(id uint64) bool {
	f.mu.Lock()
	req, ok := f.reqs[id]
	f.mu.Unlock()
	if !ok {
		return false
	}
	req.abandoned.Store(true)
	req.cancel()
	return true
}

func (f *inflightRequests) stopAccepting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepting = false
}

// abandonAll cancels every running handler and releases waiters.
func (f *inflightRequests) abandonAll() {
	f.mu.Lock()
	f.accepting = false
	reqs := make([]*inboundRequest, 0, len(f.reqs))
	for _, req := range f.reqs {
		reqs = append(reqs, req)
	}
	f.notifyLocked()
	f.mu.Unlock()

	for _, req := range reqs {
		req.abandoned.Store(true)
		req.cancel()
	}
}

func (f *inflightRequests) waitEmpty() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	if len(f.reqs) == 0 {
		close(ch)
		return ch
	}
	f.waiters = append(f.waiters, ch)
	return ch
}

func (f *inflightRequests) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *inflightRequests) notifyLocked() {
	for _, ch := range f.waiters {
		close(ch)
	}
	f.waiters = nil
}
