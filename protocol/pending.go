package protocol

import (
	"sync"
	"time"

	"tesseract/metrics"
	"tesseract/rpcerror"
)

// pendingCall is the bookkeeping record for one outbound request. Its completion
// slot (payload, err, done) is written exactly once, by whoever removed the call
// from the table.
type pendingCall struct {
	id       uint64
	target   string
	deadline time.Time // zero: no deadline
	timer    *time.Timer

	done    chan struct{}
	payload []byte
	err     error
}

func (p *pendingCall) complete(payload []byte, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.payload, p.err = payload, err
	close(p.done)
}

// pendingTable owns every in-flight outbound call of one connection, keyed by
// correlation id.
//
// Removal from the map under mu is the single point that decides who resolves a
// call. Responses, errors, timeouts, cancellation and closure all race through
// take, and only the one that gets the record back completes it; the rest see
// nil and do nothing.
type pendingTable struct {
	mu      sync.Mutex
	calls   map[uint64]*pendingCall
	lastID  uint64
	reject  error // non-nil once the table stops accepting inserts
	waiters []chan struct{}

	now func() time.Time
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		calls: make(map[uint64]*pendingCall),
		now:   time.Now,
	}
}

// insert allocates a correlation id and registers a call under it. When deadline
// is set, onExpire(id) is scheduled for that instant.
func (t *pendingTable) insert(target string, deadline time.Time, onExpire func(id uint64)) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reject != nil {
		return nil, t.reject
	}

	p := &pendingCall{
		id:       t.nextID(),
		target:   target,
		deadline: deadline,
		done:     make(chan struct{}),
	}
	if !deadline.IsZero() && onExpire != nil {
		id := p.id
		p.timer = time.AfterFunc(deadline.Sub(t.now()), func() { onExpire(id) })
	}
	t.calls[p.id] = p
	metrics.PendingCalls.Inc()
	return p, nil
}

// nextID hands out ids monotonically. After wrap-around it skips 0 and any id
// that still belongs to a pending call. Caller holds mu.
func (t *pendingTable) nextID() uint64 {
	for {
		t.lastID++
		if t.lastID == 0 {
			continue
		}
		if _, busy := t.calls[t.lastID]; !busy {
			return t.lastID
		}
	}
}

// take removes the call with the given id. It returns nil when the id is not
// pending, which is the normal outcome for a loser of a resolution race.
func (t *pendingTable) take(id uint64) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	metrics.PendingCalls.Dec()
	if len(t.calls) == 0 {
		t.notifyLocked()
	}
	return p
}

// resolve completes a call with a locally decided outcome.
func (t *pendingTable) resolve(id uint64, err error) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	p.complete(nil, err)
	return true
}

// deliver completes a call with what the peer sent. A call whose deadline has
// already passed resolves as timed out even if the timer has not fired yet.
func (t *pendingTable) deliver(id uint64, payload []byte, err error) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	if !p.deadline.IsZero() && !t.now().Before(p.deadline) {
		p.complete(nil, rpcerror.New(rpcerror.KindTimedOut, "%s: response arrived after deadline", p.target))
		return true
	}
	p.complete(payload, err)
	return true
}

// stopAccepting makes every later insert fail with err.
func (t *pendingTable) stopAccepting(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reject == nil {
		t.reject = err
	}
}

// drain stops accepting and resolves every pending call with err.
// It returns the number of calls it resolved.
func (t *pendingTable) drain(err error) int {
	t.mu.Lock()
	t.reject = err
	calls := t.calls
	t.calls = make(map[uint64]*pendingCall)
	metrics.PendingCalls.Sub(float64(len(calls)))
	t.notifyLocked()
	t.mu.Unlock()

	for _, p := range calls {
		p.complete(nil, err)
	}
	return len(calls)
}

// waitEmpty returns a channel closed once no call is pending.
func (t *pendingTable) waitEmpty() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{})
	if len(t.calls) == 0 {
		close(ch)
		return ch
	}
	t.waiters = append(t.waiters, ch)
	return ch
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *pendingTable) notifyLocked() {
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}
