// Package protocol implements the per-connection engine that multiplexes many
// concurrent calls over one transport.
//
// The engine is symmetric: either side may send requests and either side may
// serve them. Each outbound request gets a correlation id and a pending-call
// record; a single read loop decodes envelopes and either resolves the matching
// pending call (Response, Error) or hands the request to a handler goroutine
// (Request), so a slow handler never stalls the other calls on the connection.
//
//	goroutine-1 ──SendRequest(id=1)──┐                         ┌─► pending[1] resolved
//	goroutine-2 ──SendRequest(id=2)──┼─► writeMu ─► transport ─┤
//	handler(id=9) ──reply(id=9)──────┘      ▲       readLoop ──┼─► pending[2] resolved
//	                                        │                  └─► go handler(Request id=9)
//	                                   one envelope
//	                                   per Write
package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tesseract/envelope"
	"tesseract/metrics"
	"tesseract/rpcerror"
	"tesseract/transport"
)

// Engine owns one connection's multiplexing state.
type Engine struct {
	id           string // uuid, for log correlation
	name         string
	t            transport.Transport
	reader       *bufio.Reader
	handler      RequestHandler
	logger       *zap.Logger
	limits       envelope.Limits
	writeTimeout time.Duration

	state     atomic.Int32
	startOnce sync.Once
	started   atomic.Bool
	closeOnce sync.Once

	writeMu  sync.Mutex // one envelope at a time on the transport
	pending  *pendingTable
	inflight *inflightRequests

	baseCtx   context.Context // parent of every handler context
	cancelAll context.CancelFunc

	readDone chan struct{}
	done     chan struct{}
	err      error // why the engine closed; written before done is closed
}

// NewEngine wraps t. The engine starts Idle; it opens on Start or on the first
// SendRequest.
func NewEngine(t transport.Transport, opts ...Option) *Engine {
	e := &Engine{
		id:       uuid.NewString(),
		name:     "engine",
		t:        t,
		logger:   zap.NewNop(),
		limits:   envelope.DefaultLimits(),
		pending:  newPendingTable(),
		inflight: newInflightRequests(),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reader = bufio.NewReader(t)
	e.baseCtx, e.cancelAll = context.WithCancel(context.Background())
	e.logger = e.logger.With(zap.String("conn", e.id), zap.String("engine", e.name))
	return e
}

// ID is the connection id used in log lines.
func (e *Engine) ID() string { return e.id }

// State reports the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Done is closed once the engine is Closed and every pending call has been resolved.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns why the engine closed, or nil while it is still running.
func (e *Engine) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Pending is the number of outbound calls awaiting resolution.
func (e *Engine) Pending() int { return e.pending.len() }

// Inflight is the number of inbound requests whose handlers are still running.
func (e *Engine) Inflight() int { return e.inflight.len() }

// Start moves an Idle engine to Open and launches the read loop. Calling it again,
// or on an engine that is already closed, does nothing.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		if !e.state.CompareAndSwap(int32(StateIdle), int32(StateOpen)) {
			return
		}
		e.started.Store(true)
		metrics.OpenConnections.Inc()
		e.logger.Debug("connection open")
		go e.readLoop()
	})
}

// SendRequest writes a Request envelope for target and returns a handle that is
// resolved when the matching Response or Error arrives, when deadline passes
// (zero means no deadline), when the call is cancelled, or when the connection
// closes. It does not wait for the response.
//
// An error is returned only when the request never made it onto the wire; no
// correlation id stays allocated in that case.
func (e *Engine) SendRequest(target string, payload []byte, deadline time.Time) (*Call, error) {
	e.Start()
	if st := e.State(); st != StateOpen {
		return nil, e.rejectError(st)
	}

	p, err := e.pending.insert(target, deadline, e.expire)
	if err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		Kind:          envelope.KindRequest,
		CorrelationID: p.id,
		Target:        target,
		Payload:       payload,
	}
	if err := e.write(env); err != nil {
		e.pending.resolve(p.id, err)
		return nil, err
	}
	return &Call{id: p.id, target: target, p: p, engine: e}, nil
}

// Shutdown stops accepting new calls and waits for pending calls and running
// handlers to finish, then closes the connection. If ctx ends first the engine is
// closed anyway and the remaining calls resolve with a connection-closed error.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.state.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
		e.terminate(rpcerror.New(rpcerror.KindConnectionClosed, "shut down before use"))
		return nil
	}
	if e.state.CompareAndSwap(int32(StateOpen), int32(StateDraining)) {
		e.logger.Debug("connection draining",
			zap.Int("pending", e.pending.len()),
			zap.Int("inflight", e.inflight.len()))
	}
	if e.State() == StateClosed {
		<-e.done
		return nil
	}

	e.pending.stopAccepting(rpcerror.New(rpcerror.KindConnectionClosed, "connection draining"))
	e.inflight.stopAccepting()

	drained := make(chan struct{})
	go func() {
		<-e.pending.waitEmpty()
		<-e.inflight.waitEmpty()
		close(drained)
	}()

	select {
	case <-drained:
		return e.Close()
	case <-e.done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("drain deadline exceeded, forcing close",
			zap.Int("pending", e.pending.len()),
			zap.Int("inflight", e.inflight.len()))
		e.terminate(rpcerror.Wrap(rpcerror.KindConnectionClosed, ctx.Err(), "drain deadline exceeded"))
		e.waitReadLoop()
		return ctx.Err()
	}
}

// Close tears the connection down immediately. Every pending call resolves with a
// connection-closed error before Close returns.
func (e *Engine) Close() error {
	e.terminate(rpcerror.New(rpcerror.KindConnectionClosed, "connection closed"))
	e.waitReadLoop()
	return nil
}

func (e *Engine) waitReadLoop() {
	if e.started.Load() {
		<-e.readDone
	}
}

// terminate moves the engine to Closed exactly once. cause becomes Err().
func (e *Engine) terminate(cause error) {
	e.closeOnce.Do(func() {
		prev := State(e.state.Swap(int32(StateClosed)))
		if prev == StateOpen || prev == StateDraining {
			metrics.OpenConnections.Dec()
		}
		e.err = cause

		if err := e.t.Close(); err != nil {
			e.logger.Debug("transport close", zap.Error(err))
		}
		n := e.pending.drain(closedError(cause))
		e.inflight.abandonAll()
		e.cancelAll()

		e.logger.Debug("connection closed", zap.Int("drained", n), zap.Error(cause))
		close(e.done)
	})
}

func closedError(cause error) error {
	if cause == nil {
		return rpcerror.New(rpcerror.KindConnectionClosed, "connection closed")
	}
	if rpcerror.KindOf(cause) == rpcerror.KindConnectionClosed {
		return cause
	}
	return rpcerror.Wrap(rpcerror.KindConnectionClosed, cause, "")
}

func (e *Engine) rejectError(st State) error {
	if st == StateDraining {
		return rpcerror.New(rpcerror.KindConnectionClosed, "connection draining")
	}
	if err := e.Err(); err != nil {
		return closedError(err)
	}
	return rpcerror.New(rpcerror.KindConnectionClosed, "connection %s", st)
}

// expire fires from the deadline timer of a pending call.
func (e *Engine) expire(id uint64) {
	if e.pending.resolve(id, rpcerror.New(rpcerror.KindTimedOut, "deadline exceeded")) {
		e.logger.Debug("call timed out", zap.Uint64("id", id))
		go e.sendCancel(id)
	}
}

// abandon resolves a pending call locally and tells the peer to stop working on it.
func (e *Engine) abandon(id uint64, err error) bool {
	if !e.pending.resolve(id, err) {
		return false
	}
	go e.sendCancel(id)
	return true
}

// sendCancel is best effort: the peer may already be done, or gone.
func (e *Engine) sendCancel(id uint64) {
	if e.State() == StateClosed {
		return
	}
	if err := e.write(&envelope.Envelope{Kind: envelope.KindCancel, CorrelationID: id}); err != nil {
		e.logger.Debug("cancel not sent", zap.Uint64("id", id), zap.Error(err))
	}
}

// write serializes env and puts it on the transport under writeMu. Encoding
// problems affect only this envelope; a transport failure closes the engine,
// since a partial write leaves the stream unusable.
func (e *Engine) write(env *envelope.Envelope) error {
	if e.limits.MaxPayloadBytes > 0 && uint64(len(env.Payload)) > uint64(e.limits.MaxPayloadBytes) {
		return rpcerror.Wrap(rpcerror.KindFraming, envelope.ErrPayloadTooLarge, "%d > %d bytes", len(env.Payload), e.limits.MaxPayloadBytes)
	}
	buf, err := envelope.Marshal(env)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	if d, ok := e.t.(transport.WriteDeadliner); ok && e.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	}
	_, err = e.t.Write(buf)
	e.writeMu.Unlock()

	if err != nil {
		cause := rpcerror.Wrap(rpcerror.KindConnectionClosed, err, "write %s", env.Kind)
		e.terminate(cause)
		return cause
	}
	metrics.RecordEnvelope("out", env.Kind.String())
	return nil
}

// readLoop is the only reader of the transport. Reads must be sequential to
// keep envelope boundaries intact.
func (e *Engine) readLoop() {
	defer close(e.readDone)
	for {
		env, err := envelope.Read(e.reader, e.limits)
		if err != nil {
			e.terminate(readError(err))
			return
		}
		metrics.RecordEnvelope("in", env.Kind.String())
		e.route(env)
	}
}

func readError(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return rpcerror.Wrap(rpcerror.KindConnectionClosed, err, "peer closed connection")
	case errors.Is(err, rpcerror.ErrFraming):
		return rpcerror.Wrap(rpcerror.KindConnectionClosed, err, "unreadable envelope")
	default:
		return rpcerror.Wrap(rpcerror.KindConnectionClosed, err, "read")
	}
}

func (e *Engine) route(env *envelope.Envelope) {
	switch env.Kind {
	case envelope.KindRequest:
		e.serve(env)
	case envelope.KindResponse:
		if !e.pending.deliver(env.CorrelationID, env.Payload, nil) {
			e.logger.Debug("dropping response for unknown call", zap.Uint64("id", env.CorrelationID))
		}
	case envelope.KindError:
		if !e.pending.deliver(env.CorrelationID, nil, rpcerror.Unmarshal(env.Payload)) {
			e.logger.Debug("dropping error for unknown call", zap.Uint64("id", env.CorrelationID))
		}
	case envelope.KindCancel:
		if e.inflight.abandon(env.CorrelationID) {
			e.logger.Debug("request cancelled by peer", zap.Uint64("id", env.CorrelationID))
		}
	}
}

// serve starts a handler goroutine for an inbound request. It never blocks the
// read loop: even refusals are written from their own goroutine.
func (e *Engine) serve(env *envelope.Envelope) {
	id := env.CorrelationID
	if e.handler == nil {
		go e.reply(id, nil, rpcerror.New(rpcerror.KindNotFound, "%s: no handler on this connection", env.Target))
		return
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	req := &inboundRequest{cancel: cancel}
	if err := e.inflight.add(id, req); err != nil {
		cancel()
		if errors.Is(err, errDuplicateID) {
			e.logger.Warn("ignoring request with duplicate correlation id", zap.Uint64("id", id), zap.String("target", env.Target))
			return
		}
		go e.reply(id, nil, rpcerror.New(rpcerror.KindConnectionClosed, "connection draining"))
		return
	}

	go e.runHandler(ctx, env, req)
}

func (e *Engine) runHandler(ctx context.Context, env *envelope.Envelope, req *inboundRequest) {
	id := env.CorrelationID
	defer e.inflight.remove(id)
	defer req.cancel()

	payload, err := e.invoke(ctx, env)
	if req.abandoned.Load() {
		e.logger.Debug("discarding result of abandoned request", zap.Uint64("id", id), zap.String("target", env.Target))
		return
	}
	e.reply(id, payload, err)
}

// invoke calls the handler, turning a panic into an internal error so it never
// takes down the connection's other calls.
func (e *Engine) invoke(ctx context.Context, env *envelope.Envelope) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("request handler panicked", zap.String("target", env.Target), zap.Any("panic", r))
			payload, err = nil, rpcerror.New(rpcerror.KindInternal, "%s: %v", env.Target, r)
		}
	}()
	return e.handler.ServeRequest(ctx, env)
}

func (e *Engine) reply(id uint64, payload []byte, err error) {
	env := &envelope.Envelope{Kind: envelope.KindResponse, CorrelationID: id, Payload: payload}
	if err != nil {
		env = errorEnvelope(id, err)
	}

	werr := e.write(env)
	if werr != nil && env.Kind == envelope.KindResponse && rpcerror.KindOf(werr) == rpcerror.KindFraming {
		// The result itself could not be framed; tell the caller instead of going silent.
		werr = e.write(errorEnvelope(id, rpcerror.Wrap(rpcerror.KindInternal, werr, "response not sent")))
	}
	if werr != nil {
		e.logger.Debug("reply not sent", zap.Uint64("id", id), zap.Error(werr))
	}
}

func errorEnvelope(id uint64, err error) *envelope.Envelope {
	return &envelope.Envelope{
		Kind:          envelope.KindError,
		CorrelationID: id,
		Payload:       rpcerror.Marshal(rpcerror.From(err, rpcerror.KindInternal)),
	}
}

func (e *Engine) String() string {
	return fmt.Sprintf("%s[%s %s]", e.name, e.id, e.State())
}
