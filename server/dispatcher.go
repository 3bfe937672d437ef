package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tesseract/codec"
	"tesseract/envelope"
	"tesseract/middleware"
	"tesseract/rpcerror"
)

// ErrServing is returned by registration calls made after the dispatcher has
// started serving requests.
var ErrServing = errors.New("server: dispatcher is already serving")

// Dispatcher routes inbound requests to the handler registered for their
// "Service.Method" target. It implements protocol.RequestHandler, so one
// dispatcher can serve any number of connections.
//
// Handlers and middleware are registered during setup. The first request freezes
// the dispatcher: the handler table and middleware chain are fixed from then on
// and read without locking.
type Dispatcher struct {
	codec  codec.Codec
	logger *zap.Logger

	mu          sync.Mutex // guards registration until frozen
	handlers    map[string]Handler
	middlewares []middleware.Middleware
	serving     bool

	freezeOnce sync.Once
	chain      middleware.HandlerFunc
}

// NewDispatcher returns an empty dispatcher that decodes requests and encodes
// results with c. A nil codec means codec.Default(); a nil logger discards logs.
func NewDispatcher(c codec.Codec, logger *zap.Logger) *Dispatcher {
	if c == nil {
		c = codec.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		codec:    c,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Codec is the codec requests are decoded with.
func (d *Dispatcher) Codec() codec.Codec { return d.codec }

// Register binds h to service.method. It fails with a duplicate-registration
// error if the pair is taken, and with ErrServing once serving has begun.
func (d *Dispatcher) Register(service, method string, h Handler) error {
	if h == nil {
		return fmt.Errorf("server: nil handler for %s.%s", service, method)
	}
	if err := validName(service, method); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.serving {
		return ErrServing
	}
	target := envelope.Target(service, method)
	if _, dup := d.handlers[target]; dup {
		return rpcerror.New(rpcerror.KindDuplicateRegistration, "%s", target)
	}
	d.handlers[target] = h
	return nil
}

// RegisterReceiver registers every exported method of rcvr with a supported
// signature under the receiver's type name. See RegisterName.
func (d *Dispatcher) RegisterReceiver(rcvr any) error {
	return d.RegisterName("", rcvr)
}

// RegisterName registers the methods of rcvr under the given service name, or
// the receiver's type name when name is empty. Supported method shapes are
//
//	func (t *T) Method(args *A, reply *R) error
//	func (t *T) Method(ctx context.Context, args *A, reply *R) error
//
// Registration is all or nothing: if any method collides with an existing
// registration, none are added.
func (d *Dispatcher) RegisterName(name string, rcvr any) error {
	svc, err := newService(rcvr, name)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.serving {
		return ErrServing
	}
	for method := range svc.method {
		target := envelope.Target(svc.name, method)
		if _, dup := d.handlers[target]; dup {
			return rpcerror.New(rpcerror.KindDuplicateRegistration, "%s", target)
		}
	}
	for method, mtype := range svc.method {
		d.handlers[envelope.Target(svc.name, method)] = svc.handler(mtype)
	}
	return nil
}

// Use appends middleware around request handling. Middleware added first runs
// outermost.
func (d *Dispatcher) Use(mws ...middleware.Middleware) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.serving {
		return ErrServing
	}
	d.middlewares = append(d.middlewares, mws...)
	return nil
}

// Targets lists the registered "Service.Method" identifiers in sorted order.
func (d *Dispatcher) Targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	targets := make([]string, 0, len(d.handlers))
	for target := range d.handlers {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}

// freeze ends registration and builds the middleware chain. Safe to call more
// than once.
func (d *Dispatcher) freeze() {
	d.freezeOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.serving = true
		d.chain = middleware.Chain(d.middlewares...)(d.dispatch)
	})
}

// ServeRequest runs one inbound request through the middleware chain and the
// matching handler. A panic anywhere in the chain is reported to the caller as
// an internal error and never escapes to the connection.
func (d *Dispatcher) ServeRequest(ctx context.Context, req *envelope.Envelope) (payload []byte, err error) {
	d.freeze()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				zap.String("target", req.Target),
				zap.Uint64("id", req.CorrelationID),
				zap.Any("panic", r),
				zap.StackSkip("stack", 2))
			payload, err = nil, rpcerror.New(rpcerror.KindInternal, "%s: handler panicked: %v", req.Target, r)
		}
	}()
	return d.chain(ctx, req)
}

// dispatch is the innermost link of the chain: lookup, invoke, encode.
func (d *Dispatcher) dispatch(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	h, ok := d.handlers[env.Target]
	if !ok {
		return nil, rpcerror.New(rpcerror.KindNotFound, "%s", env.Target)
	}
	service, method, _ := envelope.SplitTarget(env.Target)
	req := &Request{
		ID:      env.CorrelationID,
		Service: service,
		Method:  method,
		Payload: env.Payload,
		codec:   d.codec,
	}

	resp, err := h.ServeRPC(ctx, req)
	if err != nil {
		return nil, rpcerror.From(err, rpcerror.KindRemote)
	}
	if resp == nil {
		return nil, nil
	}
	payload, err := d.codec.Encode(resp)
	if err != nil {
		return nil, rpcerror.Wrap(rpcerror.KindSerialization, err, "%s: encode response", env.Target)
	}
	return payload, nil
}

func validName(service, method string) error {
	if service == "" || method == "" || strings.Contains(method, ".") {
		return fmt.Errorf("server: invalid service method %q.%q", service, method)
	}
	return nil
}
