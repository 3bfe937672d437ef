// Package server serves registered handlers over any number of connections.
//
// Request processing pipeline:
//
//	Accept conn → ServeTransport (one protocol.Engine per connection)
//	  → engine read loop: for each Request, go Dispatcher.ServeRequest
//	    → middleware chain → handler lookup → Request.Decode → handler → Codec.Encode
//	  → engine writes Response/Error tagged with the request's correlation id
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tesseract/codec"
	"tesseract/middleware"
	"tesseract/protocol"
	"tesseract/rpcerror"
	"tesseract/transport"
)

// ErrServerClosed is returned by ServeTransport after Shutdown or Close.
var ErrServerClosed = errors.New("server: closed")

// Server accepts connections and serves every one of them with the same Dispatcher.
type Server struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
	engineOpts []protocol.Option

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[string]*protocol.Engine // by connection id
	connWG    sync.WaitGroup
	shutdown  atomic.Bool // set before listeners close so Accept errors read as intentional
}

type Option func(*serverOptions)

type serverOptions struct {
	codec       codec.Codec
	logger      *zap.Logger
	middlewares []middleware.Middleware
	engineOpts  []protocol.Option
}

// WithCodec sets the codec requests are decoded and results encoded with.
func WithCodec(c codec.Codec) Option {
	return func(o *serverOptions) { o.codec = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

// WithMiddleware appends middleware to the dispatcher.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *serverOptions) { o.middlewares = append(o.middlewares, mws...) }
}

// WithEngineOptions passes options to every connection's engine, e.g.
// protocol.WithWriteTimeout or protocol.WithLimits.
func WithEngineOptions(opts ...protocol.Option) Option {
	return func(o *serverOptions) { o.engineOpts = append(o.engineOpts, opts...) }
}

// New returns a server with an empty dispatcher.
func New(opts ...Option) *Server {
	o := serverOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: NewDispatcher(o.codec, o.logger),
		logger:     o.logger,
		engineOpts: o.engineOpts,
		listeners:  make(map[net.Listener]struct{}),
		conns:      make(map[string]*protocol.Engine),
	}
	s.dispatcher.middlewares = append(s.dispatcher.middlewares, o.middlewares...)
	return s
}

// Dispatcher exposes the server's dispatcher for registration.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Register binds h to service.method. See Dispatcher.Register.
func (s *Server) Register(service, method string, h Handler) error {
	return s.dispatcher.Register(service, method, h)
}

// RegisterReceiver registers rcvr's RPC methods under its type name.
func (s *Server) RegisterReceiver(rcvr any) error {
	return s.dispatcher.RegisterReceiver(rcvr)
}

// RegisterName registers rcvr's RPC methods under name.
func (s *Server) RegisterName(name string, rcvr any) error {
	return s.dispatcher.RegisterName(name, rcvr)
}

// Use appends middleware. It fails with ErrServing once the server has started.
func (s *Server) Use(mws ...middleware.Middleware) error {
	return s.dispatcher.Use(mws...)
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(network, addr string) error {
	l, err := transport.Listen(network, addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown or Close, which make it return
// nil. Any other Accept error is returned. Registration is closed once Serve is
// called.
func (s *Server) Serve(l net.Listener) error {
	s.dispatcher.freeze()

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	s.logger.Info("serving", zap.Stringer("addr", l.Addr()), zap.Strings("targets", s.dispatcher.Targets()))
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		if _, err := s.ServeTransport(conn); err != nil {
			s.logger.Debug("connection refused", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		}
	}
}

// ServeTransport serves requests arriving on t with a new engine and returns it.
// The engine is tracked until it closes so Shutdown can drain it.
func (s *Server) ServeTransport(t transport.Transport) (*protocol.Engine, error) {
	s.dispatcher.freeze()

	opts := append([]protocol.Option{
		protocol.WithName("server"),
		protocol.WithLogger(s.logger),
	}, s.engineOpts...)
	opts = append(opts, protocol.WithHandler(s.dispatcher))
	e := protocol.NewEngine(t, opts...)

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		e.Close()
		return nil, ErrServerClosed
	}
	s.conns[e.ID()] = e
	s.connWG.Add(1)
	s.mu.Unlock()

	e.Start()
	go func() {
		<-e.Done()
		s.mu.Lock()
		delete(s.conns, e.ID())
		s.mu.Unlock()
		s.connWG.Done()
	}()
	return e, nil
}

// Connections is the number of connections currently being served.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Addr returns the address of one active listener, or nil if none.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for l := range s.listeners {
		return l.Addr()
	}
	return nil
}

// Shutdown stops accepting connections and drains every open one: requests
// already running are allowed to finish and new ones are refused. If ctx ends
// first the remaining connections are closed and a ConnectionClosed error
// wrapping each engine's failure is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	conns := s.stop()
	s.logger.Info("shutting down", zap.Int("connections", len(conns)))

	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	for _, e := range conns {
		wg.Add(1)
		go func(e *protocol.Engine) {
			defer wg.Done()
			if err := e.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	s.connWG.Wait()

	if errs != nil {
		return rpcerror.Wrap(rpcerror.KindConnectionClosed, errs, "forced close of %d connections", len(multierr.Errors(errs)))
	}
	return nil
}

// Close closes every listener and connection immediately.
func (s *Server) Close() error {
	var errs error
	for _, e := range s.stop() {
		errs = multierr.Append(errs, e.Close())
	}
	s.connWG.Wait()
	return errs
}

// stop marks the server shut down, closes the listeners and returns a snapshot
// of the open connections.
func (s *Server) stop() []*protocol.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown.Store(true)
	for l := range s.listeners {
		if err := l.Close(); err != nil {
			s.logger.Debug("listener close", zap.Error(err))
		}
	}
	conns := make([]*protocol.Engine, 0, len(s.conns))
	for _, e := range s.conns {
		conns = append(conns, e)
	}
	return conns
}
