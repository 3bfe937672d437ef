package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"tesseract/codec"
	"tesseract/envelope"
	"tesseract/protocol"
	"tesseract/rpcerror"
	"tesseract/server"
	"tesseract/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Sleep waits A milliseconds or until the caller gives up.
func (a *Arith) Sleep(ctx context.Context, args *Args, reply *Reply) error {
	select {
	case <-time.After(time.Duration(args.A) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newServer(t *testing.T, opts ...server.Option) *server.Server {
	t.Helper()
	s := server.New(opts...)
	require.NoError(t, s.RegisterReceiver(&Arith{}))
	require.NoError(t, s.Register("Echo", "Say", server.Unary(func(ctx context.Context, in string) (string, error) {
		return in, nil
	})))
	t.Cleanup(func() { s.Close() })
	return s
}

// pipeClient connects a client to s over an in-process pipe.
func pipeClient(t *testing.T, s *server.Server, opts ...Option) *Client {
	t.Helper()
	a, b := transport.Pipe()
	_, err := s.ServeTransport(b)
	require.NoError(t, err)
	c := New(a, opts...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientCall(t *testing.T) {
	s := newServer(t)
	l, err := transport.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(l)

	c, err := Dial(context.Background(), "tcp", l.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, protocol.StateOpen, c.State())

	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Arith", "Add", &Args{A: 1, B: 2}, &reply))
	assert.Equal(t, 3, reply.Result)

	var reply2 Reply
	require.NoError(t, c.Call(context.Background(), "Arith", "Add", &Args{A: 10, B: 20}, &reply2))
	assert.Equal(t, 30, reply2.Result)
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = Dial(context.Background(), "tcp", addr)
	assert.ErrorIs(t, err, rpcerror.ErrConnectionClosed)
}

// The id of the seventh call on a fresh connection is 7; the server echoes the
// payload back under that id.
func TestEchoScenario(t *testing.T) {
	c := pipeClient(t, newServer(t))
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		require.NoError(t, c.Call(ctx, "Echo", "Say", "warm-up", nil))
	}
	p, err := c.Go(ctx, "Echo", "Say", "hi")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), p.ID())

	var got string
	require.NoError(t, p.Wait(ctx, &got))
	assert.Equal(t, "hi", got)
	assert.Equal(t, 0, c.Engine().Pending())
}

func TestConcurrentCalls(t *testing.T) {
	c := pipeClient(t, newServer(t))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var reply Reply
			err := c.Call(context.Background(), "Arith", "Add", &Args{A: i, B: i}, &reply)
			assert.NoError(t, err)
			assert.Equal(t, 2*i, reply.Result)
		}(i)
	}
	wg.Wait()
}

func TestRemoteError(t *testing.T) {
	c := pipeClient(t, newServer(t))

	err := c.Call(context.Background(), "Arith", "Div", &Args{A: 1}, &Reply{})
	assert.ErrorIs(t, err, rpcerror.ErrRemote)
	assert.True(t, rpcerror.IsRemote(err))
	assert.Contains(t, err.Error(), "divide by zero")

	err = c.Call(context.Background(), "Arith", "Pow", &Args{}, &Reply{})
	assert.ErrorIs(t, err, rpcerror.ErrNotFound)
	assert.True(t, rpcerror.IsRemote(err))
}

func TestTimeout(t *testing.T) {
	c := pipeClient(t, newServer(t))

	start := time.Now()
	err := c.Call(context.Background(), "Arith", "Sleep", &Args{A: 5000}, nil, WithTimeout(50*time.Millisecond))
	assert.ErrorIs(t, err, rpcerror.ErrTimedOut)
	assert.False(t, rpcerror.IsRemote(err))
	assert.Less(t, time.Since(start), 2*time.Second)

	// The connection is still usable.
	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Arith", "Add", &Args{A: 1, B: 1}, &reply))
	assert.Equal(t, 2, reply.Result)
}

func TestDefaultTimeout(t *testing.T) {
	c := pipeClient(t, newServer(t), WithDefaultTimeout(30*time.Millisecond))

	err := c.Call(context.Background(), "Arith", "Sleep", &Args{A: 5000}, nil)
	assert.ErrorIs(t, err, rpcerror.ErrTimedOut)

	// A per-call timeout overrides the default.
	require.NoError(t, c.Call(context.Background(), "Arith", "Sleep", &Args{A: 60}, nil, WithTimeout(2*time.Second)))
}

func TestContextDeadline(t *testing.T) {
	c := pipeClient(t, newServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "Arith", "Sleep", &Args{A: 5000}, nil)
	assert.ErrorIs(t, err, rpcerror.ErrTimedOut)
}

func TestContextCancel(t *testing.T) {
	c := pipeClient(t, newServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	err := c.Call(ctx, "Arith", "Sleep", &Args{A: 5000}, nil)
	assert.ErrorIs(t, err, rpcerror.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	// Already-cancelled contexts never reach the wire.
	err = c.Call(ctx, "Echo", "Say", "hi", nil)
	assert.ErrorIs(t, err, rpcerror.ErrCancelled)
	assert.Equal(t, 0, c.Engine().Pending())
}

func TestPendingCancel(t *testing.T) {
	c := pipeClient(t, newServer(t))

	p, err := c.Go(context.Background(), "Arith", "Sleep", &Args{A: 5000})
	require.NoError(t, err)
	assert.True(t, p.Cancel())
	assert.False(t, p.Cancel())

	<-p.Done()
	err = p.Wait(context.Background(), nil)
	assert.ErrorIs(t, err, rpcerror.ErrCancelled)
}

func TestOutOfOrder(t *testing.T) {
	c := pipeClient(t, newServer(t))
	ctx := context.Background()

	slow, err := c.Go(ctx, "Arith", "Sleep", &Args{A: 200})
	require.NoError(t, err)
	fast, err := c.Go(ctx, "Arith", "Add", &Args{A: 2, B: 2})
	require.NoError(t, err)

	var reply Reply
	require.NoError(t, fast.Wait(ctx, &reply))
	assert.Equal(t, 4, reply.Result)
	select {
	case <-slow.Done():
		t.Fatal("slow call resolved before the fast one was read")
	default:
	}
	require.NoError(t, slow.Wait(ctx, nil))
}

func TestSerializationErrors(t *testing.T) {
	c := pipeClient(t, newServer(t))

	// Unencodable argument: fails locally, no id is used.
	err := c.Call(context.Background(), "Echo", "Say", make(chan int), nil)
	assert.ErrorIs(t, err, rpcerror.ErrSerialization)
	assert.False(t, rpcerror.IsRemote(err))
	assert.Equal(t, protocol.StateIdle, c.State(), "nothing was sent")

	// Reply of the wrong shape: decoding fails on this side.
	var wrong []string
	err = c.Call(context.Background(), "Arith", "Add", &Args{A: 1, B: 2}, &wrong)
	assert.ErrorIs(t, err, rpcerror.ErrSerialization)
	assert.False(t, rpcerror.IsRemote(err))

	// The connection survives both.
	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Arith", "Add", &Args{A: 1, B: 2}, &reply))
	assert.Equal(t, 3, reply.Result)
}

func TestProtoCodec(t *testing.T) {
	proto, err := codec.Get("proto+snappy")
	require.NoError(t, err)

	s := server.New(server.WithCodec(proto))
	require.NoError(t, s.Register("Echo", "Say", server.Unary(
		func(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			return wrapperspb.String(in.GetValue() + "!"), nil
		})))
	defer s.Close()
	c := pipeClient(t, s, WithCodec(proto))

	reply := &wrapperspb.StringValue{}
	require.NoError(t, c.Call(context.Background(), "Echo", "Say", wrapperspb.String("hi"), reply))
	assert.Equal(t, "hi!", reply.GetValue())
}

func TestCallCodecOverride(t *testing.T) {
	raw, err := codec.Get("raw")
	require.NoError(t, err)

	s := server.New(server.WithCodec(raw))
	require.NoError(t, s.Register("Echo", "Say", server.Unary(func(ctx context.Context, in []byte) ([]byte, error) {
		return in, nil
	})))
	defer s.Close()
	c := pipeClient(t, s)

	var out []byte
	require.NoError(t, c.Call(context.Background(), "Echo", "Say", []byte("bytes"), &out, WithCallCodec(raw)))
	assert.Equal(t, "bytes", string(out))
}

func TestServerGoneFailsPendingCalls(t *testing.T) {
	s := newServer(t)
	c := pipeClient(t, s)

	p, err := c.Go(context.Background(), "Arith", "Sleep", &Args{A: 5000})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	err = p.Wait(context.Background(), nil)
	assert.ErrorIs(t, err, rpcerror.ErrConnectionClosed)

	<-c.Done()
	assert.Equal(t, protocol.StateClosed, c.State())
	assert.ErrorIs(t, c.Err(), rpcerror.ErrConnectionClosed)

	err = c.Call(context.Background(), "Echo", "Say", "hi", nil)
	assert.ErrorIs(t, err, rpcerror.ErrConnectionClosed)
}

func TestClientShutdown(t *testing.T) {
	c := pipeClient(t, newServer(t))
	ctx := context.Background()

	p, err := c.Go(ctx, "Arith", "Sleep", &Args{A: 50})
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(ctx))
	assert.NoError(t, p.Wait(ctx, nil), "outstanding call finishes during shutdown")
	assert.Equal(t, protocol.StateClosed, c.State())
}

// The serving side can call back over the connection the client opened.
func TestCallback(t *testing.T) {
	a, b := transport.Pipe()
	notified := make(chan string, 1)

	c := New(a, WithEngineOptions(protocol.WithHandler(protocol.RequestHandlerFunc(
		func(ctx context.Context, req *envelope.Envelope) ([]byte, error) {
			notified <- req.Target + " " + string(req.Payload)
			return []byte(`"ack"`), nil
		}))))
	defer c.Close()
	c.Engine().Start()

	peer := New(b)
	defer peer.Close()

	var ack string
	require.NoError(t, peer.Call(context.Background(), "Watcher", "Notify", "changed", &ack))
	assert.Equal(t, "ack", ack)
	assert.Equal(t, `Watcher.Notify "changed"`, <-notified)
}

func BenchmarkSerialCall(b *testing.B) {
	s := server.New()
	if err := s.RegisterReceiver(&Arith{}); err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	l, err := transport.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go s.Serve(l)

	c, err := Dial(context.Background(), "tcp", l.Addr().String())
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Call(context.Background(), "Arith", "Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParallelCall(b *testing.B) {
	s := server.New()
	if err := s.RegisterReceiver(&Arith{}); err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	l, err := transport.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go s.Serve(l)

	c, err := Dial(context.Background(), "tcp", l.Addr().String())
	if err != nil {
		b.Fatal(err)
	}
	defer c.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := c.Call(context.Background(), "Arith", "Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
