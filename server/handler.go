package server

import (
	"context"
	"reflect"

	"tesseract/codec"
	"tesseract/rpcerror"
)

// Request is an inbound call as a handler sees it. The payload is still encoded;
// Decode turns it into the handler's argument type with the dispatcher's codec.
type Request struct {
	ID      uint64
	Service string
	Method  string
	Payload []byte

	codec codec.Codec
}

// Decode unmarshals the payload into v. Failures are serialization errors and are
// reported to the caller as such.
func (r *Request) Decode(v any) error {
	if err := r.codec.Decode(r.Payload, v); err != nil {
		return rpcerror.Wrap(rpcerror.KindSerialization, err, "%s.%s: decode request", r.Service, r.Method)
	}
	return nil
}

// Handler serves one (service, method) pair. ctx is cancelled when the caller
// gives up or the connection closes; long-running handlers should watch it.
//
// The returned value is encoded as the response. Returning an *rpcerror.Error
// sends that kind to the caller; any other error is sent as a remote error with
// its message.
type Handler interface {
	ServeRPC(ctx context.Context, req *Request) (any, error)
}

type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) ServeRPC(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// Unary builds a Handler from a typed function. Pointer request types are
// allocated before decoding, so fn may take *T for proto messages.
func Unary[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return HandlerFunc(func(ctx context.Context, r *Request) (any, error) {
		var in Req
		target := any(&in)
		if t := reflect.TypeOf(in); t != nil && t.Kind() == reflect.Pointer {
			in = reflect.New(t.Elem()).Interface().(Req)
			target = in
		}
		if err := r.Decode(target); err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}
