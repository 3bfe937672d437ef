package server

import (
	"context"
	"fmt"
	"reflect"
)

type methodType struct {
	method      reflect.Method
	ArgType     reflect.Type
	ReplyType   reflect.Type
	withContext bool // first argument is a context.Context
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for methods with an RPC signature. name overrides the
// service name, which otherwise is the receiver's type name.
func newService(rcvr any, name string) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	if name == "" {
		return nil, fmt.Errorf("server: cannot name anonymous receiver type %s", typ)
	}

	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("server: %s has no exported methods of the form Method(*Args, *Reply) error", name)
	}
	return s, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// registerMethods keeps the exported methods shaped like
// (receiver, [ctx,] *Args, *Reply) error and ignores the rest.
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		first := 1
		withContext := false
		if mt.NumIn() == 4 && mt.In(1) == contextType {
			first, withContext = 2, true
		} else if mt.NumIn() != 3 {
			continue
		}
		argType, replyType := mt.In(first), mt.In(first+1)
		if argType.Kind() != reflect.Pointer || replyType.Kind() != reflect.Pointer {
			continue
		}

		s.method[method.Name] = &methodType{
			method:      method,
			ArgType:     argType.Elem(),
			ReplyType:   replyType.Elem(),
			withContext: withContext,
		}
	}
}

func (s *service) call(ctx context.Context, m *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr, argv, replyv}
	if m.withContext {
		args = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	}
	results := m.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// handler adapts one scanned method to the Handler interface: a fresh *Args is
// decoded from the request and a fresh *Reply is filled in and returned.
func (s *service) handler(m *methodType) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (any, error) {
		argv := reflect.New(m.ArgType)
		replyv := reflect.New(m.ReplyType)
		if err := req.Decode(argv.Interface()); err != nil {
			return nil, err
		}
		if err := s.call(ctx, m, argv, replyv); err != nil {
			return nil, err
		}
		return replyv.Interface(), nil
	})
}
