package main

import (
	"context"
	"errors"
	"time"

	"tesseract/server"
)

// Demo services served by "tesseract serve".

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

func (a *Arith) Mul(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func registerDemo(s *server.Server) error {
	if err := s.RegisterReceiver(&Arith{}); err != nil {
		return err
	}
	if err := s.Register("Echo", "Say", server.Unary(func(ctx context.Context, in string) (string, error) {
		return in, nil
	})); err != nil {
		return err
	}
	// Echo.Sleep waits the given duration, or until the caller gives up.
	return s.Register("Echo", "Sleep", server.Unary(func(ctx context.Context, in string) (string, error) {
		d, err := time.ParseDuration(in)
		if err != nil {
			return "", err
		}
		select {
		case <-time.After(d):
			return "slept " + d.String(), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}))
}
