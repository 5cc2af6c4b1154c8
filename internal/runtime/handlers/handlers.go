// Package handlers adapts plain typed functions to the mesh runtime's
// handler signatures. The adapters decode the caller's arguments into a
// typed input value before invoking the function, so handlers written
// against concrete structs never touch the raw request.
package handlers

import (
	"context"
	"reflect"

	runtimepkg "github.com/arcstep/meshrpc/internal/runtime"
	errspkg "github.com/arcstep/meshrpc/internal/runtime/errors"
)

// UnaryFunc is a typed request handler: one decoded input, one result.
type UnaryFunc[In any, Out any] func(ctx context.Context, in In) (Out, error)

// StreamFunc is a typed streaming handler. Every emit call sends one chunk
// to the caller.
type StreamFunc[In any, Out any] func(ctx context.Context, in In, emit func(Out) error) error

// Unary converts a typed function into a runtime handler. In must be a
// pointer type; the caller's first positional argument binds to it, or the
// keyword arguments when no positional argument was sent.
func Unary[In any, Out any](fn UnaryFunc[In, Out]) (runtimepkg.UnaryHandler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	factory, err := prototypeFactory[In]()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req *runtimepkg.Request) (any, error) {
		in := factory()
		if err := bindInput(req, in); err != nil {
			return nil, err
		}
		return fn(NewContext(ctx, req), in)
	}, nil
}

// Stream converts a typed streaming function into a runtime stream handler.
func Stream[In any, Out any](fn StreamFunc[In, Out]) (runtimepkg.StreamHandler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	factory, err := prototypeFactory[In]()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req *runtimepkg.Request, w *runtimepkg.StreamWriter) error {
		in := factory()
		if err := bindInput(req, in); err != nil {
			return err
		}
		emit := func(v Out) error { return w.Send(v) }
		return fn(NewContext(ctx, req), in, emit)
	}, nil
}

// bindInput decodes the request into dst: the first positional argument
// when one is present, the keyword arguments otherwise.
func bindInput(req *runtimepkg.Request, dst any) error {
	if req.NumArgs() > 0 {
		return req.Arg(0, dst)
	}
	return req.BindKwargs(dst)
}

func prototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrInputTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrInputPointerRequired
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}
