package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/arcstep/meshrpc/internal/runtime"
	errspkg "github.com/arcstep/meshrpc/internal/runtime/errors"
)

// ProtoUnary converts a function over protobuf messages into a runtime
// handler. The caller's first positional argument is decoded with protojson
// and the returned message is re-encoded the same way, so both sides
// exchange canonical proto JSON.
func ProtoUnary[In proto.Message, Out proto.Message](fn func(ctx context.Context, in In) (Out, error)) (runtimepkg.UnaryHandler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := protoPrototype[In]()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req *runtimepkg.Request) (any, error) {
		in, err := cloneProto(prototype)
		if err != nil {
			return nil, err
		}
		if err := bindProtoInput(req, in); err != nil {
			return nil, err
		}
		out, err := fn(NewContext(ctx, req), in)
		if err != nil {
			return nil, err
		}
		return marshalProto(out)
	}, nil
}

// ProtoStream is the streaming counterpart of ProtoUnary. Every emitted
// message becomes one protojson-encoded chunk.
func ProtoStream[In proto.Message, Out proto.Message](fn func(ctx context.Context, in In, emit func(Out) error) error) (runtimepkg.StreamHandler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := protoPrototype[In]()
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req *runtimepkg.Request, w *runtimepkg.StreamWriter) error {
		in, err := cloneProto(prototype)
		if err != nil {
			return err
		}
		if err := bindProtoInput(req, in); err != nil {
			return err
		}
		emit := func(v Out) error {
			payload, err := marshalProto(v)
			if err != nil {
				return err
			}
			return w.Send(payload)
		}
		return fn(NewContext(ctx, req), in, emit)
	}, nil
}

// The proto adapters insist on a single positional argument; keyword
// arguments cannot round-trip through protojson.
func bindProtoInput(req *runtimepkg.Request, dst proto.Message) error {
	raw, ok := req.RawArg(0)
	if !ok {
		return &runtimepkg.InvalidArgsError{Method: req.Method, Err: errors.New("argument 0 missing")}
	}
	if err := protojson.Unmarshal(raw, dst); err != nil {
		return &runtimepkg.InvalidArgsError{Method: req.Method, Err: fmt.Errorf("argument 0: %w", err)}
	}
	return nil
}

func marshalProto(msg proto.Message) (json.RawMessage, error) {
	if isNilProto(msg) {
		return json.RawMessage("null"), nil
	}
	payload, err := protojson.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

func protoPrototype[T proto.Message]() (T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return zero, errspkg.ErrInputTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrInputPointerRequired
	}
	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func cloneProto[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)
	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

func isNilProto[T proto.Message](msg T) bool {
	m := proto.Message(msg)
	if m == nil {
		return true
	}
	val := reflect.ValueOf(m)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
