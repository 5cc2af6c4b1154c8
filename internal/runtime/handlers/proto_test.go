package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	runtimepkg "github.com/arcstep/meshrpc/internal/runtime"
	errspkg "github.com/arcstep/meshrpc/internal/runtime/errors"
	"github.com/arcstep/meshrpc/internal/runtime/wire"
)

func protoRequest(t *testing.T, arg string) *runtimepkg.Request {
	t.Helper()
	env := &wire.Envelope{
		Type:      wire.TypeCall,
		Method:    "agents.describe",
		RequestID: "req-9",
		Origin:    "client-1",
	}
	if arg != "" {
		env.Args = []json.RawMessage{json.RawMessage(arg)}
	}
	return runtimepkg.NewRequest(env)
}

func TestProtoUnaryRoundTrip(t *testing.T) {
	h, err := ProtoUnary(func(ctx context.Context, in *structpb.Struct) (*structpb.Value, error) {
		return in.Fields["name"], nil
	})
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	res, err := h(context.Background(), protoRequest(t, `{"name":"ada"}`))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	raw, ok := res.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw JSON result, got %T", res)
	}
	if string(raw) != `"ada"` {
		t.Fatalf("unexpected payload: %s", raw)
	}
}

func TestProtoUnaryMissingArgument(t *testing.T) {
	h, err := ProtoUnary(func(ctx context.Context, in *structpb.Struct) (*structpb.Value, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	_, err = h(context.Background(), protoRequest(t, ""))
	var iae *runtimepkg.InvalidArgsError
	if !errors.As(err, &iae) {
		t.Fatalf("expected InvalidArgsError, got %v", err)
	}
}

func TestProtoUnaryDecodeFailure(t *testing.T) {
	h, err := ProtoUnary(func(ctx context.Context, in *structpb.Struct) (*structpb.Value, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	_, err = h(context.Background(), protoRequest(t, `{"name":`))
	var iae *runtimepkg.InvalidArgsError
	if !errors.As(err, &iae) {
		t.Fatalf("expected InvalidArgsError, got %v", err)
	}
}

func TestProtoUnaryNilResultEncodesNull(t *testing.T) {
	h, err := ProtoUnary(func(ctx context.Context, in *structpb.Struct) (*structpb.Value, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	res, err := h(context.Background(), protoRequest(t, `{}`))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if string(res.(json.RawMessage)) != "null" {
		t.Fatalf("expected null payload, got %v", res)
	}
}

func TestProtoUnaryValidatesInputs(t *testing.T) {
	if _, err := ProtoUnary[*structpb.Struct, *structpb.Value](nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}
	if _, err := ProtoUnary(func(ctx context.Context, in proto.Message) (proto.Message, error) {
		return in, nil
	}); !errors.Is(err, errspkg.ErrInputTypeRequired) {
		t.Fatalf("expected type required error, got %v", err)
	}
}

func TestProtoStreamEmitsChunks(t *testing.T) {
	h, err := ProtoStream(func(ctx context.Context, in *wrapperspb.Int32Value, emit func(*wrapperspb.StringValue) error) error {
		for i := int32(0); i < in.Value; i++ {
			if err := emit(wrapperspb.String(fmt.Sprintf("row-%d", i))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	var sent []*wire.Envelope
	w := runtimepkg.NewStreamWriter(context.Background(), "req-9", "client-1", func(ctx context.Context, env *wire.Envelope) error {
		sent = append(sent, env)
		return nil
	})
	if err := h(context.Background(), protoRequest(t, `3`), w); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if len(sent) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(sent))
	}
	for i, env := range sent {
		var chunk string
		if err := json.Unmarshal(env.Payload, &chunk); err != nil {
			t.Fatalf("chunk %d: decode: %v", i, err)
		}
		if want := fmt.Sprintf("row-%d", i); chunk != want {
			t.Fatalf("chunk %d: expected %q, got %q", i, want, chunk)
		}
	}
}

func TestProtoPrototypeBuildsFreshMessage(t *testing.T) {
	prototype, err := protoPrototype[*structpb.Struct]()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prototype == nil {
		t.Fatal("expected a prototype instance")
	}

	first, err := cloneProto(prototype)
	if err != nil {
		t.Fatalf("unexpected error cloning: %v", err)
	}
	second, err := cloneProto(prototype)
	if err != nil {
		t.Fatalf("unexpected error cloning: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct clones")
	}
}
