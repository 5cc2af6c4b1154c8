package wire

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestMarshalUnmarshal(t *testing.T) {
	t.Run("call frame round trip", func(t *testing.T) {
		in := &Envelope{
			Type:      TypeCall,
			RequestID: "req-1",
			Method:    "math.add",
			Args:      []json.RawMessage{json.RawMessage(`2`), json.RawMessage(`3`)},
			Kwargs:    map[string]json.RawMessage{"base": json.RawMessage(`10`)},
			Origin:    "client-1",
		}
		data, err := Marshal(in)
		if err != nil {
			t.Fatalf("Marshal returned error: %v", err)
		}
		out, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal returned error: %v", err)
		}
		if out.Type != TypeCall || out.RequestID != "req-1" || out.Method != "math.add" || out.Origin != "client-1" {
			t.Fatalf("unexpected envelope: %+v", out)
		}
		if len(out.Args) != 2 || string(out.Args[1]) != "3" {
			t.Fatalf("unexpected args: %v", out.Args)
		}
		if string(out.Kwargs["base"]) != "10" {
			t.Fatalf("unexpected kwargs: %v", out.Kwargs)
		}
	})

	t.Run("register frame carries service info", func(t *testing.T) {
		in := &Envelope{
			Type: TypeRegister,
			Info: &ServiceInfo{
				Group:         "agent",
				Methods:       map[string]MethodInfo{"chat": {Stream: true}},
				MaxConcurrent: 4,
			},
		}
		data, err := Marshal(in)
		if err != nil {
			t.Fatalf("Marshal returned error: %v", err)
		}
		out, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal returned error: %v", err)
		}
		if out.Info == nil || out.Info.Group != "agent" {
			t.Fatalf("service info not preserved: %+v", out.Info)
		}
		if !out.Info.Methods["chat"].Stream {
			t.Fatal("expected chat method to be marked streaming")
		}
	})

	t.Run("empty fields are omitted", func(t *testing.T) {
		data, err := Marshal(&Envelope{Type: TypeHeartbeat})
		if err != nil {
			t.Fatalf("Marshal returned error: %v", err)
		}
		if s := string(data); strings.Contains(s, "request_id") || strings.Contains(s, "args") {
			t.Fatalf("empty fields leaked into payload: %s", s)
		}
	})
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "not-json"},
		{name: "missing type", data: `{"request_id":"req-1"}`},
		{name: "unknown type", data: `{"type":"bogus"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tt.data)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}

	t.Run("unknown type wraps sentinel", func(t *testing.T) {
		_, err := Unmarshal([]byte(`{"type":"bogus"}`))
		if !errors.Is(err, ErrUnknownType) {
			t.Fatalf("expected ErrUnknownType, got %v", err)
		}
	})
}

func TestMarshalRejectsInvalid(t *testing.T) {
	if _, err := Marshal(nil); err == nil {
		t.Fatal("expected error for nil envelope")
	}
	if _, err := Marshal(&Envelope{Type: "bogus"}); !errors.Is(err, ErrUnknownType) {
		t.Fatal("expected ErrUnknownType for bogus type")
	}
}

func TestTerminal(t *testing.T) {
	terminal := map[Type]bool{
		TypeReply:     true,
		TypeStreamEnd: true,
		TypeError:     true,
	}
	for typ := range knownTypes {
		e := &Envelope{Type: typ}
		if got, want := e.Terminal(), terminal[typ]; got != want {
			t.Errorf("Terminal() for %s = %v, want %v", typ, got, want)
		}
	}
}

func TestNewError(t *testing.T) {
	e := NewError("req-9", "client-2", "no provider")
	if e.Type != TypeError || e.RequestID != "req-9" || e.Origin != "client-2" || e.Error != "no provider" {
		t.Fatalf("unexpected error frame: %+v", e)
	}
	if !e.Terminal() {
		t.Fatal("error frame must be terminal")
	}
}

func TestEncodeHelpers(t *testing.T) {
	t.Run("raw message passes through", func(t *testing.T) {
		raw := json.RawMessage(`{"a":1}`)
		got, err := EncodeValue(raw)
		if err != nil {
			t.Fatalf("EncodeValue returned error: %v", err)
		}
		if string(got) != `{"a":1}` {
			t.Fatalf("unexpected value: %s", got)
		}
	})

	t.Run("args", func(t *testing.T) {
		got, err := EncodeArgs([]any{1, "two"})
		if err != nil {
			t.Fatalf("EncodeArgs returned error: %v", err)
		}
		if len(got) != 2 || string(got[0]) != "1" || string(got[1]) != `"two"` {
			t.Fatalf("unexpected args: %v", got)
		}
	})

	t.Run("empty args collapse to nil", func(t *testing.T) {
		if got, _ := EncodeArgs(nil); got != nil {
			t.Fatalf("expected nil, got %v", got)
		}
	})

	t.Run("kwargs", func(t *testing.T) {
		got, err := EncodeKwargs(map[string]any{"n": 7})
		if err != nil {
			t.Fatalf("EncodeKwargs returned error: %v", err)
		}
		if string(got["n"]) != "7" {
			t.Fatalf("unexpected kwargs: %v", got)
		}
	})

	t.Run("unencodable value fails", func(t *testing.T) {
		if _, err := EncodeValue(make(chan int)); err == nil {
			t.Fatal("expected error for channel value")
		}
	})
}
