package runtime

import (
	"encoding/json"
	"fmt"

	"github.com/arcstep/meshrpc/internal/runtime/jsoncodec"
	"github.com/arcstep/meshrpc/internal/runtime/wire"
)

// Request is a handler's view of one routed call: the method that was
// invoked, the caller's arguments, and identifiers for correlation. Decode
// failures surface as InvalidArgsError so they are distinguishable from
// handler failures.
type Request struct {
	Method    string
	RequestID string
	Origin    string

	args   []json.RawMessage
	kwargs map[string]json.RawMessage
}

// NewRequest builds the handler-facing view of a decoded call envelope.
func NewRequest(env *wire.Envelope) *Request {
	return &Request{
		Method:    env.Method,
		RequestID: env.RequestID,
		Origin:    env.Origin,
		args:      env.Args,
		kwargs:    env.Kwargs,
	}
}

// NumArgs reports how many positional arguments the caller supplied.
func (r *Request) NumArgs() int { return len(r.args) }

// Arg decodes the i-th positional argument into dst.
func (r *Request) Arg(i int, dst any) error {
	if i < 0 || i >= len(r.args) {
		return &InvalidArgsError{Method: r.Method, Err: fmt.Errorf("argument %d missing (%d given)", i, len(r.args))}
	}
	if err := jsoncodec.Unmarshal(r.args[i], dst); err != nil {
		return &InvalidArgsError{Method: r.Method, Err: fmt.Errorf("argument %d: %w", i, err)}
	}
	return nil
}

// RawArg returns the i-th positional argument without decoding it.
func (r *Request) RawArg(i int) (json.RawMessage, bool) {
	if i < 0 || i >= len(r.args) {
		return nil, false
	}
	return r.args[i], true
}

// HasKwarg reports whether the caller supplied the named keyword argument.
func (r *Request) HasKwarg(name string) bool {
	_, ok := r.kwargs[name]
	return ok
}

// Kwarg decodes the named keyword argument into dst.
func (r *Request) Kwarg(name string, dst any) error {
	raw, ok := r.kwargs[name]
	if !ok {
		return &InvalidArgsError{Method: r.Method, Err: fmt.Errorf("keyword argument %q missing", name)}
	}
	if err := jsoncodec.Unmarshal(raw, dst); err != nil {
		return &InvalidArgsError{Method: r.Method, Err: fmt.Errorf("keyword argument %q: %w", name, err)}
	}
	return nil
}

// BindKwargs decodes the whole keyword-argument set into dst, typically a
// struct with json tags.
func (r *Request) BindKwargs(dst any) error {
	data := json.RawMessage("{}")
	if len(r.kwargs) > 0 {
		var err error
		data, err = jsoncodec.Marshal(r.kwargs)
		if err != nil {
			return &InvalidArgsError{Method: r.Method, Err: err}
		}
	}
	if err := jsoncodec.Unmarshal(data, dst); err != nil {
		return &InvalidArgsError{Method: r.Method, Err: err}
	}
	return nil
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{method=%s request_id=%s args=%d kwargs=%d}", r.Method, r.RequestID, len(r.args), len(r.kwargs))
}
