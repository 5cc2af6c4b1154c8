package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arcstep/meshrpc/internal/runtime/jsoncodec"
	"github.com/arcstep/meshrpc/internal/runtime/wire"
)

// CallError is the one error type every failed call surfaces. Causes are
// distinguished by message text; the wrapped error stays reachable for
// errors.Is.
type CallError struct {
	Method    string
	RequestID string
	Text      string
	cause     error
}

func (e *CallError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("meshrpc: call %s: %s", e.Method, e.Text)
	}
	return "meshrpc: call: " + e.Text
}

func (e *CallError) Unwrap() error { return e.cause }

func newCallError(method, requestID, text string, cause error) *CallError {
	return &CallError{Method: method, RequestID: requestID, Text: text, cause: cause}
}

// CallOption customizes one call.
type CallOption func(*callSettings)

type callSettings struct {
	args        []any
	kwargs      map[string]any
	recvTimeout time.Duration
}

// WithArgs supplies positional arguments.
func WithArgs(args ...any) CallOption {
	return func(s *callSettings) { s.args = args }
}

// WithKwargs supplies named arguments.
func WithKwargs(kwargs map[string]any) CallOption {
	return func(s *callSettings) { s.kwargs = kwargs }
}

// WithTimeout overrides the per-frame receive timeout for this call. The
// timeout restarts on every received frame, so long streams stay alive as
// long as chunks keep arriving.
func WithTimeout(d time.Duration) CallOption {
	return func(s *callSettings) { s.recvTimeout = d }
}

// Result holds the reply of a unary call.
type Result struct {
	raw json.RawMessage
}

// Raw returns the undecoded reply value.
func (r *Result) Raw() json.RawMessage { return r.raw }

// Decode unmarshals the reply value into v. An absent value decodes as JSON
// null.
func (r *Result) Decode(v any) error {
	raw := r.raw
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := jsoncodec.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("meshrpc: decode result: %w", err)
	}
	return nil
}

// Stream iterates the frames of one call, rows-style:
//
//	st, err := client.CallStream(ctx, "chat.generate", runtime.WithArgs(prompt))
//	...
//	defer st.Close()
//	for st.Next() {
//		var tok string
//		_ = st.Decode(&tok)
//	}
//	err = st.Err()
//
// A unary reply yields its value once and terminates. Err returns nil after
// a clean end and the call's *CallError otherwise.
type Stream struct {
	client      *Client
	method      string
	requestID   string
	frames      <-chan *wire.Envelope
	recvTimeout time.Duration
	ctx         context.Context

	cur       json.RawMessage
	err       error
	finished  bool
	closeOnce sync.Once
}

// Next blocks for the next value. It returns false once the stream has
// terminated, failed, or timed out; check Err afterwards.
func (s *Stream) Next() bool {
	if s.finished || s.err != nil {
		return false
	}
	timer := time.NewTimer(s.recvTimeout)
	defer timer.Stop()

	select {
	case <-s.ctx.Done():
		s.fail("cancelled: "+s.ctx.Err().Error(), s.ctx.Err())
		return false
	case <-timer.C:
		s.fail(fmt.Sprintf("no frame within %s", s.recvTimeout), nil)
		return false
	case env, ok := <-s.frames:
		if !ok {
			s.fail("connection lost", nil)
			return false
		}
		switch env.Type {
		case wire.TypeStreamChunk:
			s.cur = env.Payload
			return true
		case wire.TypeReply:
			s.cur = env.Result
			s.finished = true
			s.release()
			return true
		case wire.TypeStreamEnd:
			s.finished = true
			s.release()
			return false
		case wire.TypeError:
			s.fail(env.Error, nil)
			return false
		default:
			s.fail(fmt.Sprintf("unexpected %s frame", env.Type), nil)
			return false
		}
	}
}

// Bytes returns the current value undecoded. Valid until the next call to
// Next.
func (s *Stream) Bytes() []byte { return s.cur }

// Decode unmarshals the current value into v.
func (s *Stream) Decode(v any) error {
	if err := jsoncodec.Unmarshal(s.cur, v); err != nil {
		return fmt.Errorf("meshrpc: decode chunk: %w", err)
	}
	return nil
}

// Err returns the terminal error of the stream, nil after a clean end.
func (s *Stream) Err() error { return s.err }

// Close abandons the call. Frames still in flight for it are dropped by the
// receive loop. Always returns nil; the signature follows io.Closer.
func (s *Stream) Close() error {
	s.release()
	return nil
}

func (s *Stream) fail(text string, cause error) {
	s.err = newCallError(s.method, s.requestID, text, cause)
	s.release()
}

func (s *Stream) release() {
	s.closeOnce.Do(func() {
		s.client.unregisterPending(s.requestID)
	})
}
