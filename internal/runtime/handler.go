package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	meshrpcerrors "github.com/arcstep/meshrpc/internal/runtime/errors"
	"github.com/arcstep/meshrpc/internal/runtime/jsoncodec"
	"github.com/arcstep/meshrpc/internal/runtime/wire"
)

// UnaryHandler serves one request and returns a single result. The returned
// value is JSON-encoded into the reply frame.
type UnaryHandler func(ctx context.Context, req *Request) (any, error)

// StreamHandler serves one request by emitting chunks through w. Returning
// nil ends the stream normally; returning an error converts the tail of the
// stream into an error frame.
type StreamHandler func(ctx context.Context, req *Request, w *StreamWriter) error

// StreamWriter emits the chunk frames of one streaming call. It is not safe
// for concurrent use; a handler that fans out must serialize its sends.
type StreamWriter struct {
	send      func(ctx context.Context, env *wire.Envelope) error
	ctx       context.Context
	requestID string
	origin    string
	err       error
	chunks    uint64
}

// NewStreamWriter builds a writer that ships the chunk frames of one
// request through send. The dealer supplies its own frame sender; adapter
// tests can capture the envelopes instead.
func NewStreamWriter(ctx context.Context, requestID, origin string, send func(context.Context, *wire.Envelope) error) *StreamWriter {
	return &StreamWriter{send: send, ctx: ctx, requestID: requestID, origin: origin}
}

// Send encodes v and ships it as one chunk. After the first failure every
// subsequent Send returns the same error; the handler should unwind.
func (w *StreamWriter) Send(v any) error {
	if w.err != nil {
		return w.err
	}
	payload, err := wire.EncodeValue(v)
	if err != nil {
		w.err = fmt.Errorf("encode stream chunk: %w", err)
		return w.err
	}
	env := &wire.Envelope{
		Type:      wire.TypeStreamChunk,
		RequestID: w.requestID,
		Origin:    w.origin,
		Payload:   payload,
	}
	if err := w.send(w.ctx, env); err != nil {
		w.err = err
		return w.err
	}
	w.chunks++
	return nil
}

// Sent reports how many chunks have been delivered so far.
func (w *StreamWriter) Sent() uint64 { return w.chunks }

type handlerEntry struct {
	info   *HandlerInfo
	unary  UnaryHandler
	stream StreamHandler
}

// HandlerOption customizes a handler registration.
type HandlerOption func(*HandlerInfo)

// WithDescription attaches a human-readable summary that shows up in
// discovery responses and on the status surface.
func WithDescription(desc string) HandlerOption {
	return func(info *HandlerInfo) {
		info.Description = desc
	}
}

// Handle registers a request/reply handler under the given method name. The
// advertised name is the Dealer's group plus the method, joined with a dot.
// Must be called before Start.
func (d *Dealer) Handle(method string, fn UnaryHandler, opts ...HandlerOption) error {
	if fn == nil {
		return meshrpcerrors.ErrHandlerRequired
	}
	return d.register(method, handlerEntry{unary: fn}, false, opts)
}

// HandleStream registers a streaming handler under the given method name.
// Must be called before Start.
func (d *Dealer) HandleStream(method string, fn StreamHandler, opts ...HandlerOption) error {
	if fn == nil {
		return meshrpcerrors.ErrHandlerRequired
	}
	return d.register(method, handlerEntry{stream: fn}, true, opts)
}

func (d *Dealer) register(method string, entry handlerEntry, stream bool, opts []HandlerOption) error {
	if atomic.LoadInt32(&d.state) != int32(DealerInit) {
		return meshrpcerrors.ErrAlreadyRunning
	}
	if method == "" {
		return meshrpcerrors.ErrMethodRequired
	}
	if strings.Contains(method, ".") {
		return fmt.Errorf("meshrpc: method %q must not contain %q; the group supplies the prefix", method, ".")
	}

	info := &HandlerInfo{
		Method:       method,
		Group:        d.Conf.Group,
		Stream:       stream,
		RegisteredAt: time.Now(),
		Stats:        newHandlerStats(method),
	}
	for _, opt := range opts {
		opt(info)
	}
	entry.info = info

	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	if _, exists := d.handlers[method]; exists {
		return fmt.Errorf("meshrpc: method %q already registered", method)
	}
	d.handlers[method] = entry
	return nil
}

// Handlers returns the registered handlers sorted by method name.
func (d *Dealer) Handlers() []*HandlerInfo {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	out := make([]*HandlerInfo, 0, len(d.handlers))
	for _, entry := range d.handlers {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// advertisedMethods builds the method catalogue sent in register frames,
// keyed by bare method name. The Router namespaces them with the group.
func (d *Dealer) advertisedMethods() map[string]wire.MethodInfo {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	out := make(map[string]wire.MethodInfo, len(d.handlers))
	for name, entry := range d.handlers {
		out[name] = wire.MethodInfo{
			Stream:      entry.info.Stream,
			Description: entry.info.Description,
		}
	}
	return out
}

// lookupHandler resolves a routed method to its entry. The Router addresses
// Dealers with fully qualified names; the group prefix is stripped here.
func (d *Dealer) lookupHandler(fqMethod string) (handlerEntry, bool) {
	name := fqMethod
	if prefix := d.Conf.Group + "."; strings.HasPrefix(fqMethod, prefix) {
		name = fqMethod[len(prefix):]
	}
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	entry, ok := d.handlers[name]
	return entry, ok
}

// encodeReply turns a handler result into a reply frame.
func encodeReply(requestID, origin string, result any) (*wire.Envelope, error) {
	raw, err := jsoncodec.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return &wire.Envelope{
		Type:      wire.TypeReply,
		RequestID: requestID,
		Origin:    origin,
		Result:    raw,
	}, nil
}
