// Package wire defines the frame envelope exchanged between Router, Dealer,
// and Client. Every transport message carries exactly one JSON-encoded
// Envelope; the transport layer contributes the sender identity, never the
// payload.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arcstep/meshrpc/internal/runtime/jsoncodec"
)

// Type identifies a frame variant.
type Type string

const (
	TypeRegister     Type = "register"
	TypeHeartbeat    Type = "heartbeat"
	TypeHeartbeatAck Type = "heartbeat_ack"
	TypeDiscovery    Type = "discovery"
	TypeServices     Type = "services"
	TypeCall         Type = "call"
	TypeReply        Type = "reply"
	TypeStreamChunk  Type = "stream_chunk"
	TypeStreamEnd    Type = "stream_end"
	TypeError        Type = "error"
	TypeOverload     Type = "overload"
	TypeResume       Type = "resume"
	TypeShutdown     Type = "shutdown"
	TypeShutdownAck  Type = "shutdown_ack"
)

var knownTypes = map[Type]struct{}{
	TypeRegister:     {},
	TypeHeartbeat:    {},
	TypeHeartbeatAck: {},
	TypeDiscovery:    {},
	TypeServices:     {},
	TypeCall:         {},
	TypeReply:        {},
	TypeStreamChunk:  {},
	TypeStreamEnd:    {},
	TypeError:        {},
	TypeOverload:     {},
	TypeResume:       {},
	TypeShutdown:     {},
	TypeShutdownAck:  {},
}

// MethodInfo describes one advertised method.
type MethodInfo struct {
	// Stream marks methods that emit zero or more chunks before a stream_end
	// instead of a single reply.
	Stream      bool   `json:"stream,omitempty"`
	Description string `json:"description,omitempty"`
}

// ServiceInfo is the payload of a register frame: everything the Router needs
// to build or refresh a ServiceRecord. Method names are short here; the
// Router namespaces them with the group.
type ServiceInfo struct {
	Group         string                `json:"group"`
	Methods       map[string]MethodInfo `json:"methods"`
	MaxConcurrent int                   `json:"max_concurrent"`
	CurrentLoad   int                   `json:"current_load"`
	RequestCount  uint64                `json:"request_count"`
	ReplyCount    uint64                `json:"reply_count"`
}

// Envelope is the single frame shape. Fields are populated per Type; unused
// fields stay empty and are omitted on the wire.
type Envelope struct {
	Type      Type                       `json:"type"`
	RequestID string                     `json:"request_id,omitempty"`
	Method    string                     `json:"method,omitempty"`
	Args      []json.RawMessage          `json:"args,omitempty"`
	Kwargs    map[string]json.RawMessage `json:"kwargs,omitempty"`
	// Origin is the calling client's identity. The Router stamps it on call
	// frames; Dealers echo it on every frame belonging to that request so the
	// Router can relay without bookkeeping.
	Origin   string                `json:"origin,omitempty"`
	Result   json.RawMessage       `json:"result,omitempty"`
	Payload  json.RawMessage       `json:"payload,omitempty"`
	Error    string                `json:"error,omitempty"`
	Info     *ServiceInfo          `json:"info,omitempty"`
	Filter   string                `json:"filter,omitempty"`
	Services map[string]MethodInfo `json:"services,omitempty"`
}

// Terminal reports whether the frame ends a call: exactly one terminal frame
// reaches the origin per request.
func (e *Envelope) Terminal() bool {
	switch e.Type {
	case TypeReply, TypeStreamEnd, TypeError:
		return true
	}
	return false
}

// ErrUnknownType is returned by Unmarshal for frames whose type is missing or
// unrecognized. Receivers log and drop such frames rather than failing.
var ErrUnknownType = errors.New("meshrpc: unknown frame type")

// Marshal encodes an envelope for the wire.
func Marshal(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("meshrpc: nil envelope")
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return jsoncodec.Marshal(e)
}

// Unmarshal decodes a wire payload into an envelope, rejecting frames whose
// type is absent or unknown so malformed input is caught at the edge.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := jsoncodec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("meshrpc: decode frame: %w", err)
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return &e, nil
}

// NewError builds an error frame for a request. An empty requestID marks a
// peer-level error (for example "unregistered identity") rather than a call
// failure.
func NewError(requestID, origin, text string) *Envelope {
	return &Envelope{Type: TypeError, RequestID: requestID, Origin: origin, Error: text}
}

// EncodeValue converts an arbitrary handler result into a raw JSON value for
// the Result or Payload fields.
func EncodeValue(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("meshrpc: encode value: %w", err)
	}
	return data, nil
}

// EncodeArgs converts positional call arguments into raw JSON values.
func EncodeArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := EncodeValue(a)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

// EncodeKwargs converts keyword call arguments into raw JSON values.
func EncodeKwargs(kwargs map[string]any) (map[string]json.RawMessage, error) {
	if len(kwargs) == 0 {
		return nil, nil
	}
	out := make(map[string]json.RawMessage, len(kwargs))
	for k, v := range kwargs {
		raw, err := EncodeValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = raw
	}
	return out, nil
}
