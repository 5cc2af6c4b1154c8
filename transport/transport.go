// Package transport defines the interfaces every mesh transport implements.
// Each backend (zmq, channel, nats) lives in its own sub-package and
// registers itself with the transport registry under its config name.
//
// The model is deliberately small: a Router binds a Broker, which sees every
// peer by an opaque identity; Dealers and Clients dial a Peer, which speaks
// to whoever bound the endpoint. Payloads are opaque bytes; framing and
// identity bookkeeping belong to the backend.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Broker is the bound side of an endpoint. One Broker serves many peers,
// addressing each by the identity the backend assigned or the peer chose.
type Broker interface {
	// Send delivers payload to the peer known by identity. Sending to an
	// identity that is no longer connected is not an error on all backends;
	// callers treat delivery as best-effort.
	Send(ctx context.Context, identity string, payload []byte) error

	// Recv blocks for the next payload from any peer and reports who sent
	// it. Returns the context's error when ctx is done and a backend error
	// when the underlying socket fails.
	Recv(ctx context.Context) (identity string, payload []byte, err error)

	// Endpoint returns the address the broker is bound to.
	Endpoint() string

	Close() error
}

// Peer is the dialing side of an endpoint: a single bidirectional link to
// whoever bound it.
type Peer interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)

	// Identity returns the routing identity this peer presents to the
	// broker. Stable across Send/Recv calls for the life of the Peer.
	Identity() string

	Close() error
}

// Transport is one initialized backend instance. Instances are cheap; a
// caller recovering from persistent connection failures discards the
// instance and builds a fresh one from the registry.
type Transport interface {
	// Name reports the registry name of the backend.
	Name() string

	// Bind claims the configured endpoint and starts accepting peers.
	Bind(ctx context.Context) (Broker, error)

	// Connect dials the configured endpoint, presenting identity.
	Connect(ctx context.Context, identity string) (Peer, error)

	// Close releases any state shared by sockets of this instance. Brokers
	// and peers created from it must be closed first.
	Close() error
}

// Builder is the function signature for creating a transport instance from
// config. Each transport package provides a Builder that can be registered.
type Builder func(cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports. The
// interface lets backends access only what they need without depending on
// the full config package.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	// GetEndpoint returns the address a Broker binds and Peers dial. Its
	// shape is backend-specific: a zmq endpoint URL, a channel hub name, or
	// a NATS subject root.
	GetEndpoint() string

	// GetDialTimeout bounds how long Connect may take.
	GetDialTimeout() time.Duration

	// NATS
	GetNATSURL() string
}
