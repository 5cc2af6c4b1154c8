package transport

// Capabilities describes the properties of a transport backend. Use this to
// introspect what behavior is available at runtime.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// Version is the transport/driver version.
	Version string

	// InProcess indicates the transport never crosses a process boundary.
	// Connection-level recovery (rebuilding sockets, fresh instances) is a
	// no-op for such transports.
	InProcess bool

	// NativeIdentityRouting indicates the backend itself addresses peers by
	// identity (zmq ROUTER/DEALER). When false, identity routing is
	// emulated with per-identity topics or subjects.
	NativeIdentityRouting bool

	// Buffered indicates sends complete without waiting for the remote side
	// to read. When false, a slow receiver backpressures senders directly.
	Buffered bool

	// MaxMessageSize is the maximum payload size in bytes (0 = unlimited or
	// unknown).
	MaxMessageSize int64
}

// RequiresIdentityEmulation returns true if the backend carries peer
// identities in message metadata because it has no native equivalent.
func (c Capabilities) RequiresIdentityEmulation() bool {
	return !c.NativeIdentityRouting
}

// RequiresReconnect returns true if a lapsed connection can only be healed
// by tearing the peer down and dialing again.
func (c Capabilities) RequiresReconnect() bool {
	return !c.InProcess
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:                  "channel",
		InProcess:             true,
		NativeIdentityRouting: false,
		Buffered:              true,
	}

	// ZMQCapabilities for the ZeroMQ ROUTER/DEALER transport.
	ZMQCapabilities = Capabilities{
		Name:                  "zmq",
		InProcess:             false,
		NativeIdentityRouting: true,
		Buffered:              true,
	}

	// NATSCapabilities for the NATS subject transport.
	NATSCapabilities = Capabilities{
		Name:                  "nats",
		InProcess:             false,
		NativeIdentityRouting: false,
		Buffered:              true,
		MaxMessageSize:        1048576, // NATS default 1MB
	}
)

// GetCapabilities returns the capabilities for a transport by name, as
// registered by its package. Returns a zero Capabilities struct if the
// transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
