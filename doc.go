// Package meshrpc is a broker-based RPC mesh for service processes that come
// and go. A Router binds one endpoint and owns the service registry; Dealers
// register a catalogue of methods under a group name and execute routed
// calls; Clients call "group.method" without knowing which instance answers.
// Every frame is a JSON envelope carried by a pluggable identity-addressed
// transport.
//
// A minimal mesh is one Router, one Dealer, and one Client sharing a Config
// endpoint: fill Config, create the three components, register handlers on
// the Dealer, Start the Router and the Dealer, and Call from the Client. The
// examples directory holds complete programs for the common topologies.
//
// # Transports
//
// Meshrpc ships 3 frame transports out of the box:
//   - zmq: ZeroMQ ROUTER/DEALER sockets over tcp, ipc, or inproc
//   - channel: in-process hubs for tests and single-binary meshes
//   - nats: identity routing emulated over NATS subjects
//
// Transports self-register on import; pull in the ones you use:
//
//	import _ "github.com/arcstep/meshrpc/transport/zmq"
//
// # Calls
//
// Client.Call issues a unary request and returns one decoded Result.
// Client.CallStream returns a Stream whose chunks arrive until the provider
// closes it. WithArgs, WithKwargs, and WithTimeout shape a single call
// without reconfiguring the Client; remote failures come back as *CallError.
// NewUnaryHandler and NewStreamHandler adapt plain typed functions to the
// handler signatures, and the proto variants do the same for protobuf
// messages.
//
// # Liveness and load
//
// Dealers heartbeat the Router every HeartbeatInterval; the Router sweeps
// registrations whose heartbeat lapsed and routes each call to the
// least-loaded active provider. A saturated Dealer signals overload and
// receives no new calls until it resumes. Dealers that lose the Router
// redial and re-register on their own, so a Router restart heals without
// operator help.
//
// # Middleware
//
// Dealer handlers run inside a middleware chain. Panic recovery, structured
// call logging, OpenTelemetry tracing, and token-bucket rate limiting ship
// in the box; DealerDependencies.Middlewares appends custom registrations
// after the defaults. CallHooksMiddleware turns a CallHooks set of start,
// done, and error callbacks into one registration for observers that do not
// need a full middleware.
package meshrpc
