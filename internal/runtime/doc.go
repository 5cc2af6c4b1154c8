/*
Package runtime implements the mesh components behind the meshrpc facade.

# Architecture Overview

The runtime follows a broker topology. A Router owns one endpoint and the
registry of everything connected to it; Dealers execute calls; Clients issue
them. No component talks to another except through envelope frames, so every
piece can be restarted independently and the mesh heals itself.

# Package Structure

The runtime package is organized into the following components:

## Router (router.go)

The Router binds the transport endpoint, maintains the service registry, and
forwards frames:
  - register/heartbeat/shutdown bookkeeping per Dealer identity
  - least-loaded routing with capacity reservations
  - reply and stream relay back to the calling identity
  - liveness sweeps that retire silent Dealers

## Dealer (dealer.go, handler.go, request.go)

The Dealer registers a method catalogue and executes routed calls:
  - unary and streaming handler registration with per-method stats
  - a bounded worker gate (MaxConcurrent) with overload signaling
  - heartbeating plus reconnect-and-reregister when the Router vanishes
  - graceful shutdown handshake so in-flight calls drain first

## Client (client.go, call.go)

The Client connects lazily, validates methods against the discovered
catalogue, and demultiplexes reply frames to pending calls by request id.
Unary calls produce a Result; streaming calls produce a Stream the caller
iterates.

## Middleware (middleware.go)

Dealer handlers run inside a composable chain:
  - Recoverer: panic recovery into error frames
  - LogCalls: structured per-call logging
  - Tracer: OpenTelemetry spans around handler execution
  - RateLimit: token-bucket admission control

## Stats & Monitoring (models.go, metrics.go, status.go)

Per-method counters with latency percentiles and an error breakdown, exported
through Prometheus collectors and a read-only HTTP status surface.

# Sub-packages

  - config/: shared configuration with validation and defaults
  - errors/: sentinel errors and error types
  - handlers/: typed handler adapters (JSON and protobuf)
  - ids/: ULID-based identity and request id generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - registry/: the Router's service registry
  - wire/: the envelope frame codec

# Usage Example

	cfg := &config.Config{
		Transport: "zmq",
		Endpoint:  "tcp://127.0.0.1:5555",
		Group:     "calc",
	}

	dealer, _ := runtime.NewDealer(cfg, logger, runtime.DealerDependencies{})
	dealer.Handle("add", func(ctx context.Context, req *runtime.Request) (any, error) {
		var a, b int
		if err := req.Arg(0, &a); err != nil {
			return nil, err
		}
		if err := req.Arg(1, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	})
	dealer.Start(ctx)
*/
package runtime
