package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/arcstep/meshrpc/internal/runtime/config"
	meshrpcerrors "github.com/arcstep/meshrpc/internal/runtime/errors"
	loggingpkg "github.com/arcstep/meshrpc/internal/runtime/logging"
	registrypkg "github.com/arcstep/meshrpc/internal/runtime/registry"
	"github.com/arcstep/meshrpc/internal/runtime/wire"
	transportpkg "github.com/arcstep/meshrpc/transport"
)

// RouterDependencies holds optional collaborators for a Router.
type RouterDependencies struct {
	Transport transportpkg.Transport // Overrides the transport built from config.
}

// Router is the single point of contact for Clients and Dealers. It owns the
// service registry, forwards calls to the least-loaded provider, relays
// replies back to their origin, and sweeps dead registrations. It never
// executes business logic.
type Router struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	registry *registrypkg.Registry

	transport     transportpkg.Transport
	ownsTransport bool
	broker        transportpkg.Broker

	metrics   *routerMetrics
	status    *statusServer
	resources *resourceTracker

	running int32
	startAt time.Time

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter constructs a Router for the supplied configuration.
func NewRouter(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps RouterDependencies) (*Router, error) {
	if conf == nil {
		return nil, meshrpcerrors.ErrConfigRequired
	}
	if log == nil {
		return nil, meshrpcerrors.ErrLoggerRequired
	}
	conf = conf.Normalized()
	if err := conf.Validate(); err != nil {
		return nil, meshrpcerrors.NewConfigValidationError(err)
	}

	r := &Router{
		Conf:      conf,
		Logger:    log.With(loggingpkg.LogFields{"component": "router"}),
		registry:  registrypkg.New(),
		resources: newResourceTracker(),
	}
	r.metrics = newRouterMetrics(func() int { return r.registry.Len() })

	if deps.Transport != nil {
		r.transport = deps.Transport
	} else {
		tr, err := transportpkg.Build(conf, loggingpkg.NewWatermillAdapter(r.Logger))
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
		r.transport = tr
		r.ownsTransport = true
	}
	return r, nil
}

// Start binds the listening endpoint and spawns the message and sweep loops.
func (r *Router) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return meshrpcerrors.ErrAlreadyRunning
	}
	r.runCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	broker, err := r.transport.Bind(ctx)
	if err != nil {
		atomic.StoreInt32(&r.running, 0)
		r.cancel()
		return fmt.Errorf("bind %s: %w", r.Conf.Endpoint, err)
	}
	r.broker = broker
	r.startAt = time.Now()

	if r.Conf.StatusPort > 0 {
		r.status = newStatusServer(r)
		r.status.start()
	}

	r.Logger.Info("Router running", loggingpkg.LogFields{
		"endpoint":  broker.Endpoint(),
		"transport": r.transport.Name(),
		"sweep":     r.Conf.HeartbeatTimeout.String(),
	})

	r.wg.Add(2)
	go r.msgLoop()
	go r.sweepLoop()
	return nil
}

// Stop shuts the loops down and releases the transport.
func (r *Router) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return meshrpcerrors.ErrNotRunning
	}
	r.Logger.Info("Router stopping", nil)

	r.cancel()
	r.wg.Wait()

	if r.status != nil {
		r.status.stop(ctx)
		r.status = nil
	}
	if err := r.broker.Close(); err != nil {
		r.Logger.Error("Broker close failed", err, nil)
	}
	if r.ownsTransport {
		if err := r.transport.Close(); err != nil {
			r.Logger.Error("Transport close failed", err, nil)
		}
	}
	r.Logger.Info("Router stopped", nil)
	return nil
}

// Services returns a point-in-time copy of every registration.
func (r *Router) Services() []registrypkg.Record {
	return r.registry.Snapshot()
}

// Endpoint returns the bound address while the Router is running.
func (r *Router) Endpoint() string {
	if r.broker == nil {
		return r.Conf.Endpoint
	}
	return r.broker.Endpoint()
}

// msgLoop drains the broker socket and dispatches by frame type. Socket
// errors are non-fatal: the offending frame is dropped and the loop keeps
// serving.
func (r *Router) msgLoop() {
	defer r.wg.Done()
	for {
		identity, payload, err := r.broker.Recv(r.runCtx)
		if err != nil {
			if r.runCtx.Err() != nil {
				return
			}
			r.Logger.Debug("Receive failed", loggingpkg.LogFields{"error": err.Error()})
			select {
			case <-r.runCtx.Done():
				return
			case <-time.After(r.Conf.HeartbeatInterval):
			}
			continue
		}

		env, err := wire.Unmarshal(payload)
		if err != nil {
			r.metrics.drop()
			r.Logger.Debug("Dropping malformed frame", loggingpkg.LogFields{
				"identity": identity,
				"error":    err.Error(),
			})
			continue
		}
		r.metrics.frame(string(env.Type))

		// Any frame proves the sender is alive.
		r.registry.Touch(identity)

		switch env.Type {
		case wire.TypeRegister:
			r.handleRegister(identity, env)
		case wire.TypeHeartbeat:
			r.handleHeartbeat(identity)
		case wire.TypeDiscovery:
			r.handleDiscovery(identity, env)
		case wire.TypeCall:
			r.routeCall(identity, env)
		case wire.TypeReply, wire.TypeStreamChunk, wire.TypeStreamEnd, wire.TypeError:
			r.relay(identity, env, payload)
		case wire.TypeOverload:
			if r.registry.SetState(identity, registrypkg.StateOverload) {
				r.Logger.Info("Service overloaded", loggingpkg.LogFields{"identity": identity})
			}
		case wire.TypeResume:
			if r.registry.SetState(identity, registrypkg.StateActive) {
				r.Logger.Info("Service resumed", loggingpkg.LogFields{"identity": identity})
			}
		case wire.TypeShutdown:
			r.handleShutdown(identity)
		default:
			r.metrics.drop()
			r.Logger.Debug("Dropping unexpected frame", loggingpkg.LogFields{
				"identity": identity,
				"type":     string(env.Type),
			})
		}
	}
}

func (r *Router) handleRegister(identity string, env *wire.Envelope) {
	if env.Info == nil || env.Info.Group == "" {
		r.metrics.drop()
		r.Logger.Debug("Dropping register frame without service info", loggingpkg.LogFields{"identity": identity})
		return
	}
	rec := r.registry.Upsert(identity, env.Info)
	r.Logger.Info("Service registered", loggingpkg.LogFields{
		"identity": identity,
		"group":    rec.Group,
		"methods":  len(rec.Methods),
		"load":     rec.CurrentLoad,
	})
}

func (r *Router) handleHeartbeat(identity string) {
	known, reactivated := r.registry.Heartbeat(identity)
	if !known {
		// Prompt the peer to re-register; the error carries no request id.
		r.send(identity, wire.NewError("", "", fmt.Sprintf("unknown identity %q", identity)))
		return
	}
	if reactivated {
		r.Logger.Info("Service reactivated", loggingpkg.LogFields{"identity": identity})
	}
	r.send(identity, &wire.Envelope{Type: wire.TypeHeartbeatAck})
}

func (r *Router) handleDiscovery(identity string, env *wire.Envelope) {
	services := r.registry.Catalogue(env.Filter)
	r.send(identity, &wire.Envelope{
		Type:      wire.TypeServices,
		RequestID: env.RequestID,
		Services:  services,
	})
}

func (r *Router) handleShutdown(identity string) {
	if r.registry.SetState(identity, registrypkg.StateShutdown) {
		r.Logger.Info("Service shutting down", loggingpkg.LogFields{"identity": identity})
	}
	r.send(identity, &wire.Envelope{Type: wire.TypeShutdownAck})
}

// routeCall picks the least-loaded eligible provider and forwards the call
// with the caller stamped as origin. No provider means an immediate error
// frame back to the caller; this is the one terminal frame the Router
// produces itself.
func (r *Router) routeCall(caller string, env *wire.Envelope) {
	target, ok := r.registry.Reserve(env.Method)
	if !ok {
		r.metrics.routeMiss()
		r.Logger.Debug("No provider", loggingpkg.LogFields{"method": env.Method, "caller": caller})
		r.send(caller, wire.NewError(env.RequestID, "", fmt.Sprintf("no available provider for method %q", env.Method)))
		return
	}

	env.Origin = caller
	forward, err := wire.Marshal(env)
	if err != nil {
		r.registry.Release(target)
		r.metrics.drop()
		r.Logger.Debug("Dropping unroutable call", loggingpkg.LogFields{"error": err.Error()})
		return
	}
	if err := r.sendRaw(target, forward); err != nil {
		// The call never reached the provider; free the slot. The caller
		// times out, the sweep deals with the dead pipe.
		r.registry.Release(target)
		r.metrics.drop()
		r.Logger.Debug("Forward failed", loggingpkg.LogFields{
			"method":   env.Method,
			"identity": target,
			"error":    err.Error(),
		})
		return
	}
	r.metrics.route()
}

// relay forwards a reply-direction frame verbatim to its origin. Terminal
// frames settle the provider's load accounting even when the origin is gone.
func (r *Router) relay(from string, env *wire.Envelope, payload []byte) {
	if env.Terminal() {
		r.registry.Complete(from)
	}
	if env.Origin == "" {
		r.metrics.drop()
		r.Logger.Debug("Dropping reply frame without origin", loggingpkg.LogFields{
			"identity": from,
			"type":     string(env.Type),
		})
		return
	}
	if err := r.sendRaw(env.Origin, payload); err != nil {
		r.metrics.drop()
		r.Logger.Debug("Relay failed", loggingpkg.LogFields{
			"origin": env.Origin,
			"error":  err.Error(),
		})
		return
	}
	r.metrics.relay()
}

// sweepLoop marks silent registrations INACTIVE once per timeout window.
func (r *Router) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.Conf.HeartbeatTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-r.runCtx.Done():
			return
		case <-ticker.C:
			for _, identity := range r.registry.Sweep(r.Conf.HeartbeatTimeout) {
				r.Logger.Info("Service inactive", loggingpkg.LogFields{
					"identity": identity,
					"timeout":  r.Conf.HeartbeatTimeout.String(),
				})
			}
		}
	}
}

func (r *Router) send(identity string, env *wire.Envelope) {
	payload, err := wire.Marshal(env)
	if err != nil {
		r.Logger.Debug("Dropping unencodable frame", loggingpkg.LogFields{"error": err.Error()})
		return
	}
	if err := r.sendRaw(identity, payload); err != nil {
		r.Logger.Debug("Send failed", loggingpkg.LogFields{
			"identity": identity,
			"type":     string(env.Type),
			"error":    err.Error(),
		})
	}
}

func (r *Router) sendRaw(identity string, payload []byte) error {
	return r.broker.Send(r.runCtx, identity, payload)
}
