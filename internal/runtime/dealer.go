package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	configpkg "github.com/arcstep/meshrpc/internal/runtime/config"
	meshrpcerrors "github.com/arcstep/meshrpc/internal/runtime/errors"
	"github.com/arcstep/meshrpc/internal/runtime/ids"
	loggingpkg "github.com/arcstep/meshrpc/internal/runtime/logging"
	"github.com/arcstep/meshrpc/internal/runtime/wire"
	transportpkg "github.com/arcstep/meshrpc/transport"
)

// DealerDependencies holds the optional collaborators a Dealer can use.
// Leave fields zero to get the defaults.
type DealerDependencies struct {
	Transport                 transportpkg.Transport   // Overrides the transport built from config.
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	ErrorClassifier           ErrorClassifier
}

// Dealer turns a process into a routable service instance: it registers a
// method catalogue with the Router, executes routed calls concurrently, and
// keeps its registration alive through heartbeats and reconnects.
type Dealer struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	identity string
	caps     transportpkg.Capabilities

	state int32 // DealerState, atomic

	transportMu     sync.Mutex
	transport       transportpkg.Transport
	ownsTransport   bool
	peerMu          sync.RWMutex
	peer            transportpkg.Peer
	errorClassifier ErrorClassifier

	handlerMu sync.Mutex
	handlers  map[string]handlerEntry

	middlewareMu sync.Mutex
	middlewares  []Middleware
	invoker      Invoker

	sem          chan struct{}
	inFlight     atomic.Int64
	requestCount atomic.Uint64
	replyCount   atomic.Uint64

	episodeMu   sync.Mutex
	episodeOpen bool

	lastAck   atomic.Int64 // unix nanos of the last heartbeat_ack
	reconnect chan string  // reason, buffered; loops push, the monitor drains

	metrics   *dealerMetrics
	status    *statusServer
	resources *resourceTracker

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDealer constructs a Dealer for the supplied configuration. Register
// handlers on the returned Dealer before calling Start.
func NewDealer(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps DealerDependencies) (*Dealer, error) {
	if conf == nil {
		return nil, meshrpcerrors.ErrConfigRequired
	}
	if log == nil {
		return nil, meshrpcerrors.ErrLoggerRequired
	}
	conf = conf.Normalized()
	if conf.Group == "" {
		return nil, meshrpcerrors.ErrGroupRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, meshrpcerrors.NewConfigValidationError(err)
	}

	identity := conf.Identity
	if identity == "" {
		identity = ids.NewIdentity(conf.Group)
	}

	d := &Dealer{
		Conf:            conf,
		Logger:          log.With(loggingpkg.LogFields{"component": "dealer", "identity": identity}),
		identity:        identity,
		state:           int32(DealerInit),
		handlers:        make(map[string]handlerEntry),
		sem:             make(chan struct{}, conf.MaxConcurrent),
		reconnect:       make(chan string, 1),
		errorClassifier: deps.ErrorClassifier,
		metrics:         newDealerMetrics(),
		resources:       newResourceTracker(),
	}

	if deps.Transport != nil {
		d.transport = deps.Transport
		d.caps = transportpkg.GetCapabilities(deps.Transport.Name())
	} else {
		tr, err := transportpkg.Build(conf, loggingpkg.NewWatermillAdapter(d.Logger))
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
		d.transport = tr
		d.ownsTransport = true
		d.caps = transportpkg.GetCapabilities(conf.Transport)
	}

	if err := d.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dealer) registerConfiguredMiddlewares(deps DealerDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := d.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Identity returns the Dealer's stable routing identity.
func (d *Dealer) Identity() string { return d.identity }

// State returns the current lifecycle state.
func (d *Dealer) State() DealerState {
	return DealerState(atomic.LoadInt32(&d.state))
}

func (d *Dealer) getErrorClassifier() ErrorClassifier {
	if d.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return d.errorClassifier
}

// Start connects to the Router, registers the method catalogue, and spawns
// the processing, heartbeat, and reconnect loops. It returns once the Dealer
// is running; the loops stop when Stop is called.
func (d *Dealer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.state, int32(DealerInit), int32(DealerRunning)) {
		return meshrpcerrors.ErrAlreadyRunning
	}

	d.runCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.invoker = d.wrapInvoker(d.executeCall)

	dialCtx, cancel := context.WithTimeout(ctx, d.Conf.DialTimeout)
	peer, err := d.transport.Connect(dialCtx, d.identity)
	cancel()
	if err != nil {
		atomic.StoreInt32(&d.state, int32(DealerStopped))
		d.cancel()
		return fmt.Errorf("connect %s: %w", d.Conf.Endpoint, err)
	}
	d.peerMu.Lock()
	d.peer = peer
	d.peerMu.Unlock()

	if err := d.sendFrame(ctx, d.registerEnvelope()); err != nil {
		peer.Close()
		atomic.StoreInt32(&d.state, int32(DealerStopped))
		d.cancel()
		return fmt.Errorf("register: %w", err)
	}
	d.lastAck.Store(time.Now().UnixNano())

	if d.Conf.StatusPort > 0 {
		d.status = newDealerStatusServer(d)
		d.status.start()
	}

	d.Logger.Info("Dealer running", loggingpkg.LogFields{
		"group":     d.Conf.Group,
		"endpoint":  d.Conf.Endpoint,
		"transport": d.transport.Name(),
		"methods":   len(d.handlers),
	})

	d.wg.Add(3)
	go d.processLoop()
	go d.heartbeatLoop()
	go d.reconnectMonitor()
	return nil
}

// Stop drains the Dealer: loops and in-flight calls are cancelled, a
// shutdown frame is sent, and the transport is released. Safe to call once.
func (d *Dealer) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&d.state, int32(DealerRunning), int32(DealerStopping)) {
		return meshrpcerrors.ErrNotRunning
	}
	d.Logger.Info("Dealer stopping", nil)

	d.cancel()
	d.wg.Wait()

	// The loops are gone, so the shutdown handshake reads the peer directly.
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.Conf.HeartbeatInterval)
	defer cancel()
	if err := d.sendFrame(graceCtx, &wire.Envelope{Type: wire.TypeShutdown}); err == nil {
		d.awaitShutdownAck(graceCtx)
	}

	if d.status != nil {
		d.status.stop(ctx)
		d.status = nil
	}
	d.peerMu.Lock()
	if d.peer != nil {
		d.peer.Close()
		d.peer = nil
	}
	d.peerMu.Unlock()
	if d.ownsTransport {
		if err := d.transport.Close(); err != nil {
			d.Logger.Error("Transport close failed", err, nil)
		}
	}

	atomic.StoreInt32(&d.state, int32(DealerStopped))
	d.Logger.Info("Dealer stopped", nil)
	return nil
}

func (d *Dealer) awaitShutdownAck(ctx context.Context) {
	d.peerMu.RLock()
	peer := d.peer
	d.peerMu.RUnlock()
	if peer == nil {
		return
	}
	for {
		payload, err := peer.Recv(ctx)
		if err != nil {
			return
		}
		env, err := wire.Unmarshal(payload)
		if err != nil {
			continue
		}
		if env.Type == wire.TypeShutdownAck {
			return
		}
	}
}

// processLoop drains the connection and dispatches frames by type. Call
// frames fan out to per-call goroutines so the loop keeps servicing acks.
func (d *Dealer) processLoop() {
	defer d.wg.Done()
	for {
		d.peerMu.RLock()
		peer := d.peer
		d.peerMu.RUnlock()

		var payload []byte
		var err error
		if peer == nil {
			err = meshrpcerrors.ErrNotConnected
		} else {
			payload, err = peer.Recv(d.runCtx)
		}
		if err != nil {
			if d.runCtx.Err() != nil {
				return
			}
			d.requestReconnect("receive failed")
			// Back off until the monitor has had a chance to swap the peer.
			select {
			case <-d.runCtx.Done():
				return
			case <-time.After(d.Conf.HeartbeatInterval):
			}
			continue
		}

		env, err := wire.Unmarshal(payload)
		if err != nil {
			d.Logger.Debug("Dropping malformed frame", loggingpkg.LogFields{"error": err.Error()})
			continue
		}

		switch env.Type {
		case wire.TypeCall:
			d.requestCount.Add(1)
			d.wg.Add(1)
			go d.processCall(env)
		case wire.TypeHeartbeatAck:
			d.lastAck.Store(time.Now().UnixNano())
		case wire.TypeError:
			if env.RequestID == "" {
				// The Router no longer knows us; re-register in place.
				d.Logger.Info("Router rejected a frame, re-registering", loggingpkg.LogFields{"error": env.Error})
				if err := d.sendFrame(d.runCtx, d.registerEnvelope()); err != nil {
					d.requestReconnect("re-register failed")
				}
			} else {
				d.Logger.Debug("Ignoring addressed error frame", loggingpkg.LogFields{
					"request_id": env.RequestID,
					"error":      env.Error,
				})
			}
		case wire.TypeShutdownAck:
			// Stop reads the ack directly; one seen here is stale.
		default:
			d.Logger.Debug("Dropping unexpected frame", loggingpkg.LogFields{"type": string(env.Type)})
		}
	}
}

// processCall runs one routed call. The deferred guard guarantees exactly
// one terminal frame for the request, releases the concurrency slot, and
// closes an overload episode once load falls back to the resume threshold.
func (d *Dealer) processCall(env *wire.Envelope) {
	defer d.wg.Done()
	req := NewRequest(env)

	select {
	case d.sem <- struct{}{}:
	default:
		d.openOverloadEpisode()
		select {
		case d.sem <- struct{}{}:
		case <-d.runCtx.Done():
			d.sendTerminalError(req, "service stopping")
			return
		}
	}

	d.inFlight.Add(1)
	d.metrics.callStart()
	start := time.Now()
	var callErr error
	terminalSent := false

	defer func() {
		if v := recover(); v != nil {
			callErr = &panicError{value: v}
		}
		if callErr != nil && !terminalSent {
			d.sendTerminalError(req, callErr.Error())
		}
		d.metrics.callFinish(req.Method, time.Since(start), callErr)
		load := d.inFlight.Add(-1)
		d.maybeResume(load)
		<-d.sem
	}()

	callErr = d.invoker(d.runCtx, req)
	if callErr == nil {
		terminalSent = true
		d.replyCount.Add(1)
	}
}

// executeCall is the innermost invoker: resolve the handler, run it, and
// emit the success terminal frame. A nil return means the terminal frame has
// been sent; on an error return the caller's guard emits the error frame.
func (d *Dealer) executeCall(ctx context.Context, req *Request) (err error) {
	entry, ok := d.lookupHandler(req.Method)
	if !ok {
		return fmt.Errorf("unknown method %q", req.Method)
	}

	stats := entry.info.Stats
	stats.onCallStart()
	start := time.Now()
	defer func() {
		stats.onCallFinish(time.Since(start), err, d.getErrorClassifier())
	}()
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{value: v}
		}
	}()

	if entry.info.Stream {
		return d.runStream(ctx, req, entry)
	}
	return d.runUnary(ctx, req, entry)
}

func (d *Dealer) runUnary(ctx context.Context, req *Request, entry handlerEntry) error {
	result, err := entry.unary(ctx, req)
	if err != nil {
		return err
	}
	env, err := encodeReply(req.RequestID, req.Origin, result)
	if err != nil {
		return err
	}
	if err := d.sendFrame(ctx, env); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (d *Dealer) runStream(ctx context.Context, req *Request, entry handlerEntry) error {
	w := NewStreamWriter(ctx, req.RequestID, req.Origin, d.sendFrame)
	if err := entry.stream(ctx, req, w); err != nil {
		return err
	}
	if w.err != nil {
		return w.err
	}
	end := &wire.Envelope{Type: wire.TypeStreamEnd, RequestID: req.RequestID, Origin: req.Origin}
	if err := d.sendFrame(ctx, end); err != nil {
		return fmt.Errorf("send stream end: %w", err)
	}
	return nil
}

// sendTerminalError ships the error frame that closes a request. It runs on
// a short grace context so cancelled calls still answer their caller.
func (d *Dealer) sendTerminalError(req *Request, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.Conf.HeartbeatInterval)
	defer cancel()
	env := wire.NewError(req.RequestID, req.Origin, text)
	if err := d.sendFrame(ctx, env); err != nil {
		d.Logger.Debug("Terminal error frame lost", loggingpkg.LogFields{
			"request_id": req.RequestID,
			"error":      err.Error(),
		})
		return
	}
	d.replyCount.Add(1)
}

func (d *Dealer) openOverloadEpisode() {
	d.episodeMu.Lock()
	if d.episodeOpen {
		d.episodeMu.Unlock()
		return
	}
	d.episodeOpen = true
	d.episodeMu.Unlock()

	d.Logger.Info("Signalling overload", loggingpkg.LogFields{"max_concurrent": d.Conf.MaxConcurrent})
	if err := d.sendFrame(d.runCtx, &wire.Envelope{Type: wire.TypeOverload}); err != nil {
		d.Logger.Debug("Overload signal lost", loggingpkg.LogFields{"error": err.Error()})
	}
}

func (d *Dealer) maybeResume(load int64) {
	d.episodeMu.Lock()
	if !d.episodeOpen || load > int64(d.Conf.ResumeThreshold) {
		d.episodeMu.Unlock()
		return
	}
	d.episodeOpen = false
	d.episodeMu.Unlock()

	d.Logger.Info("Signalling resume", loggingpkg.LogFields{"load": load})
	if err := d.sendFrame(d.runCtx, &wire.Envelope{Type: wire.TypeResume}); err != nil {
		d.Logger.Debug("Resume signal lost", loggingpkg.LogFields{"error": err.Error()})
	}
}

// heartbeatLoop keeps the registration alive. Send failures never retry in
// place; they wake the reconnect monitor.
func (d *Dealer) heartbeatLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.Conf.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.runCtx.Done():
			return
		case <-ticker.C:
			if err := d.sendFrame(d.runCtx, &wire.Envelope{Type: wire.TypeHeartbeat}); err != nil {
				if d.runCtx.Err() != nil {
					return
				}
				d.requestReconnect("heartbeat send failed")
			}
		}
	}
}

// reconnectMonitor heals the connection. It wakes on explicit requests and
// on a staleness check every heartbeat timeout. Consecutive failures past
// the configured threshold escalate from redialling the peer to discarding
// the whole transport instance and building a fresh one.
func (d *Dealer) reconnectMonitor() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.Conf.HeartbeatTimeout)
	defer ticker.Stop()

	failures := 0
	for {
		var reason string
		select {
		case <-d.runCtx.Done():
			return
		case reason = <-d.reconnect:
		case <-ticker.C:
			age := time.Since(time.Unix(0, d.lastAck.Load()))
			if age <= d.Conf.HeartbeatTimeout {
				continue
			}
			reason = fmt.Sprintf("no heartbeat ack for %s", age.Round(time.Millisecond))
		}

		hard := failures >= d.Conf.HardResetThreshold
		d.Logger.Info("Reconnecting", loggingpkg.LogFields{
			"reason":   reason,
			"failures": failures,
			"hard":     hard,
		})
		if err := d.reestablish(hard); err != nil {
			failures++
			d.Logger.Error("Reconnect failed", err, loggingpkg.LogFields{"failures": failures})
			continue
		}
		failures = 0
		// A request queued while we were reconnecting refers to the peer
		// we just replaced; drop it instead of tearing down the fresh one.
		select {
		case <-d.reconnect:
		default:
		}
	}
}

// reestablish rebuilds the connection and re-registers. In-process
// transports share state with the Router and never need a new dial; they
// re-register over the existing peer.
func (d *Dealer) reestablish(hard bool) error {
	if d.caps.RequiresReconnect() {
		// Close the stale peer but keep the pointer: sends during the dial
		// fail fast instead of hitting a nil connection.
		d.peerMu.RLock()
		stale := d.peer
		d.peerMu.RUnlock()
		if stale != nil {
			stale.Close()
		}

		if hard && d.ownsTransport {
			d.transportMu.Lock()
			d.transport.Close()
			tr, err := transportpkg.Build(d.Conf, loggingpkg.NewWatermillAdapter(d.Logger))
			if err != nil {
				d.transportMu.Unlock()
				return fmt.Errorf("rebuild transport: %w", err)
			}
			d.transport = tr
			d.transportMu.Unlock()
			d.Logger.Info("Transport instance replaced", loggingpkg.LogFields{"transport": d.Conf.Transport})
		}

		dialCtx, cancel := context.WithTimeout(d.runCtx, d.Conf.DialTimeout)
		peer, err := d.transport.Connect(dialCtx, d.identity)
		cancel()
		if err != nil {
			return fmt.Errorf("connect %s: %w", d.Conf.Endpoint, err)
		}
		d.peerMu.Lock()
		d.peer = peer
		d.peerMu.Unlock()
	}

	if err := d.sendFrame(d.runCtx, d.registerEnvelope()); err != nil {
		return fmt.Errorf("re-register: %w", err)
	}
	d.lastAck.Store(time.Now().UnixNano())
	return nil
}

func (d *Dealer) requestReconnect(reason string) {
	select {
	case d.reconnect <- reason:
	default:
	}
}

func (d *Dealer) registerEnvelope() *wire.Envelope {
	return &wire.Envelope{
		Type: wire.TypeRegister,
		Info: &wire.ServiceInfo{
			Group:         d.Conf.Group,
			Methods:       d.advertisedMethods(),
			MaxConcurrent: d.Conf.MaxConcurrent,
			CurrentLoad:   int(d.inFlight.Load()),
			RequestCount:  d.requestCount.Load(),
			ReplyCount:    d.replyCount.Load(),
		},
	}
}

func (d *Dealer) sendFrame(ctx context.Context, env *wire.Envelope) error {
	d.peerMu.RLock()
	peer := d.peer
	d.peerMu.RUnlock()
	if peer == nil {
		return meshrpcerrors.ErrNotConnected
	}
	payload, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	return peer.Send(ctx, payload)
}
