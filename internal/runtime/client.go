package runtime

import (
	"context"
	"encoding/json"
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

// pendingBuffer bounds the per-call frame queue. A consumer that keeps
// iterating never fills it; when it falls behind, the oldest queued frame is
// dropped so the receive loop and the terminal frame still get through.
const pendingBuffer = 32

// ClientDependencies holds optional collaborators for a Client.
type ClientDependencies struct {
	Transport transportpkg.Transport // Overrides the transport built from config.
}

// Client issues calls into the mesh. It connects lazily, discovers the
// method catalogue for validation, and demultiplexes reply frames to
// pending calls by request id. Safe for concurrent use.
type Client struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	identity      string
	transport     transportpkg.Transport
	ownsTransport bool

	connMu     sync.Mutex
	peer       transportpkg.Peer
	connCancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Envelope

	catalogueMu sync.RWMutex
	catalogue   map[string]wire.MethodInfo

	closed int32
}

// NewClient constructs a Client for the supplied configuration. The
// connection opens on the first call.
func NewClient(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
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

	identity := conf.Identity
	if identity == "" {
		identity = ids.NewIdentity("client")
	}

	c := &Client{
		Conf:     conf,
		Logger:   log.With(loggingpkg.LogFields{"component": "client", "identity": identity}),
		identity: identity,
		pending:  make(map[string]chan *wire.Envelope),
	}

	if deps.Transport != nil {
		c.transport = deps.Transport
	} else {
		tr, err := transportpkg.Build(conf, loggingpkg.NewWatermillAdapter(c.Logger))
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
		c.transport = tr
		c.ownsTransport = true
	}
	return c, nil
}

// Identity returns the Client's routing identity.
func (c *Client) Identity() string { return c.identity }

// Close tears the connection down and fails every pending call. The Client
// cannot be reused afterwards.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.connMu.Lock()
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.peer != nil {
		c.peer.Close()
		c.peer = nil
	}
	c.connMu.Unlock()

	if c.ownsTransport {
		return c.transport.Close()
	}
	return nil
}

// Discover fetches the catalogue of callable methods from the Router. An
// empty filter returns everything and refreshes the cache used for call
// validation; a non-empty filter returns the matching prefix subset.
func (c *Client) Discover(ctx context.Context, filter string) (map[string]wire.MethodInfo, error) {
	requestID := ids.CreateULID()
	frames, err := c.registerPending(requestID)
	if err != nil {
		return nil, newCallError("", requestID, "client closed", err)
	}
	defer c.unregisterPending(requestID)

	env := &wire.Envelope{Type: wire.TypeDiscovery, RequestID: requestID, Filter: filter}
	if err := c.sendFrame(ctx, env); err != nil {
		return nil, newCallError("", requestID, "discovery send failed: "+err.Error(), err)
	}

	timer := time.NewTimer(c.Conf.RecvTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, newCallError("", requestID, "cancelled: "+ctx.Err().Error(), ctx.Err())
	case <-timer.C:
		return nil, newCallError("", requestID, fmt.Sprintf("no discovery response within %s", c.Conf.RecvTimeout), nil)
	case reply, ok := <-frames:
		if !ok {
			return nil, newCallError("", requestID, "connection lost", nil)
		}
		if reply.Type != wire.TypeServices {
			return nil, newCallError("", requestID, fmt.Sprintf("unexpected %s frame", reply.Type), nil)
		}
		services := reply.Services
		if services == nil {
			services = map[string]wire.MethodInfo{}
		}
		if filter == "" {
			c.catalogueMu.Lock()
			c.catalogue = services
			c.catalogueMu.Unlock()
		}
		return services, nil
	}
}

// Call issues a unary call and returns its single result. On a streaming
// method it returns the first yielded value and abandons the rest.
func (c *Client) Call(ctx context.Context, method string, opts ...CallOption) (*Result, error) {
	st, err := c.CallStream(ctx, method, opts...)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if !st.Next() {
		if err := st.Err(); err != nil {
			return nil, err
		}
		return &Result{}, nil
	}
	return &Result{raw: append(json.RawMessage(nil), st.Bytes()...)}, nil
}

// CallStream issues a call and returns the frame iterator. The method is
// validated against the discovered catalogue first, re-discovering once when
// it is missing.
func (c *Client) CallStream(ctx context.Context, method string, opts ...CallOption) (*Stream, error) {
	settings := callSettings{recvTimeout: c.Conf.RecvTimeout}
	for _, opt := range opts {
		opt(&settings)
	}

	if err := c.ensureMethod(ctx, method); err != nil {
		return nil, err
	}

	args, err := wire.EncodeArgs(settings.args)
	if err != nil {
		return nil, newCallError(method, "", "encode args: "+err.Error(), err)
	}
	kwargs, err := wire.EncodeKwargs(settings.kwargs)
	if err != nil {
		return nil, newCallError(method, "", "encode kwargs: "+err.Error(), err)
	}

	requestID := ids.CreateULID()
	frames, err := c.registerPending(requestID)
	if err != nil {
		return nil, newCallError(method, requestID, "client closed", err)
	}

	env := &wire.Envelope{
		Type:      wire.TypeCall,
		RequestID: requestID,
		Method:    method,
		Args:      args,
		Kwargs:    kwargs,
	}
	if err := c.sendFrame(ctx, env); err != nil {
		c.unregisterPending(requestID)
		return nil, newCallError(method, requestID, "send failed: "+err.Error(), err)
	}

	return &Stream{
		client:      c,
		method:      method,
		requestID:   requestID,
		frames:      frames,
		recvTimeout: settings.recvTimeout,
		ctx:         ctx,
	}, nil
}

// ensureMethod checks the cached catalogue for the method, refreshing the
// cache once before giving up.
func (c *Client) ensureMethod(ctx context.Context, method string) error {
	if method == "" {
		return newCallError("", "", "method name is required", meshrpcerrors.ErrMethodRequired)
	}
	c.catalogueMu.RLock()
	_, known := c.catalogue[method]
	stale := c.catalogue == nil
	c.catalogueMu.RUnlock()
	if known {
		return nil
	}
	if _, err := c.Discover(ctx, ""); err != nil {
		if stale {
			return newCallError(method, "", "discovery failed: "+err.Error(), err)
		}
		// A previously discovered catalogue is better than failing outright.
		return newCallError(method, "", fmt.Sprintf("unknown method %q", method), nil)
	}
	c.catalogueMu.RLock()
	_, known = c.catalogue[method]
	c.catalogueMu.RUnlock()
	if !known {
		return newCallError(method, "", fmt.Sprintf("unknown method %q", method), nil)
	}
	return nil
}

// registerPending allocates the frame queue for one request id.
func (c *Client) registerPending(requestID string) (chan *wire.Envelope, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, meshrpcerrors.ErrStopped
	}
	ch := make(chan *wire.Envelope, pendingBuffer)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	return ch, nil
}

func (c *Client) unregisterPending(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

// sendFrame ships one frame, opening the connection first when needed.
func (c *Client) sendFrame(ctx context.Context, env *wire.Envelope) error {
	peer, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	payload, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	return peer.Send(ctx, payload)
}

// ensureConnected dials on first use and after a lost connection, then
// spawns the receive loop for the new peer.
func (c *Client) ensureConnected(ctx context.Context) (transportpkg.Peer, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, meshrpcerrors.ErrStopped
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.peer != nil {
		return c.peer, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.Conf.DialTimeout)
	peer, err := c.transport.Connect(dialCtx, c.identity)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.Conf.Endpoint, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	c.peer = peer
	c.connCancel = loopCancel
	go c.recvLoop(loopCtx, peer)

	c.Logger.Debug("Connected", loggingpkg.LogFields{"endpoint": c.Conf.Endpoint})
	return peer, nil
}

// recvLoop drains one connection and routes frames to pending calls. It
// exits on the first receive error, failing every pending call; the next
// call dials a fresh connection.
func (c *Client) recvLoop(ctx context.Context, peer transportpkg.Peer) {
	for {
		payload, err := peer.Recv(ctx)
		if err != nil {
			c.connectionLost(peer, err)
			return
		}
		env, err := wire.Unmarshal(payload)
		if err != nil {
			c.Logger.Debug("Dropping malformed frame", loggingpkg.LogFields{"error": err.Error()})
			continue
		}
		if env.RequestID == "" {
			c.Logger.Debug("Dropping unaddressed frame", loggingpkg.LogFields{"type": string(env.Type)})
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.RequestID]
		c.pendingMu.Unlock()
		if !ok {
			// Late frame for a finished or abandoned call.
			c.Logger.Trace("Dropping frame for unknown request", loggingpkg.LogFields{
				"request_id": env.RequestID,
				"type":       string(env.Type),
			})
			continue
		}
		c.deliver(ch, env)
	}
}

// deliver queues one frame for a pending call. When the consumer has fallen
// pendingBuffer frames behind, the oldest queued frame is discarded so the
// newest, in particular the terminal frame, still gets through.
func (c *Client) deliver(ch chan *wire.Envelope, env *wire.Envelope) {
	for {
		select {
		case ch <- env:
			return
		default:
		}
		select {
		case old := <-ch:
			c.Logger.Debug("Dropping frame for slow consumer", loggingpkg.LogFields{
				"request_id": env.RequestID,
				"type":       string(old.Type),
			})
		default:
		}
	}
}

// connectionLost clears the peer and fails pending calls so nothing hangs
// waiting on a dead socket.
func (c *Client) connectionLost(peer transportpkg.Peer, cause error) {
	c.connMu.Lock()
	if c.peer == peer {
		c.peer = nil
		if c.connCancel != nil {
			c.connCancel()
			c.connCancel = nil
		}
	}
	c.connMu.Unlock()

	c.pendingMu.Lock()
	dropped := len(c.pending)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if atomic.LoadInt32(&c.closed) == 1 {
		return
	}
	c.Logger.Info("Connection lost", loggingpkg.LogFields{
		"error":   cause.Error(),
		"dropped": dropped,
	})
}
