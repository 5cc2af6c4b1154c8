// Package zmq provides the ZeroMQ transport: a ROUTER socket on the bound
// side, DEALER sockets on peers. This is the production backend; identity
// routing is native, so frames on the wire are exactly [identity, payload]
// toward the router and [payload] toward a peer.
package zmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-zeromq/zmq4"

	"github.com/arcstep/meshrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "zmq"

func init() {
	Register()
}

// Register registers the zmq transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ZMQCapabilities)
}

// Build creates a new zmq transport instance.
func Build(cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	endpoint := cfg.GetEndpoint()
	if endpoint == "" {
		return nil, fmt.Errorf("zmq: endpoint is required")
	}
	return &Transport{endpoint: endpoint, dialTimeout: cfg.GetDialTimeout(), logger: logger}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ZMQCapabilities
}

// Transport builds ROUTER and DEALER sockets for one endpoint. A fresh
// instance carries no state from a previous one, which is the point: a hard
// reset discards every socket this instance created.
type Transport struct {
	endpoint    string
	dialTimeout time.Duration
	logger      watermill.LoggerAdapter
}

func (t *Transport) Name() string { return TransportName }

func (t *Transport) Close() error { return nil }

// Bind opens a ROUTER socket on the configured endpoint.
func (t *Transport) Bind(ctx context.Context) (transport.Broker, error) {
	sock := zmq4.NewRouter(context.Background())
	if err := sock.Listen(t.endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmq: bind %s: %w", t.endpoint, err)
	}
	b := &broker{endpoint: t.endpoint, sock: sock, recvCh: make(chan brokerFrame, 64)}
	go b.readLoop(t.logger)
	return b, nil
}

// Connect opens a DEALER socket dialing the configured endpoint, with the
// given identity so the router sees a stable address across reconnects.
func (t *Transport) Connect(ctx context.Context, identity string) (transport.Peer, error) {
	if identity == "" {
		return nil, fmt.Errorf("zmq: identity is required")
	}
	opts := []zmq4.Option{zmq4.WithID(zmq4.SocketIdentity(identity))}
	if t.dialTimeout > 0 {
		opts = append(opts, zmq4.WithDialerTimeout(t.dialTimeout))
	}
	sock := zmq4.NewDealer(context.Background(), opts...)
	if err := sock.Dial(t.endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zmq: dial %s: %w", t.endpoint, err)
	}
	p := &peer{identity: identity, sock: sock, recvCh: make(chan peerFrame, 64)}
	go p.readLoop(t.logger)
	return p, nil
}

type brokerFrame struct {
	identity string
	payload  []byte
	err      error
}

type broker struct {
	endpoint string
	sock     zmq4.Socket
	recvCh   chan brokerFrame

	sendMu    sync.Mutex
	closeOnce sync.Once
}

// readLoop is the only goroutine touching sock.Recv. It forwards frames into
// recvCh and exits on the first socket error, which also covers Close.
func (b *broker) readLoop(logger watermill.LoggerAdapter) {
	defer close(b.recvCh)
	for {
		msg, err := b.sock.Recv()
		if err != nil {
			select {
			case b.recvCh <- brokerFrame{err: fmt.Errorf("zmq: recv: %w", err)}:
			default:
			}
			return
		}
		if len(msg.Frames) != 2 {
			logger.Debug("zmq: dropping frame with unexpected shape", watermill.LogFields{
				"frames": len(msg.Frames),
			})
			continue
		}
		b.recvCh <- brokerFrame{identity: string(msg.Frames[0]), payload: msg.Frames[1]}
	}
}

func (b *broker) Send(ctx context.Context, identity string, payload []byte) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if err := b.sock.Send(zmq4.NewMsgFrom([]byte(identity), payload)); err != nil {
		return fmt.Errorf("zmq: send to %s: %w", identity, err)
	}
	return nil
}

func (b *broker) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case f, ok := <-b.recvCh:
		if !ok {
			return "", nil, fmt.Errorf("zmq: broker closed")
		}
		return f.identity, f.payload, f.err
	}
}

func (b *broker) Endpoint() string { return b.endpoint }

func (b *broker) Close() error {
	var err error
	b.closeOnce.Do(func() { err = b.sock.Close() })
	return err
}

type peerFrame struct {
	payload []byte
	err     error
}

type peer struct {
	identity string
	sock     zmq4.Socket
	recvCh   chan peerFrame

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (p *peer) readLoop(logger watermill.LoggerAdapter) {
	defer close(p.recvCh)
	for {
		msg, err := p.sock.Recv()
		if err != nil {
			select {
			case p.recvCh <- peerFrame{err: fmt.Errorf("zmq: recv: %w", err)}:
			default:
			}
			return
		}
		if len(msg.Frames) != 1 {
			logger.Debug("zmq: dropping frame with unexpected shape", watermill.LogFields{
				"frames": len(msg.Frames),
			})
			continue
		}
		p.recvCh <- peerFrame{payload: msg.Frames[0]}
	}
}

func (p *peer) Send(ctx context.Context, payload []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if err := p.sock.Send(zmq4.NewMsg(payload)); err != nil {
		return fmt.Errorf("zmq: send: %w", err)
	}
	return nil
}

func (p *peer) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-p.recvCh:
		if !ok {
			return nil, fmt.Errorf("zmq: peer closed")
		}
		return f.payload, f.err
	}
}

func (p *peer) Identity() string { return p.identity }

func (p *peer) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.sock.Close() })
	return err
}
