// Package nats provides a NATS-backed transport. The configured endpoint is
// a subject root: the bound side listens on "<root>.router", each peer on
// "<root>.peer.<identity>", and sender identities travel in a message
// header. One NATS connection is shared by everything built from the same
// transport instance, so discarding the instance severs every socket at
// once.
package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/arcstep/meshrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// identityHeader carries the sender identity on frames toward the router.
const identityHeader = "Mesh-Identity"

// ConnectFactory allows overriding the connection creation for testing.
var ConnectFactory = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport instance and dials the server.
func Build(cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	root := cfg.GetEndpoint()
	if root == "" {
		return nil, fmt.Errorf("nats: endpoint (subject root) is required")
	}
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, fmt.Errorf("nats: server URL is required")
	}

	opts := []nats.Option{
		nats.Name("meshrpc"),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	}
	if d := cfg.GetDialTimeout(); d > 0 {
		opts = append(opts, nats.Timeout(d))
	}
	conn, err := ConnectFactory(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	return &Transport{root: root, conn: conn, logger: logger}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Transport holds one NATS connection and the subject root derived from the
// configured endpoint.
type Transport struct {
	root   string
	conn   *nats.Conn
	logger watermill.LoggerAdapter
}

func (t *Transport) Name() string { return TransportName }

func (t *Transport) Close() error {
	t.conn.Close()
	return nil
}

func (t *Transport) routerSubject() string { return t.root + ".router" }

func (t *Transport) peerSubject(identity string) string {
	return t.root + ".peer." + identity
}

func validIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("nats: identity is required")
	}
	if strings.ContainsAny(identity, ". *>") {
		return fmt.Errorf("nats: identity %q contains subject metacharacters", identity)
	}
	return nil
}

// Bind subscribes to the router subject.
func (t *Transport) Bind(ctx context.Context) (transport.Broker, error) {
	ch := make(chan *nats.Msg, 64)
	sub, err := t.conn.ChanSubscribe(t.routerSubject(), ch)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", t.routerSubject(), err)
	}
	if err := t.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("nats: flush: %w", err)
	}
	return &broker{t: t, sub: sub, msgs: ch}, nil
}

// Connect subscribes to the peer subject for identity.
func (t *Transport) Connect(ctx context.Context, identity string) (transport.Peer, error) {
	if err := validIdentity(identity); err != nil {
		return nil, err
	}
	ch := make(chan *nats.Msg, 64)
	sub, err := t.conn.ChanSubscribe(t.peerSubject(identity), ch)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", t.peerSubject(identity), err)
	}
	if err := t.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("nats: flush: %w", err)
	}
	return &peer{t: t, identity: identity, sub: sub, msgs: ch}, nil
}

type broker struct {
	t    *Transport
	sub  *nats.Subscription
	msgs chan *nats.Msg
}

func (b *broker) Send(ctx context.Context, identity string, payload []byte) error {
	if err := validIdentity(identity); err != nil {
		return err
	}
	err := b.t.conn.PublishMsg(&nats.Msg{Subject: b.t.peerSubject(identity), Data: payload})
	if err != nil {
		return fmt.Errorf("nats: send to %s: %w", identity, err)
	}
	return nil
}

func (b *broker) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case msg, ok := <-b.msgs:
		if !ok {
			return "", nil, fmt.Errorf("nats: broker closed")
		}
		return msg.Header.Get(identityHeader), msg.Data, nil
	}
}

func (b *broker) Endpoint() string { return b.t.root }

// Close unsubscribes. The channel stays open: the client may still be
// delivering buffered messages, and receivers are bounded by their contexts.
func (b *broker) Close() error {
	return b.sub.Unsubscribe()
}

type peer struct {
	t        *Transport
	identity string
	sub      *nats.Subscription
	msgs     chan *nats.Msg
}

func (p *peer) Send(ctx context.Context, payload []byte) error {
	msg := &nats.Msg{
		Subject: p.t.routerSubject(),
		Data:    payload,
		Header:  nats.Header{identityHeader: []string{p.identity}},
	}
	if err := p.t.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats: send: %w", err)
	}
	return nil
}

func (p *peer) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-p.msgs:
		if !ok {
			return nil, fmt.Errorf("nats: peer closed")
		}
		return msg.Data, nil
	}
}

func (p *peer) Identity() string { return p.identity }

func (p *peer) Close() error {
	return p.sub.Unsubscribe()
}
