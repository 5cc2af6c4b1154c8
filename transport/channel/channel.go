// Package channel provides an in-memory transport backed by watermill's
// gochannel pubsub. Useful for tests and single-process meshes: endpoints
// are plain names, and every transport instance in the process reaching the
// same endpoint shares one hub.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/arcstep/meshrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// identityKey is the metadata key carrying the sender identity on frames
// flowing toward the bound side.
const identityKey = "mesh_identity"

const topicToBroker = "to-broker"

func topicToPeer(identity string) string { return "to-peer." + identity }

// Factory allows overriding the hub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

var (
	hubsMu sync.Mutex
	hubs   = map[string]*gochannel.GoChannel{}
	bound  = map[string]bool{}
)

func hubFor(endpoint string, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	if hub, ok := hubs[endpoint]; ok {
		return hub
	}
	hub := Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	hubs[endpoint] = hub
	return hub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new channel transport instance.
func Build(cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	endpoint := cfg.GetEndpoint()
	if endpoint == "" {
		return nil, fmt.Errorf("channel: endpoint is required")
	}
	return &Transport{endpoint: endpoint, logger: logger}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Transport is one handle on a named in-process endpoint. Instances are
// stateless; the hub they share lives for the whole process, which is what
// lets a rebuilt instance keep talking to peers of the old one.
type Transport struct {
	endpoint string
	logger   watermill.LoggerAdapter
}

func (t *Transport) Name() string { return TransportName }

// Close is a no-op: hubs are shared by every instance in the process.
func (t *Transport) Close() error { return nil }

// Bind claims the endpoint. Only one broker may hold it at a time.
func (t *Transport) Bind(ctx context.Context) (transport.Broker, error) {
	hubsMu.Lock()
	if bound[t.endpoint] {
		hubsMu.Unlock()
		return nil, fmt.Errorf("channel: endpoint %q already bound", t.endpoint)
	}
	bound[t.endpoint] = true
	hubsMu.Unlock()

	hub := hubFor(t.endpoint, t.logger)
	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := hub.Subscribe(subCtx, topicToBroker)
	if err != nil {
		cancel()
		hubsMu.Lock()
		delete(bound, t.endpoint)
		hubsMu.Unlock()
		return nil, fmt.Errorf("channel: subscribe: %w", err)
	}
	return &broker{endpoint: t.endpoint, hub: hub, msgs: msgs, cancel: cancel}, nil
}

// Connect attaches a peer to the endpoint under the given identity.
func (t *Transport) Connect(ctx context.Context, identity string) (transport.Peer, error) {
	if identity == "" {
		return nil, fmt.Errorf("channel: identity is required")
	}
	hub := hubFor(t.endpoint, t.logger)
	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := hub.Subscribe(subCtx, topicToPeer(identity))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("channel: subscribe: %w", err)
	}
	return &peer{identity: identity, hub: hub, msgs: msgs, cancel: cancel}, nil
}

type broker struct {
	endpoint string
	hub      *gochannel.GoChannel
	msgs     <-chan *message.Message
	cancel   context.CancelFunc

	closeOnce sync.Once
}

func (b *broker) Send(ctx context.Context, identity string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.hub.Publish(topicToPeer(identity), msg)
}

func (b *broker) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case msg, ok := <-b.msgs:
		if !ok {
			return "", nil, fmt.Errorf("channel: broker closed")
		}
		msg.Ack()
		return msg.Metadata.Get(identityKey), msg.Payload, nil
	}
}

func (b *broker) Endpoint() string { return b.endpoint }

func (b *broker) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		hubsMu.Lock()
		delete(bound, b.endpoint)
		hubsMu.Unlock()
	})
	return nil
}

type peer struct {
	identity string
	hub      *gochannel.GoChannel
	msgs     <-chan *message.Message
	cancel   context.CancelFunc

	closeOnce sync.Once
}

func (p *peer) Send(ctx context.Context, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(identityKey, p.identity)
	return p.hub.Publish(topicToBroker, msg)
}

func (p *peer) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-p.msgs:
		if !ok {
			return nil, fmt.Errorf("channel: peer closed")
		}
		msg.Ack()
		return msg.Payload, nil
	}
}

func (p *peer) Identity() string { return p.identity }

func (p *peer) Close() error {
	p.closeOnce.Do(p.cancel)
	return nil
}
