package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	configpkg "github.com/arcstep/meshrpc/internal/runtime/config"
	loggingpkg "github.com/arcstep/meshrpc/internal/runtime/logging"
	"github.com/arcstep/meshrpc/internal/runtime/wire"
	transportpkg "github.com/arcstep/meshrpc/transport"
	_ "github.com/arcstep/meshrpc/transport/channel" // register the in-process transport
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		Endpoint:          "fake-endpoint",
		Group:             "svc",
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  60 * time.Millisecond,
		MaxConcurrent:     4,
		RecvTimeout:       2 * time.Second,
		DialTimeout:       time.Second,
	}
}

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport lets a test play the Router side of a Dealer or Client, or
// the peer side of a Router, without a real transport. Connect hands out
// scriptable peers; Bind hands out one scriptable broker.
type fakeTransport struct {
	name     string
	endpoint string

	mu         sync.Mutex
	connectErr error
	connects   int
	peers      []*fakePeer
	brokerInst *fakeBroker
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{name: "fake", endpoint: "fake-endpoint"}
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) Bind(ctx context.Context) (transportpkg.Broker, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := newFakeBroker(t.endpoint)
	t.brokerInst = b
	return b, nil
}

func (t *fakeTransport) Connect(ctx context.Context, identity string) (transportpkg.Peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	p := newFakePeer(identity)
	t.peers = append(t.peers, p)
	return p, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) setConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) broker() *fakeBroker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.brokerInst
}

func (t *fakeTransport) lastPeer() *fakePeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.peers) == 0 {
		return nil
	}
	return t.peers[len(t.peers)-1]
}

// fakePeer records what the component sends and replays what the test
// pushes.
type fakePeer struct {
	identity string
	incoming chan []byte
	sent     chan []byte

	mu      sync.Mutex
	sendErr error
	done    chan struct{}
	once    sync.Once
}

func newFakePeer(identity string) *fakePeer {
	return &fakePeer{
		identity: identity,
		incoming: make(chan []byte, 128),
		sent:     make(chan []byte, 128),
		done:     make(chan struct{}),
	}
}

func (p *fakePeer) Identity() string { return p.identity }

func (p *fakePeer) Send(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	err := p.sendErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return errFakeClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.sent <- append([]byte(nil), payload...):
		return nil
	}
}

func (p *fakePeer) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload := <-p.incoming:
		return payload, nil
	}
}

func (p *fakePeer) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakePeer) setSendErr(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

func (p *fakePeer) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type brokerFrame struct {
	identity string
	payload  []byte
}

// fakeBroker records what the Router sends per identity and replays frames
// the test pushes as if they arrived from peers.
type fakeBroker struct {
	endpoint string
	incoming chan brokerFrame
	sent     chan brokerFrame

	mu       sync.Mutex
	sendErrs map[string]error
	done     chan struct{}
	once     sync.Once
}

func newFakeBroker(endpoint string) *fakeBroker {
	return &fakeBroker{
		endpoint: endpoint,
		incoming: make(chan brokerFrame, 128),
		sent:     make(chan brokerFrame, 128),
		sendErrs: make(map[string]error),
		done:     make(chan struct{}),
	}
}

func (b *fakeBroker) Endpoint() string { return b.endpoint }

func (b *fakeBroker) Send(ctx context.Context, identity string, payload []byte) error {
	b.mu.Lock()
	err := b.sendErrs[identity]
	b.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-b.done:
		return errFakeClosed
	case <-ctx.Done():
		return ctx.Err()
	case b.sent <- brokerFrame{identity: identity, payload: append([]byte(nil), payload...)}:
		return nil
	}
}

func (b *fakeBroker) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case <-b.done:
		return "", nil, errFakeClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case f := <-b.incoming:
		return f.identity, f.payload, nil
	}
}

func (b *fakeBroker) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}

func (b *fakeBroker) failSendsTo(identity string, err error) {
	b.mu.Lock()
	b.sendErrs[identity] = err
	b.mu.Unlock()
}

// pushFrame delivers a frame to a component as if the Router sent it.
func pushFrame(t *testing.T, p *fakePeer, env *wire.Envelope) {
	t.Helper()
	payload, err := wire.Marshal(env)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	select {
	case p.incoming <- payload:
	case <-time.After(time.Second):
		t.Fatalf("fake peer inbox full")
	}
}

// pushBrokerFrame delivers a frame to a Router as if identity sent it.
func pushBrokerFrame(t *testing.T, b *fakeBroker, identity string, env *wire.Envelope) {
	t.Helper()
	payload, err := wire.Marshal(env)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	select {
	case b.incoming <- brokerFrame{identity: identity, payload: payload}:
	case <-time.After(time.Second):
		t.Fatalf("fake broker inbox full")
	}
}

// awaitFrame drains the peer's outbox until a frame of the wanted type
// appears. Other frame types (heartbeats mostly) are skipped.
func awaitFrame(t *testing.T, p *fakePeer, want wire.Type) *wire.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case payload := <-p.sent:
			env, err := wire.Unmarshal(payload)
			if err != nil {
				t.Fatalf("sent frame does not decode: %v", err)
			}
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s frame within deadline", want)
		}
	}
}

// awaitBrokerFrame drains the broker's outbox until a frame of the wanted
// type appears, returning it with its destination identity.
func awaitBrokerFrame(t *testing.T, b *fakeBroker, want wire.Type) (string, *wire.Envelope) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-b.sent:
			env, err := wire.Unmarshal(f.payload)
			if err != nil {
				t.Fatalf("sent frame does not decode: %v", err)
			}
			if env.Type == want {
				return f.identity, env
			}
		case <-deadline:
			t.Fatalf("no %s frame within deadline", want)
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", what)
}
