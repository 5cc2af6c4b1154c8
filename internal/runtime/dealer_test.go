package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	configpkg "github.com/arcstep/meshrpc/internal/runtime/config"
	meshrpcerrors "github.com/arcstep/meshrpc/internal/runtime/errors"
	"github.com/arcstep/meshrpc/internal/runtime/jsoncodec"
	"github.com/arcstep/meshrpc/internal/runtime/wire"
)

func newCallFrame(t *testing.T, requestID, method string, args ...any) *wire.Envelope {
	t.Helper()
	encoded, err := wire.EncodeArgs(args)
	if err != nil {
		t.Fatalf("encode args: %v", err)
	}
	return &wire.Envelope{
		Type:      wire.TypeCall,
		RequestID: requestID,
		Method:    method,
		Origin:    "client-1",
		Args:      encoded,
	}
}

// startDealer builds a Dealer on a fake transport, applies setup (handler
// registration mostly), starts it, and hands back the peer the Router side
// of the test scripts. A nil transport gets a fresh fake.
func startDealer(t *testing.T, cfg *configpkg.Config, ft *fakeTransport, setup func(*Dealer)) (*Dealer, *fakeTransport, *fakePeer) {
	t.Helper()
	if ft == nil {
		ft = newFakeTransport()
	}
	d, err := NewDealer(cfg, newTestLogger(), DealerDependencies{Transport: ft})
	if err != nil {
		t.Fatalf("NewDealer failed: %v", err)
	}
	if setup != nil {
		setup(d)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if d.State() == DealerRunning {
			_ = d.Stop(context.Background())
		}
	})
	p := ft.lastPeer()
	if p == nil {
		t.Fatal("Start did not dial the transport")
	}
	return d, ft, p
}

func TestNewDealerValidation(t *testing.T) {
	t.Run("config required", func(t *testing.T) {
		_, err := NewDealer(nil, newTestLogger(), DealerDependencies{Transport: newFakeTransport()})
		if !errors.Is(err, meshrpcerrors.ErrConfigRequired) {
			t.Fatalf("expected ErrConfigRequired, got %v", err)
		}
	})

	t.Run("logger required", func(t *testing.T) {
		_, err := NewDealer(testConfig(), nil, DealerDependencies{Transport: newFakeTransport()})
		if !errors.Is(err, meshrpcerrors.ErrLoggerRequired) {
			t.Fatalf("expected ErrLoggerRequired, got %v", err)
		}
	})

	t.Run("group required", func(t *testing.T) {
		cfg := testConfig()
		cfg.Group = ""
		_, err := NewDealer(cfg, newTestLogger(), DealerDependencies{Transport: newFakeTransport()})
		if !errors.Is(err, meshrpcerrors.ErrGroupRequired) {
			t.Fatalf("expected ErrGroupRequired, got %v", err)
		}
	})

	t.Run("inconsistent heartbeat settings", func(t *testing.T) {
		cfg := testConfig()
		cfg.HeartbeatTimeout = cfg.HeartbeatInterval
		_, err := NewDealer(cfg, newTestLogger(), DealerDependencies{Transport: newFakeTransport()})
		var vErr meshrpcerrors.ConfigValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected a ConfigValidationError, got %v", err)
		}
		if !strings.Contains(err.Error(), "timeout must exceed interval") {
			t.Errorf("unexpected validation message: %q", err.Error())
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxConcurrent = 0
		d, err := NewDealer(cfg, newTestLogger(), DealerDependencies{Transport: newFakeTransport()})
		if err != nil {
			t.Fatalf("NewDealer failed: %v", err)
		}
		if d.Conf.MaxConcurrent != configpkg.DefaultMaxConcurrent {
			t.Errorf("expected MaxConcurrent %d, got %d", configpkg.DefaultMaxConcurrent, d.Conf.MaxConcurrent)
		}
		if cfg.MaxConcurrent != 0 {
			t.Error("expected the caller's config to stay untouched")
		}
	})

	t.Run("identity generated from group", func(t *testing.T) {
		d, err := NewDealer(testConfig(), newTestLogger(), DealerDependencies{Transport: newFakeTransport()})
		if err != nil {
			t.Fatalf("NewDealer failed: %v", err)
		}
		if !strings.HasPrefix(d.Identity(), "svc-") {
			t.Errorf("expected a group-prefixed identity, got %q", d.Identity())
		}
	})

	t.Run("explicit identity preserved", func(t *testing.T) {
		cfg := testConfig()
		cfg.Identity = "dealer-7"
		d, err := NewDealer(cfg, newTestLogger(), DealerDependencies{Transport: newFakeTransport()})
		if err != nil {
			t.Fatalf("NewDealer failed: %v", err)
		}
		if d.Identity() != "dealer-7" {
			t.Errorf("expected identity %q, got %q", "dealer-7", d.Identity())
		}
	})
}

func TestDealerHandlerRegistration(t *testing.T) {
	echo := func(ctx context.Context, req *Request) (any, error) { return nil, nil }

	t.Run("nil handler rejected", func(t *testing.T) {
		d := newBareDealer(t)
		if err := d.Handle("echo", nil); !errors.Is(err, meshrpcerrors.ErrHandlerRequired) {
			t.Fatalf("expected ErrHandlerRequired, got %v", err)
		}
		if err := d.HandleStream("count", nil); !errors.Is(err, meshrpcerrors.ErrHandlerRequired) {
			t.Fatalf("expected ErrHandlerRequired, got %v", err)
		}
	})

	t.Run("empty method rejected", func(t *testing.T) {
		d := newBareDealer(t)
		if err := d.Handle("", echo); !errors.Is(err, meshrpcerrors.ErrMethodRequired) {
			t.Fatalf("expected ErrMethodRequired, got %v", err)
		}
	})

	t.Run("dotted method rejected", func(t *testing.T) {
		d := newBareDealer(t)
		err := d.Handle("svc.echo", echo)
		if err == nil || !strings.Contains(err.Error(), "must not contain") {
			t.Fatalf("expected a dotted-name error, got %v", err)
		}
	})

	t.Run("duplicate rejected", func(t *testing.T) {
		d := newBareDealer(t)
		if err := d.Handle("echo", echo); err != nil {
			t.Fatalf("first registration failed: %v", err)
		}
		err := d.HandleStream("echo", func(ctx context.Context, req *Request, w *StreamWriter) error { return nil })
		if err == nil || !strings.Contains(err.Error(), "already registered") {
			t.Fatalf("expected a duplicate error, got %v", err)
		}
	})

	t.Run("sorted listing with options", func(t *testing.T) {
		d := newBareDealer(t)
		if err := d.Handle("zeta", echo); err != nil {
			t.Fatalf("register zeta: %v", err)
		}
		if err := d.Handle("alpha", echo, WithDescription("first letter")); err != nil {
			t.Fatalf("register alpha: %v", err)
		}
		infos := d.Handlers()
		if len(infos) != 2 || infos[0].Method != "alpha" || infos[1].Method != "zeta" {
			t.Fatalf("unexpected handler listing: %+v", infos)
		}
		if infos[0].Description != "first letter" {
			t.Errorf("expected the description to stick, got %q", infos[0].Description)
		}
		if infos[0].Group != "svc" {
			t.Errorf("expected group %q, got %q", "svc", infos[0].Group)
		}
	})

	t.Run("rejected after start", func(t *testing.T) {
		d, _, _ := startDealer(t, testConfig(), nil, nil)
		if err := d.Handle("late", echo); !errors.Is(err, meshrpcerrors.ErrAlreadyRunning) {
			t.Fatalf("expected ErrAlreadyRunning, got %v", err)
		}
	})
}

func TestDealerStartRegistersCatalogue(t *testing.T) {
	_, _, p := startDealer(t, testConfig(), nil, func(d *Dealer) {
		if err := d.Handle("echo", func(ctx context.Context, req *Request) (any, error) {
			return nil, nil
		}, WithDescription("echoes the first argument")); err != nil {
			t.Fatalf("register echo: %v", err)
		}
		if err := d.HandleStream("count", func(ctx context.Context, req *Request, w *StreamWriter) error {
			return nil
		}); err != nil {
			t.Fatalf("register count: %v", err)
		}
	})

	env := awaitFrame(t, p, wire.TypeRegister)
	if env.Info == nil {
		t.Fatal("register frame carries no service info")
	}
	if env.Info.Group != "svc" {
		t.Errorf("expected group %q, got %q", "svc", env.Info.Group)
	}
	if env.Info.MaxConcurrent != 4 {
		t.Errorf("expected max concurrent 4, got %d", env.Info.MaxConcurrent)
	}
	if env.Info.CurrentLoad != 0 {
		t.Errorf("expected zero load, got %d", env.Info.CurrentLoad)
	}
	echoInfo, ok := env.Info.Methods["echo"]
	if !ok || echoInfo.Stream || echoInfo.Description != "echoes the first argument" {
		t.Errorf("unexpected echo advertisement: %+v (present %v)", echoInfo, ok)
	}
	countInfo, ok := env.Info.Methods["count"]
	if !ok || !countInfo.Stream {
		t.Errorf("unexpected count advertisement: %+v (present %v)", countInfo, ok)
	}
}

func TestDealerStartConnectFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnectErr(errors.New("connection refused"))
	d, err := NewDealer(testConfig(), newTestLogger(), DealerDependencies{Transport: ft})
	if err != nil {
		t.Fatalf("NewDealer failed: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when the dial fails")
	}
	if d.State() != DealerStopped {
		t.Errorf("expected state %s, got %s", DealerStopped, d.State())
	}
}

func TestDealerLifecycleGuards(t *testing.T) {
	d, _, _ := startDealer(t, testConfig(), nil, nil)
	if err := d.Start(context.Background()); !errors.Is(err, meshrpcerrors.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning on double start, got %v", err)
	}
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := d.Stop(context.Background()); !errors.Is(err, meshrpcerrors.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning on double stop, got %v", err)
	}
	if d.State() != DealerStopped {
		t.Errorf("expected state %s, got %s", DealerStopped, d.State())
	}
}

func TestDealerCallReply(t *testing.T) {
	_, _, p := startDealer(t, testConfig(), nil, func(d *Dealer) {
		if err := d.Handle("echo", func(ctx context.Context, req *Request) (any, error) {
			var msg string
			if err := req.Arg(0, &msg); err != nil {
				return nil, err
			}
			return map[string]string{"echo": msg}, nil
		}); err != nil {
			t.Fatalf("register echo: %v", err)
		}
	})
	awaitFrame(t, p, wire.TypeRegister)

	pushFrame(t, p, newCallFrame(t, "req-1", "svc.echo", "hello"))

	env := awaitFrame(t, p, wire.TypeReply)
	if env.RequestID != "req-1" || env.Origin != "client-1" {
		t.Fatalf("reply misaddressed: request_id=%q origin=%q", env.RequestID, env.Origin)
	}
	var out map[string]string
	if err := jsoncodec.Unmarshal(env.Result, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if out["echo"] != "hello" {
		t.Errorf("expected echo %q, got %+v", "hello", out)
	}
}

func TestDealerStreamingCall(t *testing.T) {
	_, _, p := startDealer(t, testConfig(), nil, func(d *Dealer) {
		if err := d.HandleStream("count", func(ctx context.Context, req *Request, w *StreamWriter) error {
			var n int
			if err := req.Arg(0, &n); err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				if err := w.Send(i); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			t.Fatalf("register count: %v", err)
		}
	})
	awaitFrame(t, p, wire.TypeRegister)

	pushFrame(t, p, newCallFrame(t, "req-2", "svc.count", 3))

	for want := 0; want < 3; want++ {
		env := awaitFrame(t, p, wire.TypeStreamChunk)
		if env.RequestID != "req-2" {
			t.Fatalf("chunk misaddressed: %q", env.RequestID)
		}
		var got int
		if err := jsoncodec.Unmarshal(env.Payload, &got); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if got != want {
			t.Fatalf("expected chunk %d, got %d", want, got)
		}
	}
	end := awaitFrame(t, p, wire.TypeStreamEnd)
	if end.RequestID != "req-2" || end.Origin != "client-1" {
		t.Fatalf("stream end misaddressed: request_id=%q origin=%q", end.RequestID, end.Origin)
	}
}

func TestDealerHandlerErrorProducesErrorFrame(t *testing.T) {
	_, _, p := startDealer(t, testConfig(), nil, func(d *Dealer) {
		if err := d.Handle("fail", func(ctx context.Context, req *Request) (any, error) {
			return nil, errors.New("database on fire")
		}); err != nil {
			t.Fatalf("register fail: %v", err)
		}
	})
	awaitFrame(t, p, wire.TypeRegister)

	pushFrame(t, p, newCallFrame(t, "req-3", "svc.fail"))

	env := awaitFrame(t, p, wire.TypeError)
	if env.RequestID != "req-3" || env.Origin != "client-1" {
		t.Fatalf("error frame misaddressed: request_id=%q origin=%q", env.RequestID, env.Origin)
	}
	if !strings.Contains(env.Error, "database on fire") {
		t.Errorf("unexpected error text: %q", env.Error)
	}
}

func TestDealerHandlerPanicProducesErrorFrame(t *testing.T) {
	_, _, p := startDealer(t, testConfig(), nil, func(d *Dealer) {
		if err := d.Handle("explode", func(ctx context.Context, req *Request) (any, error) {
			panic("boom")
		}); err != nil {
			t.Fatalf("register explode: %v", err)
		}
	})
	awaitFrame(t, p, wire.TypeRegister)

	pushFrame(t, p, newCallFrame(t, "req-4", "svc.explode"))

	env := awaitFrame(t, p, wire.TypeError)
	if env.RequestID != "req-4" {
		t.Fatalf("error frame misaddressed: %q", env.RequestID)
	}
	if !strings.Contains(env.Error, "handler panic: boom") {
		t.Errorf("unexpected error text: %q", env.Error)
	}
}

func TestDealerUnknownMethodProducesErrorFrame(t *testing.T) {
	_, _, p := startDealer(t, testConfig(), nil, nil)
	awaitFrame(t, p, wire.TypeRegister)

	pushFrame(t, p, newCallFrame(t, "req-5", "svc.nope"))

	env := awaitFrame(t, p, wire.TypeError)
	if env.RequestID != "req-5" {
		t.Fatalf("error frame misaddressed: %q", env.RequestID)
	}
	if !strings.Contains(env.Error, `unknown method "svc.nope"`) {
		t.Errorf("unexpected error text: %q", env.Error)
	}
}

func TestDealerOverloadEpisode(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1

	block := make(chan struct{})
	_, _, p := startDealer(t, cfg, nil, func(d *Dealer) {
		if err := d.Handle("wait", func(ctx context.Context, req *Request) (any, error) {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return "done", nil
		}); err != nil {
			t.Fatalf("register wait: %v", err)
		}
	})
	awaitFrame(t, p, wire.TypeRegister)

	pushFrame(t, p, newCallFrame(t, "req-1", "svc.wait"))
	pushFrame(t, p, newCallFrame(t, "req-2", "svc.wait"))
	pushFrame(t, p, newCallFrame(t, "req-3", "svc.wait"))

	// One slot, three calls: the episode opens exactly once.
	awaitFrame(t, p, wire.TypeOverload)

	close(block)

	first := awaitFrame(t, p, wire.TypeReply)
	awaitFrame(t, p, wire.TypeResume)
	second := awaitFrame(t, p, wire.TypeReply)
	third := awaitFrame(t, p, wire.TypeReply)

	got := map[string]bool{first.RequestID: true, second.RequestID: true, third.RequestID: true}
	for _, id := range []string{"req-1", "req-2", "req-3"} {
		if !got[id] {
			t.Errorf("no reply for %s (replies: %v)", id, got)
		}
	}
}

func TestDealerHeartbeats(t *testing.T) {
	d, _, p := startDealer(t, testConfig(), nil, nil)
	awaitFrame(t, p, wire.TypeRegister)
	awaitFrame(t, p, wire.TypeHeartbeat)

	before := d.lastAck.Load()
	pushFrame(t, p, &wire.Envelope{Type: wire.TypeHeartbeatAck})
	waitFor(t, time.Second, "heartbeat ack recorded", func() bool {
		return d.lastAck.Load() > before
	})
}

func TestDealerReRegistersWhenRouterRejects(t *testing.T) {
	_, ft, p := startDealer(t, testConfig(), nil, func(d *Dealer) {
		if err := d.Handle("echo", func(ctx context.Context, req *Request) (any, error) {
			return "ok", nil
		}); err != nil {
			t.Fatalf("register echo: %v", err)
		}
	})
	awaitFrame(t, p, wire.TypeRegister)

	// Complete one call so the refreshed registration carries counters.
	pushFrame(t, p, newCallFrame(t, "req-1", "svc.echo"))
	awaitFrame(t, p, wire.TypeReply)

	pushFrame(t, p, wire.NewError("", "", `unknown identity "svc-x"`))

	env := awaitFrame(t, p, wire.TypeRegister)
	if env.Info == nil {
		t.Fatal("re-register frame carries no service info")
	}
	if env.Info.RequestCount != 1 || env.Info.ReplyCount != 1 {
		t.Errorf("expected counters 1/1, got %d/%d", env.Info.RequestCount, env.Info.ReplyCount)
	}
	if got := ft.connectCount(); got != 1 {
		t.Errorf("expected the re-register to reuse the connection, dialled %d times", got)
	}
}

func TestDealerReconnectsWhenPeerFails(t *testing.T) {
	_, ft, p1 := startDealer(t, testConfig(), nil, nil)
	awaitFrame(t, p1, wire.TypeRegister)

	p1.Close()

	waitFor(t, 2*time.Second, "dealer redialled", func() bool {
		return ft.connectCount() >= 2
	})
	p2 := ft.lastPeer()
	if p2 == p1 {
		t.Fatal("expected a fresh peer after the reconnect")
	}
	env := awaitFrame(t, p2, wire.TypeRegister)
	if env.Info == nil {
		t.Fatal("re-register frame carries no service info")
	}
}

func TestDealerReconnectsOnMissedAcks(t *testing.T) {
	// No heartbeat acks are ever pushed, so the staleness check trips.
	_, ft, p1 := startDealer(t, testConfig(), nil, nil)
	awaitFrame(t, p1, wire.TypeRegister)

	waitFor(t, 2*time.Second, "dealer redialled after silence", func() bool {
		return ft.connectCount() >= 2
	})
	awaitFrame(t, ft.lastPeer(), wire.TypeRegister)
}

func TestDealerInProcessReRegistersWithoutRedial(t *testing.T) {
	ft := newFakeTransport()
	ft.name = "channel" // in-process capabilities: reconnects re-register in place
	_, _, p := startDealer(t, testConfig(), ft, nil)
	awaitFrame(t, p, wire.TypeRegister)

	// Silence trips the staleness check, but the connection survives.
	awaitFrame(t, p, wire.TypeRegister)
	if got := ft.connectCount(); got != 1 {
		t.Errorf("expected no redial for an in-process transport, dialled %d times", got)
	}
}

func TestDealerStopHandshake(t *testing.T) {
	d, _, p := startDealer(t, testConfig(), nil, nil)
	awaitFrame(t, p, wire.TypeRegister)

	stopDone := make(chan error, 1)
	go func() { stopDone <- d.Stop(context.Background()) }()

	awaitFrame(t, p, wire.TypeShutdown)
	pushFrame(t, p, &wire.Envelope{Type: wire.TypeShutdownAck})

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if d.State() != DealerStopped {
		t.Errorf("expected state %s, got %s", DealerStopped, d.State())
	}
	if !p.isClosed() {
		t.Error("expected the peer to be closed after Stop")
	}
}

func TestDealerStopAnswersPendingCalls(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1

	entered := make(chan struct{}, 2)
	d, _, p := startDealer(t, cfg, nil, func(d *Dealer) {
		if err := d.Handle("wait", func(ctx context.Context, req *Request) (any, error) {
			entered <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}); err != nil {
			t.Fatalf("register wait: %v", err)
		}
	})
	awaitFrame(t, p, wire.TypeRegister)

	pushFrame(t, p, newCallFrame(t, "req-1", "svc.wait"))
	<-entered
	pushFrame(t, p, newCallFrame(t, "req-2", "svc.wait"))
	awaitFrame(t, p, wire.TypeOverload)

	stopDone := make(chan error, 1)
	go func() { stopDone <- d.Stop(context.Background()) }()

	// Both the executing and the queued call answer with a terminal frame.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := awaitFrame(t, p, wire.TypeError)
		seen[env.RequestID] = true
	}
	if !seen["req-1"] || !seen["req-2"] {
		t.Errorf("expected terminal errors for req-1 and req-2, got %v", seen)
	}

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
