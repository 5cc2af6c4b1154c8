package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	meshrpcerrors "github.com/arcstep/meshrpc/internal/runtime/errors"
	loggingpkg "github.com/arcstep/meshrpc/internal/runtime/logging"
)

// Invoker executes one routed call end to end: decode, run the handler,
// emit frames. Middleware wraps invokers.
type Invoker func(ctx context.Context, req *Request) error

// Middleware decorates an Invoker.
type Middleware func(next Invoker) Invoker

// MiddlewareBuilder constructs a middleware using the owning Dealer.
type MiddlewareBuilder func(*Dealer) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be attached to a
// Dealer. Either Middleware or Builder must be set; a Builder returning nil
// skips registration.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain applied by NewDealer, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RecovererMiddleware(),
		LogCallsMiddleware(nil),
		TracerMiddleware(),
	}
}

// panicError carries a recovered panic value through the error path.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

// RecovererMiddleware converts handler panics into errors so a terminal
// frame still reaches the caller.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Middleware: func(next Invoker) Invoker {
			return func(ctx context.Context, req *Request) (err error) {
				defer func() {
					if v := recover(); v != nil {
						err = &panicError{value: v}
					}
				}()
				return next(ctx, req)
			}
		},
	}
}

// LogCallsMiddleware logs every invocation with its method and request id.
// A nil logger falls back to the Dealer's own.
func LogCallsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_calls",
		Builder: func(d *Dealer) (Middleware, error) {
			l := logger
			if l == nil {
				l = d.Logger
			}
			if l == nil {
				return nil, errors.New("log calls middleware requires a logger")
			}
			return func(next Invoker) Invoker {
				return func(ctx context.Context, req *Request) error {
					l.Debug("Processing call", loggingpkg.LogFields{
						"method":     req.Method,
						"request_id": req.RequestID,
						"origin":     req.Origin,
					})
					err := next(ctx, req)
					if err != nil {
						l.Debug("Call failed", loggingpkg.LogFields{
							"method":     req.Method,
							"request_id": req.RequestID,
							"error":      err.Error(),
						})
					}
					return err
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry server span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(next Invoker) Invoker {
			return func(ctx context.Context, req *Request) error {
				tracer := otel.Tracer("meshrpc-dealer")
				ctx, span := tracer.Start(ctx, "HandleCall",
					trace.WithSpanKind(trace.SpanKindServer))
				defer span.End()

				span.SetAttributes(
					attribute.String("rpc.method", req.Method),
					attribute.String("rpc.request_id", req.RequestID),
				)
				err := next(ctx, req)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return err
			}
		},
	}
}

// RateLimitMiddleware delays invocations so the instance stays under the
// given rate. Waiting respects the call context; callers past their
// deadline receive an error frame instead of a stale reply.
func RateLimitMiddleware(limit rate.Limit, burst int) MiddlewareRegistration {
	limiter := rate.NewLimiter(limit, burst)
	return MiddlewareRegistration{
		Name: "rate_limit",
		Middleware: func(next Invoker) Invoker {
			return func(ctx context.Context, req *Request) error {
				if err := limiter.Wait(ctx); err != nil {
					return fmt.Errorf("rate limit: %w", err)
				}
				return next(ctx, req)
			}
		},
	}
}

// RegisterMiddleware resolves and appends a middleware to the Dealer's
// chain. Must be called before Start.
func (d *Dealer) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if atomic.LoadInt32(&d.state) != int32(DealerInit) {
		return meshrpcerrors.ErrAlreadyRunning
	}
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(d)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	d.middlewareMu.Lock()
	d.middlewares = append(d.middlewares, mw)
	d.middlewareMu.Unlock()
	return nil
}

// wrapInvoker applies the registered chain so the first-registered
// middleware is outermost.
func (d *Dealer) wrapInvoker(base Invoker) Invoker {
	d.middlewareMu.Lock()
	chain := make([]Middleware, len(d.middlewares))
	copy(chain, d.middlewares)
	d.middlewareMu.Unlock()

	wrapped := base
	for i := len(chain) - 1; i >= 0; i-- {
		wrapped = chain[i](wrapped)
	}
	return wrapped
}
