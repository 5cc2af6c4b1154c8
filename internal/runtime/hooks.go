package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/arcstep/meshrpc/internal/runtime/logging"
)

// CallContext describes one routed call as seen by hook callbacks.
type CallContext struct {
	Method    string
	RequestID string
	Origin    string
	Context   context.Context
	StartedAt time.Time

	// Duration is zero in OnCallStart and the elapsed handler time in
	// OnCallDone and OnCallError.
	Duration time.Duration
}

// CallHooks groups optional callbacks fired around every call a Dealer
// routes. Nil callbacks are skipped. Hooks observe the call; they cannot
// alter its outcome.
type CallHooks struct {
	OnCallStart func(CallContext)
	OnCallDone  func(CallContext)
	OnCallError func(CallContext, error)
}

// Merge combines the receiver with additional hook sets. Merged callbacks
// run in the order given, receiver first.
func (h CallHooks) Merge(others ...CallHooks) CallHooks {
	merged := h
	for _, o := range others {
		merged.OnCallStart = chainCallHooks(merged.OnCallStart, o.OnCallStart)
		merged.OnCallDone = chainCallHooks(merged.OnCallDone, o.OnCallDone)
		merged.OnCallError = chainCallErrorHooks(merged.OnCallError, o.OnCallError)
	}
	return merged
}

func chainCallHooks(a, b func(CallContext)) func(CallContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(cc CallContext) {
		a(cc)
		b(cc)
	}
}

func chainCallErrorHooks(a, b func(CallContext, error)) func(CallContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(cc CallContext, err error) {
		a(cc, err)
		b(cc, err)
	}
}

// CallHooksMiddleware wires a hook set into the Dealer's invoker chain.
// OnCallStart fires before the handler, then exactly one of OnCallDone or
// OnCallError fires after it.
func CallHooksMiddleware(hooks CallHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "call_hooks",
		Middleware: func(next Invoker) Invoker {
			return func(ctx context.Context, req *Request) error {
				cc := CallContext{
					Method:    req.Method,
					RequestID: req.RequestID,
					Origin:    req.Origin,
					Context:   ctx,
					StartedAt: time.Now(),
				}
				if hooks.OnCallStart != nil {
					hooks.OnCallStart(cc)
				}
				err := next(ctx, req)
				cc.Duration = time.Since(cc.StartedAt)
				if err != nil {
					if hooks.OnCallError != nil {
						hooks.OnCallError(cc, err)
					}
					return err
				}
				if hooks.OnCallDone != nil {
					hooks.OnCallDone(cc)
				}
				return nil
			}
		},
	}
}

// LoggingHooks logs call lifecycle events through the given logger.
func LoggingHooks(logger loggingpkg.ServiceLogger) CallHooks {
	return CallHooks{
		OnCallStart: func(cc CallContext) {
			logger.Debug("Call started", loggingpkg.LogFields{
				"method":     cc.Method,
				"request_id": cc.RequestID,
				"origin":     cc.Origin,
			})
		},
		OnCallDone: func(cc CallContext) {
			logger.Debug("Call finished", loggingpkg.LogFields{
				"method":      cc.Method,
				"request_id":  cc.RequestID,
				"duration_ms": cc.Duration.Milliseconds(),
			})
		},
		OnCallError: func(cc CallContext, err error) {
			logger.Error("Call failed", err, loggingpkg.LogFields{
				"method":      cc.Method,
				"request_id":  cc.RequestID,
				"duration_ms": cc.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks adapts per-method counters into call hooks. Nil counters
// are skipped.
func MetricsHooks(onStart, onDone, onError func(method string)) CallHooks {
	var h CallHooks
	if onStart != nil {
		h.OnCallStart = func(cc CallContext) { onStart(cc.Method) }
	}
	if onDone != nil {
		h.OnCallDone = func(cc CallContext) { onDone(cc.Method) }
	}
	if onError != nil {
		h.OnCallError = func(cc CallContext, _ error) { onError(cc.Method) }
	}
	return h
}

// AlertingHooks fires alert for every failed call.
func AlertingHooks(alert func(CallContext, error)) CallHooks {
	return CallHooks{OnCallError: alert}
}
