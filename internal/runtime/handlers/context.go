package handlers

import (
	"context"

	runtimepkg "github.com/arcstep/meshrpc/internal/runtime"
)

type requestKey struct{}

// NewContext returns a context carrying req. The typed adapters install it
// before invoking the handler function.
func NewContext(ctx context.Context, req *runtimepkg.Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// FromContext returns the request behind a typed handler invocation, so a
// handler that only receives the decoded input can still reach the call's
// method, request ID and origin.
func FromContext(ctx context.Context) (*runtimepkg.Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*runtimepkg.Request)
	return req, ok
}
