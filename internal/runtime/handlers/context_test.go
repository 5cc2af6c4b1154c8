package handlers

import (
	"context"
	"testing"
)

func TestRequestContextRoundTrip(t *testing.T) {
	req := typedRequest(t, nil, nil)
	ctx := NewContext(context.Background(), req)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected the request to be recoverable")
	}
	if got != req {
		t.Fatalf("expected the same request, got %p and %p", got, req)
	}
}

func TestFromContextWithoutRequest(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no request on a bare context")
	}
}
