package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestFlushTelemetry_ClosesAll(t *testing.T) {
	var closed int
	c := closerFunc(func() error { closed++; return nil })

	if err := FlushTelemetry(context.Background(), zap.NewNop(), c, nil, c); err != nil {
		t.Fatalf("FlushTelemetry() error = %v", err)
	}
	if closed != 2 {
		t.Errorf("closed = %d, want 2", closed)
	}
}

func TestFlushTelemetry_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var closed int
	failing := closerFunc(func() error { closed++; return boom })

	err := FlushTelemetry(context.Background(), nil, failing, failing)
	if !errors.Is(err, boom) {
		t.Fatalf("FlushTelemetry() error = %v, want wrapped boom", err)
	}
	if closed != 2 {
		t.Errorf("closed = %d, want 2 (a failing closer must not skip later ones)", closed)
	}
}

func TestFlushTelemetry_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := FlushTelemetry(ctx, nil, closerFunc(func() error { called = true; return nil }))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("FlushTelemetry() error = %v, want context.Canceled", err)
	}
	if called {
		t.Error("closer called after context was cancelled")
	}
}
