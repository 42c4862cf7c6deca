package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

func TestCircuitBreakerExecute(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, time.Minute, nil)
	cb.now = func() time.Time { return now }

	boom := errors.New("broker down")
	failing := func() error { return boom }

	if err := cb.Execute("notify", failing); !errors.Is(err, boom) {
		t.Fatalf("expected delegate error, got %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("one failure must not open breaker, got %s", cb.State())
	}
	_ = cb.Execute("notify", failing)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}

	called := false
	err := cb.Execute("notify", func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker must short-circuit, got err=%v called=%v", err, called)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute("notify", failing); !errors.Is(err, boom) {
		t.Fatalf("expected half-open trial call, got %v", err)
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("failed trial call must reopen breaker, got %s", cb.State())
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute("notify", func() error { return nil }); err != nil {
		t.Fatalf("trial call should succeed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("successful trial call must close breaker, got %s", cb.State())
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (n *countingNotifier) Notify(context.Context, domain.OutboxEvent) error {
	n.calls++
	return n.err
}

func TestBreakerNotifier(t *testing.T) {
	next := &countingNotifier{err: errors.New("kafka: no brokers")}
	notifier := NewBreakerNotifier(next, NewCircuitBreaker(1, time.Hour, nil))
	event := domain.OutboxEvent{ID: "evt-1", Type: domain.EventLowStock}

	if err := notifier.Notify(context.Background(), event); err == nil {
		t.Fatal("expected delegate error")
	}
	if err := notifier.Notify(context.Background(), event); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected one delegate call, got %d", next.calls)
	}
}

func TestCircuitStateString(t *testing.T) {
	if CircuitHalfOpen.String() != "half-open" || CircuitState(9).String() != "CircuitState(9)" {
		t.Fatal("unexpected state names")
	}
}
