package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type staticChecker struct {
	status  Status
	message string
}

func (c staticChecker) Check(context.Context) Check {
	return Check{Status: c.status, Message: c.message}
}

func TestEvaluate_Policy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		storage      Status
		outbox       Status
		wantStatus   Status
		wantReady    bool
		wantDegraded []string
	}{
		{name: "all healthy", storage: StatusHealthy, outbox: StatusHealthy, wantStatus: StatusHealthy, wantReady: true},
		{name: "outbox lagging", storage: StatusHealthy, outbox: StatusDegraded, wantStatus: StatusDegraded, wantReady: true, wantDegraded: []string{"outbox"}},
		{name: "outbox stats failing", storage: StatusHealthy, outbox: StatusUnhealthy, wantStatus: StatusDegraded, wantReady: true, wantDegraded: []string{"outbox"}},
		{name: "storage slow", storage: StatusDegraded, outbox: StatusHealthy, wantStatus: StatusDegraded, wantReady: true, wantDegraded: []string{"storage"}},
		{name: "storage down", storage: StatusUnhealthy, outbox: StatusDegraded, wantStatus: StatusUnhealthy, wantReady: false, wantDegraded: []string{"outbox"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := NewHandler("v1.2.3")
			h.Register("storage", staticChecker{status: tt.storage}, Critical)
			h.Register("outbox", staticChecker{status: tt.outbox}, Advisory)

			report := h.Evaluate(context.Background())
			if report.Status != tt.wantStatus || report.Ready != tt.wantReady {
				t.Fatalf("got status=%s ready=%v, want %s/%v", report.Status, report.Ready, tt.wantStatus, tt.wantReady)
			}
			if len(report.Degraded) != len(tt.wantDegraded) {
				t.Fatalf("degraded = %v, want %v", report.Degraded, tt.wantDegraded)
			}
			for i := range tt.wantDegraded {
				if report.Degraded[i] != tt.wantDegraded[i] {
					t.Fatalf("degraded = %v, want %v", report.Degraded, tt.wantDegraded)
				}
			}
			if report.Checks["storage"].Severity != "critical" || report.Checks["outbox"].Severity != "advisory" {
				t.Fatalf("severity not reported: %+v", report.Checks)
			}
			if report.Version != "v1.2.3" {
				t.Fatalf("unexpected version %q", report.Version)
			}
		})
	}
}

func TestEvaluate_NoChecksIsHealthy(t *testing.T) {
	t.Parallel()

	report := NewHandler("dev").Evaluate(context.Background())
	if report.Status != StatusHealthy || !report.Ready || len(report.Checks) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestEvaluate_ChecksShareDeadline(t *testing.T) {
	t.Parallel()

	h := NewHandler("dev")
	h.timeout = 20 * time.Millisecond
	h.Register("storage", CheckFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), Critical)

	start := time.Now()
	report := h.Evaluate(context.Background())
	if time.Since(start) > time.Second {
		t.Fatal("evaluation ignored the deadline")
	}
	check := report.Checks["storage"]
	if report.Ready || check.Status != StatusUnhealthy || check.Message != context.DeadlineExceeded.Error() {
		t.Fatalf("hung storage must fail readiness, got %+v", report)
	}
}

func TestServeHTTP(t *testing.T) {
	t.Parallel()

	h := NewHandler("v1.0.0")
	h.Register("storage", CheckFunc(func(context.Context) error { return errors.New("connection refused") }), Critical)
	h.Register("outbox", staticChecker{status: StatusDegraded, message: "3 events in dead letter"}, Advisory)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if got := w.Header().Get(StatusHeader); got != string(StatusUnhealthy) {
		t.Fatalf("unexpected %s header %q", StatusHeader, got)
	}
	var report Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Checks["storage"].Message != "connection refused" || report.Checks["outbox"].Message != "3 events in dead letter" {
		t.Fatalf("unexpected checks %+v", report.Checks)
	}
}

func TestReadinessHandler(t *testing.T) {
	t.Parallel()

	h := NewHandler("v1.0.0")
	h.Register("outbox", staticChecker{status: StatusDegraded}, Advisory)

	w := httptest.NewRecorder()
	h.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("degraded outbox must keep the service ready, got %d", w.Code)
	}
	var report Report
	if err := json.NewDecoder(w.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.Ready || report.Status != StatusDegraded || report.Checks != nil {
		t.Fatalf("unexpected readiness body %+v", report)
	}
}

func TestLivenessHandler(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("unexpected liveness response %d %q", w.Code, w.Body.String())
	}
}
