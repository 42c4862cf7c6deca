// Package health отдаёт состояние сервиса учёта остатков для /healthz и /readyz.
//
// Проверки делятся по влиянию на готовность: без базы сервис не может провести
// ни одной операции и снимается с трафика, а отставание outbox только задерживает
// побочные эффекты и отражается в ответе как degraded.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status - состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// StatusHeader дублирует итоговый статус для балансировщиков, которые не читают тело.
const StatusHeader = "X-Health-Status"

const defaultEvaluateTimeout = 3 * time.Second

// Severity задаёт, как неуспешная проверка влияет на готовность.
type Severity int

const (
	// Critical: при unhealthy сервис не готов (база данных).
	Critical Severity = iota
	// Advisory: любая проблема понижает статус до degraded, трафик не снимается (backlog outbox).
	Advisory
)

func (s Severity) String() string {
	if s == Advisory {
		return "advisory"
	}
	return "critical"
}

// Check - результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Severity   string `json:"severity"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report - итог всех проверок.
type Report struct {
	Status        Status           `json:"status"`
	Ready         bool             `json:"ready"`
	Degraded      []string         `json:"degraded,omitempty"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент. Реализация обязана уважать дедлайн ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

type registration struct {
	checker  Checker
	severity Severity
}

// Handler собирает проверки и применяет к ним политику готовности.
type Handler struct {
	mu      sync.RWMutex
	checks  map[string]registration
	version string
	started time.Time
	timeout time.Duration
	now     func() time.Time
}

// NewHandler создаёт обработчик без проверок: такой сервис всегда healthy.
func NewHandler(version string) *Handler {
	return &Handler{
		checks:  make(map[string]registration),
		version: version,
		started: time.Now(),
		timeout: defaultEvaluateTimeout,
		now:     time.Now,
	}
}

// Register добавляет проверку под именем name, заменяя прежнюю.
func (h *Handler) Register(name string, checker Checker, severity Severity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registration{checker: checker, severity: severity}
}

// Evaluate выполняет все проверки параллельно и сводит их в Report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	h.mu.RLock()
	checks := make(map[string]registration, len(h.checks))
	for name, reg := range h.checks {
		checks[name] = reg
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]Check, len(checks))
	)
	for name, reg := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			check := reg.checker.Check(ctx)
			check.Name = name
			check.Severity = reg.severity.String()
			mu.Lock()
			results[name] = check
			mu.Unlock()
		}()
	}
	wg.Wait()

	report := Report{
		Status:        StatusHealthy,
		Ready:         true,
		Checks:        results,
		Version:       h.version,
		Timestamp:     h.now().UTC(),
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
	}
	for name, check := range results {
		switch {
		case check.Status == StatusHealthy:
		case check.Status == StatusUnhealthy && checks[name].severity == Critical:
			report.Status = StatusUnhealthy
			report.Ready = false
		default:
			report.Degraded = append(report.Degraded, name)
		}
	}
	if report.Ready && len(report.Degraded) > 0 {
		report.Status = StatusDegraded
	}
	sort.Strings(report.Degraded)
	return report
}

// ServeHTTP отдаёт полный отчёт; 503, только если сервис не готов.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeReport(w, h.Evaluate(r.Context()))
}

// ReadinessHandler отдаёт решение о готовности без деталей проверок.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	report := h.Evaluate(r.Context())
	report.Checks = nil
	writeReport(w, report)
}

// LivenessHandler отвечает 200, пока процесс обслуживает HTTP.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeReport(w http.ResponseWriter, report Report) {
	code := http.StatusOK
	if !report.Ready {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(StatusHeader, string(report.Status))
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

// CheckFunc превращает функцию в Checker: ошибка означает unhealthy.
type CheckFunc func(ctx context.Context) error

// Check выполняет функцию и замеряет время.
func (f CheckFunc) Check(ctx context.Context) Check {
	start := time.Now()
	err := f(ctx)
	check := Check{Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}
