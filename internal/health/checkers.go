package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

// Pinger - хранилище, умеющее проверить соединение.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingChecker проверяет доступность базы данных.
func NewPingChecker(pinger Pinger) Checker {
	return CheckFunc(pinger.Ping)
}

// OutboxStatsSource отдаёт срез состояния очереди outbox.
type OutboxStatsSource interface {
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// OutboxChecker оценивает backlog outbox: старое PENDING-событие или
// накопившиеся dead letter переводят статус в degraded.
type OutboxChecker struct {
	stats     OutboxStatsSource
	maxLag    time.Duration
	maxFailed int
	now       func() time.Time
}

// NewOutboxChecker создаёт проверку backlog. Нулевой порог отключает соответствующее условие.
func NewOutboxChecker(stats OutboxStatsSource, maxLag time.Duration, maxFailed int) *OutboxChecker {
	return &OutboxChecker{
		stats:     stats,
		maxLag:    maxLag,
		maxFailed: maxFailed,
		now:       time.Now,
	}
}

// Check сообщает обо всех нарушенных порогах сразу.
func (c *OutboxChecker) Check(ctx context.Context) Check {
	start := time.Now()
	stats, err := c.stats.Stats(ctx)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return Check{Status: StatusUnhealthy, Message: err.Error(), DurationMs: duration}
	}

	var problems []string
	if c.maxLag > 0 && stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		if lag := c.now().Sub(stats.OldestPendingAt); lag > c.maxLag {
			problems = append(problems, fmt.Sprintf("oldest pending event is %s old (%d pending)", lag.Truncate(time.Second), stats.PendingCount))
		}
	}
	if c.maxFailed > 0 && stats.FailedCount >= c.maxFailed {
		problems = append(problems, fmt.Sprintf("%d events in dead letter", stats.FailedCount))
	}
	if len(problems) == 0 {
		return Check{Status: StatusHealthy, DurationMs: duration}
	}
	return Check{Status: StatusDegraded, Message: strings.Join(problems, "; "), DurationMs: duration}
}
