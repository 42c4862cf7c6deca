// Package audit фиксирует, кто и какую операцию API выполнил.
package audit

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Результаты операции в записи аудита.
const (
	ResultOK = "OK"
)

// Entry - запись аудита об одной операции.
// Result равен ResultOK либо виду ошибки (NOT_FOUND, FORBIDDEN, ...).
type Entry struct {
	OccurredAt     time.Time `json:"occurred_at"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Role           string    `json:"role"`
	Action         string    `json:"action"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     string    `json:"resource_id,omitempty"`
	Result         string    `json:"result"`
	Message        string    `json:"message,omitempty"`
}

// Logger принимает записи аудита.
type Logger interface {
	Record(ctx context.Context, entry Entry) error
}

// LogrusLogger пишет аудит в структурированный лог.
type LogrusLogger struct {
	logger *log.Entry
}

// NewLogrusLogger создаёт аудит-лог поверх logrus.
func NewLogrusLogger(logger *log.Entry) *LogrusLogger {
	if logger == nil {
		logger = log.WithField("component", "audit")
	}
	return &LogrusLogger{logger: logger}
}

// Record пишет запись на уровне info.
func (l *LogrusLogger) Record(_ context.Context, entry Entry) error {
	l.logger.WithFields(log.Fields{
		"user_id":         entry.UserID,
		"organization_id": entry.OrganizationID,
		"role":            entry.Role,
		"action":          entry.Action,
		"resource_type":   entry.ResourceType,
		"resource_id":     entry.ResourceID,
		"result":          entry.Result,
	}).Info("audit")
	return nil
}

// Multi рассылает запись нескольким получателям и возвращает первую ошибку.
type Multi []Logger

// Record передаёт запись всем получателям, даже если кто-то из них упал.
func (m Multi) Record(ctx context.Context, entry Entry) error {
	var first error
	for _, logger := range m {
		if logger == nil {
			continue
		}
		if err := logger.Record(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard отбрасывает записи.
type Discard struct{}

// Record ничего не делает.
func (Discard) Record(context.Context, Entry) error { return nil }

var (
	_ Logger = (*LogrusLogger)(nil)
	_ Logger = Multi(nil)
	_ Logger = Discard{}
)
