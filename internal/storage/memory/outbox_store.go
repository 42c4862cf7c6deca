package memory

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

// ClaimNext забирает самое старое PENDING-событие.
func (s *Store) ClaimNext(ctx context.Context) (domain.OutboxEvent, bool, error) {
	if err := s.acquire(ctx); err != nil {
		return domain.OutboxEvent{}, false, err
	}
	defer s.release()

	for _, id := range s.st.outboxOrder {
		event := s.st.outbox[id]
		if event.Status != domain.OutboxPending {
			continue
		}
		event.Status = domain.OutboxProcessing
		event.UpdatedAt = time.Now().UTC()
		s.st.outbox[id] = event
		return event, true, nil
	}
	return domain.OutboxEvent{}, false, nil
}

// MarkDone фиксирует успешную обработку.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	event, ok := s.st.outbox[id]
	if !ok {
		return domain.NotFoundf("outbox event %s", id)
	}
	now := time.Now().UTC()
	event.Status = domain.OutboxDone
	event.UpdatedAt = now
	event.ProcessedAt = &now
	s.st.outbox[id] = event
	return nil
}

// MarkFailure увеличивает retry_count и возвращает событие в очередь или в dead letter.
func (s *Store) MarkFailure(ctx context.Context, id, reason string) (domain.OutboxStatus, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	event, ok := s.st.outbox[id]
	if !ok {
		return "", domain.NotFoundf("outbox event %s", id)
	}
	event.RetryCount++
	event.LastError = reason
	event.UpdatedAt = time.Now().UTC()
	if event.RetryCount >= event.MaxRetries {
		event.Status = domain.OutboxFailed
	} else {
		event.Status = domain.OutboxPending
	}
	s.st.outbox[id] = event
	return event.Status, nil
}

// RequeueStale возвращает в очередь события, застрявшие в PROCESSING.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	count := 0
	for id, event := range s.st.outbox {
		if event.Status != domain.OutboxProcessing || !event.UpdatedAt.Before(olderThan) {
			continue
		}
		event.Status = domain.OutboxPending
		event.UpdatedAt = time.Now().UTC()
		s.st.outbox[id] = event
		count++
	}
	return count, nil
}

// RequeueFailed возвращает dead-letter события в очередь со сбросом счётчика попыток.
func (s *Store) RequeueFailed(ctx context.Context, ids []string) (int, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	count := 0
	for id, event := range s.st.outbox {
		if event.Status != domain.OutboxFailed {
			continue
		}
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		event.Status = domain.OutboxPending
		event.RetryCount = 0
		event.UpdatedAt = time.Now().UTC()
		s.st.outbox[id] = event
		count++
	}
	return count, nil
}

// ListByStatus возвращает события в порядке создания.
func (s *Store) ListByStatus(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxEvent, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	result := make([]domain.OutboxEvent, 0)
	for _, id := range s.st.outboxOrder {
		event := s.st.outbox[id]
		if status != "" && event.Status != status {
			continue
		}
		result = append(result, event)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Stats возвращает размер backlog.
func (s *Store) Stats(ctx context.Context) (domain.OutboxStats, error) {
	if err := s.acquire(ctx); err != nil {
		return domain.OutboxStats{}, err
	}
	defer s.release()

	var stats domain.OutboxStats
	for _, id := range s.st.outboxOrder {
		event := s.st.outbox[id]
		switch event.Status {
		case domain.OutboxPending:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || event.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = event.CreatedAt
			}
		case domain.OutboxProcessing:
			stats.ProcessingCount++
		case domain.OutboxFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

// PurgeDone удаляет до limit DONE-событий, обработанных раньше before.
func (s *Store) PurgeDone(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	deleted := 0
	kept := s.st.outboxOrder[:0]
	for _, id := range s.st.outboxOrder {
		event := s.st.outbox[id]
		expired := event.Status == domain.OutboxDone && event.ProcessedAt != nil && event.ProcessedAt.Before(before)
		if !expired || (limit > 0 && deleted >= limit) {
			kept = append(kept, id)
			continue
		}
		delete(s.st.outbox, id)
		if event.IdempotencyKey != "" {
			delete(s.st.outboxKeys, event.IdempotencyKey)
		}
		deleted++
	}
	s.st.outboxOrder = kept
	return deleted, nil
}

var _ domain.OutboxStore = (*Store)(nil)
