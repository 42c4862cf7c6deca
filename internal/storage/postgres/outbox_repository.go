package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

const outboxColumns = `id, type, payload, status, retry_count, max_retries,
	COALESCE(idempotency_key, ''), last_error, created_at, updated_at, processed_at`

func (t *pgTx) InsertOutboxEvent(ctx context.Context, e domain.OutboxEvent) (bool, error) {
	var key sql.NullString
	if e.IdempotencyKey != "" {
		key = sql.NullString{String: e.IdempotencyKey, Valid: true}
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox_events (
			id, type, payload, status, retry_count, max_retries,
			idempotency_key, last_error, created_at, updated_at
		) VALUES ($1,$2,$3,$4,0,$5,$6,'',$7,$8)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, e.ID, string(e.Type), []byte(e.Payload), string(e.Status), e.MaxRetries, key, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert outbox event: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for outbox insert: %w", err)
	}
	return affected == 1, nil
}

// ClaimNext забирает одно событие отдельной короткой транзакцией (autocommit UPDATE).
// SKIP LOCKED позволяет нескольким воркерам работать параллельно без ожидания друг друга.
func (s *Store) ClaimNext(ctx context.Context) (domain.OutboxEvent, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	event, err := scanOutboxRow(s.db.QueryRowContext(ctx, `
		UPDATE outbox_events
		SET status = 'PROCESSING', updated_at = $1
		WHERE id = (
			SELECT id
			FROM outbox_events
			WHERE status = 'PENDING'
			ORDER BY created_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OutboxEvent{}, false, nil
		}
		return domain.OutboxEvent{}, false, fmt.Errorf("claim outbox event: %w", err)
	}
	return event, true, nil
}

func (s *Store) MarkDone(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'DONE', updated_at = $2, processed_at = $2
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("mark outbox event done: %w", err)
	}
	return expectAffected(res, domain.NotFoundf("outbox event %s", id))
}

func (s *Store) MarkFailure(ctx context.Context, id, reason string) (domain.OutboxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    updated_at = $3,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'FAILED' ELSE 'PENDING' END
		WHERE id = $1
		RETURNING status
	`, id, reason, time.Now().UTC()).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.NotFoundf("outbox event %s", id)
		}
		return "", fmt.Errorf("mark outbox event failure: %w", err)
	}
	return domain.OutboxStatus(status), nil
}

func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', updated_at = $2
		WHERE status = 'PROCESSING' AND updated_at < $1
	`, olderThan, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for stale requeue: %w", err)
	}
	return int(affected), nil
}

func (s *Store) RequeueFailed(ctx context.Context, ids []string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		UPDATE outbox_events
		SET status = 'PENDING', retry_count = 0, updated_at = $1
		WHERE status = 'FAILED'`
	args := []any{time.Now().UTC()}
	if len(ids) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, ids)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue failed outbox events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for failed requeue: %w", err)
	}
	return int(affected), nil
}

func (s *Store) ListByStatus(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at, seq
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.OutboxEvent, 0)
	for rows.Next() {
		event, err := scanOutboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return result, nil
}

func (s *Store) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			MIN(created_at) FILTER (WHERE status = 'PENDING')
		FROM outbox_events
		WHERE status <> 'DONE'
	`).Scan(&stats.PendingCount, &stats.ProcessingCount, &stats.FailedCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats query failed: %w", err)
	}

	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

// PurgeDone удаляет до limit DONE-событий, обработанных раньше before.
func (s *Store) PurgeDone(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox_events
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'DONE' AND processed_at < $1
			ORDER BY processed_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, before, limit)
	if err != nil {
		return 0, fmt.Errorf("purge done outbox events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for outbox purge: %w", err)
	}
	return int(affected), nil
}

func scanOutboxRow(row rowScanner) (domain.OutboxEvent, error) {
	var (
		e           domain.OutboxEvent
		eventType   string
		status      string
		payload     []byte
		processedAt sql.NullTime
	)
	if err := row.Scan(
		&e.ID, &eventType, &payload, &status, &e.RetryCount, &e.MaxRetries,
		&e.IdempotencyKey, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &processedAt,
	); err != nil {
		return domain.OutboxEvent{}, err
	}
	e.Type = domain.EventType(eventType)
	e.Status = domain.OutboxStatus(status)
	e.Payload = payload
	e.ProcessedAt = nullTimePtr(processedAt)
	return e, nil
}

var _ domain.OutboxStore = (*Store)(nil)
