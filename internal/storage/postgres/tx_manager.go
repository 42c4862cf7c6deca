package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

const (
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgQueryCanceled        = "57014"
)

// WithinTx выполняет fn в транзакции READ COMMITTED.
// Соединение из пула ждём не дольше maxWait, строки под FOR UPDATE тоже (lock_timeout);
// вся транзакция ограничена txTimeout. Превышение любого лимита возвращает domain.ErrRetryable.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	txCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	acquireCtx, cancelAcquire := context.WithTimeout(txCtx, s.maxWait)
	conn, err := s.db.Conn(acquireCtx)
	cancelAcquire()
	if err != nil {
		return classifyError(fmt.Errorf("acquire connection: %w", err))
	}
	defer conn.Close()

	sqlTx, err := conn.BeginTx(txCtx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classifyError(fmt.Errorf("begin tx: %w", err))
	}

	for _, stmt := range []string{
		fmt.Sprintf("SET LOCAL lock_timeout = %d", s.maxWait.Milliseconds()),
		fmt.Sprintf("SET LOCAL statement_timeout = %d", s.txTimeout.Milliseconds()),
	} {
		if _, err := sqlTx.ExecContext(txCtx, stmt); err != nil {
			_ = sqlTx.Rollback()
			return classifyError(fmt.Errorf("set tx timeouts: %w", err))
		}
	}

	if err := fn(txCtx, &pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return classifyError(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return classifyError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// classifyError переводит таймауты, deadlock и serialization failure в ErrRetryable.
// Доменные ошибки возвращаются как есть.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if domain.KindOf(err) != domain.KindInternal {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrRetryable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected, pgSerializationFailure, pgQueryCanceled:
			return fmt.Errorf("%w: %v", domain.ErrRetryable, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// pgTx - реализация domain.Tx поверх *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

var (
	_ domain.TxManager = (*Store)(nil)
	_ domain.Tx        = (*pgTx)(nil)
)
