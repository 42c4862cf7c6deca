package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// Ключ advisory lock: миграции двух процессов не должны перемешиваться.
	migrationLockKey     = int64(0x4c454447) // "LEDG"
	migrationLockTimeout = 5 * time.Second

	migrationTableDDL = `
CREATE TABLE IF NOT EXISTS ledger_schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

// MigrationState описывает схему относительно встроенных скриптов.
type MigrationState struct {
	Version   int64
	Applied   int
	Available int
	// Drifted - применённые версии, чей скрипт изменился или отсутствует в бинарнике.
	Drifted []string
}

// Pending возвращает число ещё не применённых миграций.
func (m MigrationState) Pending() int {
	if m.Available < m.Applied {
		return 0
	}
	return m.Available - m.Applied
}

// MigrateUp применяет недостающие миграции по возрастанию версии, steps=0 - все.
// Если уже применённый скрипт изменён, ничего не применяется: ErrMigrationDrift.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает последние steps миграций; steps<=0 означает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus сверяет базу со встроенными скриптами без изменений схемы.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, fmt.Errorf("postgres store is not initialized")
	}

	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, migrationTableDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := loadApplied(queryCtx, s.db)
	if err != nil {
		return MigrationState{}, err
	}

	state := MigrationState{
		Applied:   len(applied),
		Available: len(migrations),
		Drifted:   verifyApplied(migrations, applied),
	}
	for version := range applied {
		state.Version = max(state.Version, version)
	}
	return state, nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}

	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, migrationTableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return err
	}

	if direction == migrationDown {
		return rollback(ctx, conn, migrations, applied, steps)
	}
	if drifted := verifyApplied(migrations, applied); len(drifted) > 0 {
		return fmt.Errorf("%w: %s", ErrMigrationDrift, strings.Join(drifted, ", "))
	}
	return apply(ctx, conn, pendingMigrations(migrations, applied, steps))
}

// pendingMigrations выбирает неприменённые версии, включая пропуски посреди истории.
func pendingMigrations(migrations []migration, applied map[int64]appliedMigration, steps int) []migration {
	var pending []migration
	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		pending = append(pending, m)
		if steps > 0 && len(pending) == steps {
			break
		}
	}
	return pending
}

// rollbackTargets возвращает последние steps применённых миграций от новой к старой.
func rollbackTargets(migrations []migration, applied map[int64]appliedMigration, steps int) ([]migration, error) {
	known := make(map[int64]migration, len(migrations))
	for _, m := range migrations {
		known[m.Version] = m
	}

	versions := make([]int64, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

	targets := make([]migration, 0, steps)
	for _, version := range versions {
		if len(targets) == steps {
			break
		}
		m, ok := known[version]
		if !ok {
			return nil, fmt.Errorf("cannot roll back %06d_%s: script is not embedded in this build", version, applied[version].Name)
		}
		targets = append(targets, m)
	}
	return targets, nil
}

func apply(ctx context.Context, conn *sql.Conn, pending []migration) error {
	for _, m := range pending {
		err := inMigrationTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return fmt.Errorf("execute up migration %s: %w", m.label(), err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_schema_migrations (version, name, checksum)
				VALUES ($1, $2, $3)
			`, m.Version, m.Name, m.Checksum); err != nil {
				return fmt.Errorf("record migration %s: %w", m.label(), err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func rollback(ctx context.Context, conn *sql.Conn, migrations []migration, applied map[int64]appliedMigration, steps int) error {
	targets, err := rollbackTargets(migrations, applied, steps)
	if err != nil {
		return err
	}
	for _, m := range targets {
		err := inMigrationTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
				return fmt.Errorf("execute down migration %s: %w", m.label(), err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_schema_migrations WHERE version = $1`, m.Version); err != nil {
				return fmt.Errorf("forget migration %s: %w", m.label(), err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// inMigrationTx выполняет один шаг миграции атомарно со служебной записью.
func inMigrationTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadApplied(ctx context.Context, q queryer) (map[int64]appliedMigration, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, name, checksum FROM ledger_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]appliedMigration)
	for rows.Next() {
		var (
			version int64
			rec     appliedMigration
		)
		if err := rows.Scan(&version, &rec.Name, &rec.Checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}
