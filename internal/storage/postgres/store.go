package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	defaultMaxWait   = 5 * time.Second
	defaultTxTimeout = 10 * time.Second

	opTimeout = 5 * time.Second
)

// Option настраивает Store.
type Option func(*Store)

// WithMaxWait ограничивает ожидание соединения из пула и блокировок строк.
func WithMaxWait(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxWait = d
		}
	}
}

// WithTxTimeout ограничивает общее время бизнес-транзакции.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

// WithMaxOpenConns задаёт размер пула соединений.
func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConns = n
		}
	}
}

// Store оборачивает пул соединений к PostgreSQL.
// Реализует TxManager для бизнес-операций и OutboxStore для воркера.
type Store struct {
	db           *sql.DB
	maxWait      time.Duration
	txTimeout    time.Duration
	maxOpenConns int
}

// Open открывает пул соединений к PostgreSQL и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	store := &Store{
		maxWait:      defaultMaxWait,
		txTimeout:    defaultTxTimeout,
		maxOpenConns: defaultMaxOpenConns,
	}
	for _, opt := range opts {
		opt(store)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(store.maxOpenConns)
	db.SetMaxIdleConns(min(defaultMaxIdleConns, store.maxOpenConns))
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store.db = db
	return store, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close дожидается возврата соединений и закрывает пул.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
