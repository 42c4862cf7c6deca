package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
)

const (
	defaultMaxWait   = 5 * time.Second
	defaultTxTimeout = 10 * time.Second
)

type stockKey struct {
	productID   string
	warehouseID string
}

// state - согласованный снимок всех таблиц.
type state struct {
	organizations map[string]domain.Organization
	products      map[string]domain.Product
	warehouses    map[string]domain.Warehouse
	stocks        map[stockKey]domain.Stock
	movements     []domain.StockMovement
	documents     map[string]domain.Document
	documentOrder []string
	invoices      map[string]domain.Invoice
	invoiceOrder  []string
	outbox        map[string]domain.OutboxEvent
	outboxOrder   []string
	outboxKeys    map[string]string
}

func newState() *state {
	return &state{
		organizations: make(map[string]domain.Organization),
		products:      make(map[string]domain.Product),
		warehouses:    make(map[string]domain.Warehouse),
		stocks:        make(map[stockKey]domain.Stock),
		documents:     make(map[string]domain.Document),
		invoices:      make(map[string]domain.Invoice),
		outbox:        make(map[string]domain.OutboxEvent),
		outboxKeys:    make(map[string]string),
	}
}

// Option настраивает in-memory Store.
type Option func(*Store)

// WithMaxWait задаёт максимальное ожидание начала транзакции.
func WithMaxWait(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxWait = d
		}
	}
}

// WithTxTimeout задаёт общий лимит времени транзакции.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Store - in-memory реализация TxManager и OutboxStore для локальной разработки и тестов.
// Транзакции сериализуются одной блокировкой и пишут прямо в состояние, запоминая
// обратные операции; rollback проигрывает их в обратном порядке. Цена транзакции
// пропорциональна числу её записей, а не размеру хранилища.
type Store struct {
	lock    chan struct{}
	st      *state
	maxWait time.Duration
	timeout time.Duration
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore(opts ...Option) *Store {
	s := &Store{
		lock:    make(chan struct{}, 1),
		st:      newState(),
		maxWait: defaultMaxWait,
		timeout: defaultTxTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithinTx выполняет fn атомарно.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	txCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx := &memTx{st: s.st}
	committed := false
	// Откат и при панике внутри fn.
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(txCtx, tx); err != nil {
		return err
	}
	if err := txCtx.Err(); err != nil {
		return fmt.Errorf("%w: transaction exceeded %s: %v", domain.ErrRetryable, s.timeout, err)
	}
	committed = true
	return nil
}

func (s *Store) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.maxWait)
	defer timer.Stop()

	select {
	case s.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: lock wait exceeded %s", domain.ErrRetryable, s.maxWait)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrRetryable, ctx.Err())
	}
}

func (s *Store) release() {
	<-s.lock
}

var _ domain.TxManager = (*Store)(nil)
