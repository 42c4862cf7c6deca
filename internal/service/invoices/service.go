// Package invoices выставляет счета по утверждённым заказам: не больше одного на заказ.
package invoices

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/metrics"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/sequence"
)

// Service выставляет счета.
type Service struct {
	txm     domain.TxManager
	logger  *log.Entry
	metrics *metrics.LedgerMetrics
	now     func() time.Time
}

// NewService создаёт сервис счетов. metrics может быть nil.
func NewService(txm domain.TxManager, m *metrics.LedgerMetrics, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "invoices")
	}
	return &Service{txm: txm, logger: logger, metrics: m, now: time.Now}
}

// CreateInvoice выставляет счёт по заказу. Заказ блокируется на время транзакции,
// поэтому проверка "счёта ещё нет" и вставка не разделены гонкой.
func (s *Service) CreateInvoice(ctx context.Context, organizationID, orderID, userID string) (domain.Invoice, error) {
	var invoice domain.Invoice
	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.LockDocument(ctx, domain.DocumentOrder, orderID)
		if err != nil {
			return err
		}
		if order.OrganizationID != organizationID {
			return fmt.Errorf("%w: order %s", domain.ErrOrganizationMismatch, orderID)
		}
		if order.Status != domain.StatusApproved {
			return &domain.InvalidStatusTransitionError{Current: order.Status, Target: domain.StatusInvoiced}
		}

		existing, err := tx.CountInvoicesByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: order %s", domain.ErrDuplicateInvoice, order.Number)
		}

		now := s.now().UTC()
		number, err := sequence.Next(ctx, tx, domain.SeriesInvoice, now)
		if err != nil {
			return err
		}
		invoice = domain.Invoice{
			ID:             uuid.NewString(),
			OrganizationID: order.OrganizationID,
			OrderID:        order.ID,
			Number:         number,
			Total:          order.Total,
			CreatedBy:      userID,
			CreatedAt:      now,
		}
		return tx.InsertInvoice(ctx, invoice)
	})
	if err != nil {
		return domain.Invoice{}, err
	}

	s.metrics.RecordInvoiceCreated()
	s.logger.WithFields(log.Fields{
		"invoice_id": invoice.ID,
		"order_id":   orderID,
		"number":     invoice.Number,
	}).Info("invoice created")
	return invoice, nil
}

// ListByOrder возвращает счета заказа организации.
func (s *Service) ListByOrder(ctx context.Context, organizationID, orderID string) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		order, err := tx.GetDocument(ctx, domain.DocumentOrder, orderID)
		if err != nil {
			return err
		}
		if order.OrganizationID != organizationID {
			return fmt.Errorf("%w: order %s", domain.ErrOrganizationMismatch, orderID)
		}
		invoices, err = tx.ListInvoicesByOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return invoices, nil
}
