// Package handlers связывает типы outbox-событий с их побочными эффектами.
// Все обработчики идемпотентны: повторная доставка не меняет итоговое состояние.
package handlers

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/outbox"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/retry"
)

// InvoiceCreator выставляет счёт по заказу.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, organizationID, orderID, userID string) (domain.Invoice, error)
}

// Dependencies - внешние зависимости обработчиков.
type Dependencies struct {
	Invoices InvoiceCreator
	// Notifier доставляет события во внешние каналы; nil означает запись в лог.
	Notifier domain.Notifier
	Logger   *log.Entry
}

// Register регистрирует обработчики всех известных типов событий.
func Register(registry *outbox.Registry, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-handlers")
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}

	if deps.Invoices != nil {
		registry.Register(domain.EventOrderApproved, orderApproved(deps.Invoices, notifier, logger))
	} else {
		registry.Register(domain.EventOrderApproved, notify(notifier))
	}
	registry.Register(domain.EventSaleApproved, notify(notifier))
	registry.Register(domain.EventSaleCancelled, notify(notifier))
	registry.Register(domain.EventLowStock, notify(notifier))
	registry.Register(domain.EventUserCreated, notify(notifier))
}

// orderApproved выставляет счёт по утверждённому заказу и оповещает подписчиков.
// Уже выставленный счёт считается успехом.
func orderApproved(invoices InvoiceCreator, notifier domain.Notifier, logger *log.Entry) outbox.Handler {
	return func(ctx context.Context, event domain.OutboxEvent) error {
		var payload domain.DocumentApprovedPayload
		if err := event.Decode(&payload); err != nil {
			return err
		}

		fields := log.Fields{"event_id": event.ID, "order_id": payload.DocumentID}
		var invoice domain.Invoice
		err := retry.Do(ctx, retry.DefaultConfig(), logger, "create_invoice", func(ctx context.Context) error {
			var err error
			invoice, err = invoices.CreateInvoice(ctx, payload.OrganizationID, payload.DocumentID, payload.UserID)
			return err
		})
		switch {
		case err == nil:
			logger.WithFields(fields).WithField("invoice_number", invoice.Number).Info("invoice created from approved order")
		case errors.Is(err, domain.ErrDuplicateInvoice):
			logger.WithFields(fields).Debug("invoice already exists, skipping")
		case errors.Is(err, domain.ErrInvalidStatusTransition):
			// заказ отменён раньше, чем до него дошёл воркер
			logger.WithFields(fields).WithError(err).Warn("order is no longer approved, invoice skipped")
			return nil
		default:
			return err
		}

		return notifier.Notify(ctx, event)
	}
}

func notify(notifier domain.Notifier) outbox.Handler {
	return func(ctx context.Context, event domain.OutboxEvent) error {
		return notifier.Notify(ctx, event)
	}
}
