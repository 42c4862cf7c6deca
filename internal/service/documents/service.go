// Package documents реализует жизненный цикл заказов и продаж:
// DRAFT -> APPROVED -> CANCELLED. Утверждение списывает позиции со склада,
// отмена возвращает их, оба перехода пишут события в outbox той же транзакцией.
package documents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/metrics"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/ledger"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/outbox"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/sequence"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// NewLineItem - позиция создаваемого документа.
// UnitPrice == nil означает цену из карточки товара.
type NewLineItem struct {
	ProductID string
	Quantity  int64
	UnitPrice *decimal.Decimal
}

// NewDocument - входные данные для создания черновика.
type NewDocument struct {
	Kind           domain.DocumentKind
	OrganizationID string
	WarehouseID    string
	Items          []NewLineItem
	UserID         string
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics подключает метрики переходов.
func WithMetrics(m *metrics.LedgerMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service управляет заказами и продажами.
type Service struct {
	txm     domain.TxManager
	ledger  *ledger.Service
	logger  *log.Entry
	metrics *metrics.LedgerMetrics
	now     func() time.Time
}

// NewService создаёт сервис документов.
func NewService(txm domain.TxManager, stock *ledger.Service, logger *log.Entry, opts ...Option) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "documents")
	}
	s := &Service{
		txm:    txm,
		ledger: stock,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create сохраняет черновик с номером из серии вида документа. Склад не затрагивается.
func (s *Service) Create(ctx context.Context, in NewDocument) (domain.Document, error) {
	if err := validateNew(in); err != nil {
		return domain.Document{}, err
	}

	now := s.now().UTC()
	doc := domain.Document{
		ID:             uuid.NewString(),
		Kind:           in.Kind,
		OrganizationID: in.OrganizationID,
		WarehouseID:    strings.TrimSpace(in.WarehouseID),
		Status:         domain.StatusDraft,
		Total:          decimal.Zero,
		Items:          make([]domain.LineItem, 0, len(in.Items)),
		CreatedBy:      in.UserID,
		CreatedAt:      now,
	}

	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if doc.WarehouseID != "" {
			warehouse, err := tx.GetWarehouse(ctx, doc.WarehouseID)
			if err != nil {
				return err
			}
			if warehouse.OrganizationID != doc.OrganizationID {
				return fmt.Errorf("%w: warehouse %s", domain.ErrOrganizationMismatch, warehouse.ID)
			}
			if !warehouse.Active {
				return domain.NotFoundf("warehouse %s", warehouse.ID)
			}
		}

		for _, item := range in.Items {
			product, err := tx.GetProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}
			if product.OrganizationID != doc.OrganizationID {
				return fmt.Errorf("%w: product %s", domain.ErrOrganizationMismatch, product.ID)
			}
			if product.IsDeleted() {
				return domain.NotFoundf("product %s", product.ID)
			}

			price := product.Price
			if item.UnitPrice != nil {
				price = *item.UnitPrice
			}
			line := domain.LineItem{
				ID:        uuid.NewString(),
				ProductID: product.ID,
				Quantity:  item.Quantity,
				UnitPrice: price,
				LineTotal: price.Mul(decimal.NewFromInt(item.Quantity)),
			}
			doc.Items = append(doc.Items, line)
			doc.Total = doc.Total.Add(line.LineTotal)
		}

		number, err := sequence.Next(ctx, tx, doc.Kind.Series(), now)
		if err != nil {
			return err
		}
		doc.Number = number
		return tx.InsertDocument(ctx, doc)
	})
	if err != nil {
		return domain.Document{}, err
	}

	s.logger.WithFields(log.Fields{
		"document_id": doc.ID,
		"kind":        doc.Kind,
		"number":      doc.Number,
		"total":       doc.Total.StringFixed(2),
	}).Info("document created")
	return doc, nil
}

// Approve переводит черновик в APPROVED. Для документа со складом позиции
// списываются в порядке их следования; нехватка любой откатывает всё.
func (s *Service) Approve(ctx context.Context, kind domain.DocumentKind, organizationID, documentID, userID string) (domain.Document, error) {
	var doc domain.Document
	err := s.transition(ctx, kind, organizationID, documentID, domain.StatusApproved, func(ctx context.Context, tx domain.Tx, locked *domain.Document) error {
		if locked.TouchesStock() {
			if err := s.ledger.ReserveStock(ctx, tx, ledger.ReserveParams{
				OrganizationID: locked.OrganizationID,
				WarehouseID:    locked.WarehouseID,
				Items:          ledgerItems(locked.Items),
				ReferenceType:  locked.Kind.ReferenceType(),
				Reference:      locked.Number,
				UserID:         userID,
			}); err != nil {
				return err
			}
		}

		eventType := domain.EventOrderApproved
		if locked.Kind == domain.DocumentSale {
			eventType = domain.EventSaleApproved
		}
		if _, err := outbox.Publish(ctx, tx, eventType, domain.DocumentApprovedPayload{
			DocumentID:     locked.ID,
			OrganizationID: locked.OrganizationID,
			Number:         locked.Number,
			WarehouseID:    locked.WarehouseID,
			Total:          locked.Total.StringFixed(2),
			UserID:         userID,
		}, outbox.WithIdempotencyKey(eventKey(eventType, locked.ID))); err != nil {
			return err
		}
		doc = *locked
		return nil
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Cancel переводит утверждённый документ в CANCELLED и возвращает позиции на склад.
func (s *Service) Cancel(ctx context.Context, kind domain.DocumentKind, organizationID, documentID, userID string) (domain.Document, error) {
	var doc domain.Document
	err := s.transition(ctx, kind, organizationID, documentID, domain.StatusCancelled, func(ctx context.Context, tx domain.Tx, locked *domain.Document) error {
		if locked.TouchesStock() {
			if err := s.ledger.ReturnStock(ctx, tx, ledger.ReturnParams{
				OrganizationID: locked.OrganizationID,
				WarehouseID:    locked.WarehouseID,
				Items:          ledgerItems(locked.Items),
				ReferenceType:  locked.Kind.ReferenceType(),
				Reference:      locked.Number,
				UserID:         userID,
			}); err != nil {
				return err
			}
		}

		if locked.Kind == domain.DocumentSale {
			if _, err := outbox.Publish(ctx, tx, domain.EventSaleCancelled, domain.SaleCancelledPayload{
				DocumentID:     locked.ID,
				OrganizationID: locked.OrganizationID,
				Number:         locked.Number,
				WarehouseID:    locked.WarehouseID,
				UserID:         userID,
			}, outbox.WithIdempotencyKey(eventKey(domain.EventSaleCancelled, locked.ID))); err != nil {
				return err
			}
		}
		doc = *locked
		return nil
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// GetByID возвращает документ организации вместе с позициями.
func (s *Service) GetByID(ctx context.Context, kind domain.DocumentKind, organizationID, documentID string) (domain.Document, error) {
	if !kind.Valid() {
		return domain.Document{}, domain.Validationf("unknown document kind %q", kind)
	}

	var doc domain.Document
	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		doc, err = tx.GetDocument(ctx, kind, documentID)
		if err != nil {
			return err
		}
		return checkOwner(doc, organizationID)
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// List возвращает документы организации, новые первыми.
func (s *Service) List(ctx context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	if !filter.Kind.Valid() {
		return nil, domain.Validationf("unknown document kind %q", filter.Kind)
	}
	if strings.TrimSpace(filter.OrganizationID) == "" {
		return nil, domain.Validationf("organization_id is required")
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}

	var docs []domain.Document
	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		docs, err = tx.ListDocuments(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

type transitionHook func(ctx context.Context, tx domain.Tx, locked *domain.Document) error

// transition блокирует заголовок, проверяет владельца и допустимость перехода,
// выполняет hook и сохраняет новый статус. Всё в одной транзакции.
func (s *Service) transition(ctx context.Context, kind domain.DocumentKind, organizationID, documentID string, target domain.DocumentStatus, hook transitionHook) error {
	if !kind.Valid() {
		return domain.Validationf("unknown document kind %q", kind)
	}

	logger := s.logger.WithFields(log.Fields{
		"document_id": documentID,
		"kind":        kind,
		"target":      target,
	})

	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		doc, err := tx.LockDocument(ctx, kind, documentID)
		if err != nil {
			return err
		}
		if err := checkOwner(doc, organizationID); err != nil {
			return err
		}
		if err := doc.Transition(target, s.now().UTC()); err != nil {
			return err
		}
		if err := hook(ctx, tx, &doc); err != nil {
			return err
		}
		return tx.UpdateDocumentStatus(ctx, doc)
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			logger.WithError(err).Error("document transition failed")
		} else {
			logger.WithError(err).Debug("document transition rejected")
		}
		return err
	}

	s.metrics.RecordTransition(string(kind), string(target))
	logger.Info("document transitioned")
	return nil
}

func checkOwner(doc domain.Document, organizationID string) error {
	if doc.OrganizationID != organizationID {
		return fmt.Errorf("%w: %s %s", domain.ErrOrganizationMismatch, strings.ToLower(string(doc.Kind)), doc.ID)
	}
	return nil
}

func ledgerItems(items []domain.LineItem) []ledger.Item {
	result := make([]ledger.Item, 0, len(items))
	for _, item := range items {
		result = append(result, ledger.Item{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return result
}

func eventKey(eventType domain.EventType, documentID string) string {
	return strings.ToLower(string(eventType)) + ":" + documentID
}

func validateNew(in NewDocument) error {
	if !in.Kind.Valid() {
		return domain.Validationf("unknown document kind %q", in.Kind)
	}
	if strings.TrimSpace(in.OrganizationID) == "" {
		return domain.Validationf("organization_id is required")
	}
	if in.Kind == domain.DocumentSale && strings.TrimSpace(in.WarehouseID) == "" {
		return domain.Validationf("warehouse_id is required for a sale")
	}
	if len(in.Items) == 0 {
		return domain.Validationf("at least one line item is required")
	}
	for i, item := range in.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return domain.Validationf("item %d: product_id is required", i)
		}
		if item.Quantity <= 0 {
			return domain.Validationf("item %d: quantity must be positive, got %d", i, item.Quantity)
		}
		if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
			return domain.Validationf("item %d: unit price must be non-negative", i)
		}
	}
	return nil
}
