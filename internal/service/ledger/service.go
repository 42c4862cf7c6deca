// Package ledger ведёт складской журнал: каждое изменение остатка сначала
// пишется движением, затем меняется денормализованный баланс, в одной транзакции.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/metrics"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/outbox"
)

const (
	defaultMovementsLimit = 100
	maxMovementsLimit     = 1000
)

// StockChange описывает приход или списание по одной паре (товар, склад).
type StockChange struct {
	OrganizationID string
	ProductID      string
	WarehouseID    string
	Quantity       int64
	ReferenceType  domain.ReferenceType
	Reference      string
	Note           string
	UserID         string
}

// StockAdjustment устанавливает абсолютный остаток по итогам инвентаризации.
type StockAdjustment struct {
	OrganizationID string
	ProductID      string
	WarehouseID    string
	NewQuantity    int64
	Reason         string
	UserID         string
}

// MutationResult - остаток после операции и записанное движение.
// Movement == nil, если корректировка ничего не изменила.
type MutationResult struct {
	Stock    domain.Stock
	Movement *domain.StockMovement
}

// Item - позиция резервирования или возврата.
type Item struct {
	ProductID string
	Quantity  int64
}

// ReserveParams описывает списание позиций документа внутри чужой транзакции.
type ReserveParams struct {
	OrganizationID string
	WarehouseID    string
	Items          []Item
	ReferenceType  domain.ReferenceType
	Reference      string
	UserID         string
}

// ReturnParams описывает возврат позиций документа на склад.
type ReturnParams ReserveParams

// StockLevel - остаток пары вместе с признаком низкого уровня.
type StockLevel struct {
	domain.Stock
	SKU   string
	IsLow bool
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics подключает метрики журнала.
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

// Service реализует операции складского журнала.
type Service struct {
	txm     domain.TxManager
	logger  *log.Entry
	metrics *metrics.LedgerMetrics
	now     func() time.Time
}

// NewService создаёт сервис журнала поверх менеджера транзакций.
func NewService(txm domain.TxManager, logger *log.Entry, opts ...Option) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "ledger")
	}
	s := &Service{
		txm:    txm,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IncreaseStock оприходует товар. Отсутствующая строка остатка создаётся с нуля.
func (s *Service) IncreaseStock(ctx context.Context, change StockChange) (result MutationResult, err error) {
	defer s.observe("increase_stock", time.Now(), &err)

	if err := validateChange(change); err != nil {
		return MutationResult{}, err
	}

	err = s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		product, _, err := loadPair(ctx, tx, change.OrganizationID, change.ProductID, change.WarehouseID, false)
		if err != nil {
			return err
		}
		result, err = s.increment(ctx, tx, product, change.WarehouseID, change.Quantity, movementRef{
			referenceType: change.ReferenceType,
			reference:     change.Reference,
			note:          change.Note,
			userID:        change.UserID,
		})
		return err
	})
	if err != nil {
		return MutationResult{}, err
	}

	s.metrics.RecordMovement(string(domain.MovementIn))
	return result, nil
}

// DecreaseStock списывает товар; строка остатка должна существовать.
func (s *Service) DecreaseStock(ctx context.Context, change StockChange) (result MutationResult, err error) {
	defer s.observe("decrease_stock", time.Now(), &err)

	if err := validateChange(change); err != nil {
		return MutationResult{}, err
	}

	err = s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		product, _, err := loadPair(ctx, tx, change.OrganizationID, change.ProductID, change.WarehouseID, false)
		if err != nil {
			return err
		}
		result, err = s.decrement(ctx, tx, product, change.WarehouseID, change.Quantity, movementRef{
			referenceType: change.ReferenceType,
			reference:     change.Reference,
			note:          change.Note,
			userID:        change.UserID,
		})
		return err
	})
	if err != nil {
		return MutationResult{}, err
	}

	s.metrics.RecordMovement(string(domain.MovementOut))
	return result, nil
}

// AdjustStock приводит остаток к NewQuantity одним движением ADJUSTMENT.
// Нулевая разница ничего не пишет.
func (s *Service) AdjustStock(ctx context.Context, adj StockAdjustment) (result MutationResult, err error) {
	defer s.observe("adjust_stock", time.Now(), &err)

	if err := requireIDs(adj.OrganizationID, adj.ProductID, adj.WarehouseID); err != nil {
		return MutationResult{}, err
	}
	if adj.NewQuantity < 0 {
		return MutationResult{}, domain.Validationf("new quantity must be non-negative, got %d", adj.NewQuantity)
	}

	err = s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		product, _, err := loadPair(ctx, tx, adj.OrganizationID, adj.ProductID, adj.WarehouseID, false)
		if err != nil {
			return err
		}
		stock, err := s.lockOrCreate(ctx, tx, product, adj.WarehouseID)
		if err != nil {
			return err
		}

		delta := adj.NewQuantity - stock.Quantity
		if delta == 0 {
			result = MutationResult{Stock: stock}
			return nil
		}

		note := fmt.Sprintf("adjusted from %d to %d", stock.Quantity, adj.NewQuantity)
		if reason := strings.TrimSpace(adj.Reason); reason != "" {
			note += ": " + reason
		}
		movement := s.newMovement(product, adj.WarehouseID, domain.MovementAdjustment, delta, movementRef{
			referenceType: domain.ReferenceManual,
			note:          note,
			userID:        adj.UserID,
		})
		result, err = s.apply(ctx, tx, stock, movement)
		if err != nil {
			return err
		}
		return s.checkLowStock(ctx, tx, product, result.Stock)
	})
	if err != nil {
		return MutationResult{}, err
	}

	if result.Movement != nil {
		s.metrics.RecordMovement(string(domain.MovementAdjustment))
	}
	return result, nil
}

// ReserveStock списывает позиции в транзакции вызывающего в порядке Items.
// Первая ошибка прерывает всю операцию; откат выполняет владелец транзакции.
func (s *Service) ReserveStock(ctx context.Context, tx domain.Tx, params ReserveParams) error {
	if err := validateBatch(params.OrganizationID, params.WarehouseID, params.Items); err != nil {
		return err
	}
	ref := movementRef{
		referenceType: params.ReferenceType,
		reference:     params.Reference,
		userID:        params.UserID,
	}
	for _, item := range params.Items {
		product, _, err := loadPair(ctx, tx, params.OrganizationID, item.ProductID, params.WarehouseID, false)
		if err != nil {
			return err
		}
		if _, err := s.decrement(ctx, tx, product, params.WarehouseID, item.Quantity, ref); err != nil {
			return err
		}
		s.metrics.RecordMovement(string(domain.MovementOut))
	}
	return nil
}

// ReturnStock возвращает позиции на склад. Удалённые товары допускаются:
// отмена документа не должна зависеть от состояния справочника.
func (s *Service) ReturnStock(ctx context.Context, tx domain.Tx, params ReturnParams) error {
	if err := validateBatch(params.OrganizationID, params.WarehouseID, params.Items); err != nil {
		return err
	}
	ref := movementRef{
		referenceType: params.ReferenceType,
		reference:     params.Reference,
		userID:        params.UserID,
	}
	for _, item := range params.Items {
		product, _, err := loadPair(ctx, tx, params.OrganizationID, item.ProductID, params.WarehouseID, true)
		if err != nil {
			return err
		}
		if _, err := s.increment(ctx, tx, product, params.WarehouseID, item.Quantity, ref); err != nil {
			return err
		}
		s.metrics.RecordMovement(string(domain.MovementIn))
	}
	return nil
}

// GetStockLevel возвращает текущий остаток пары.
func (s *Service) GetStockLevel(ctx context.Context, organizationID, productID, warehouseID string) (StockLevel, error) {
	if err := requireIDs(organizationID, productID, warehouseID); err != nil {
		return StockLevel{}, err
	}

	var level StockLevel
	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		product, _, err := loadPair(ctx, tx, organizationID, productID, warehouseID, false)
		if err != nil {
			return err
		}
		stock, err := tx.GetStock(ctx, productID, warehouseID)
		if err != nil {
			return err
		}
		level = StockLevel{Stock: stock, SKU: product.SKU, IsLow: stock.IsLow()}
		return nil
	})
	if err != nil {
		return StockLevel{}, err
	}
	return level, nil
}

// ListMovements возвращает движения организации в порядке записи.
func (s *Service) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	if strings.TrimSpace(filter.OrganizationID) == "" {
		return nil, domain.Validationf("organization_id is required")
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultMovementsLimit
	case filter.Limit > maxMovementsLimit:
		filter.Limit = maxMovementsLimit
	}

	var movements []domain.StockMovement
	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if filter.ProductID != "" {
			product, err := tx.GetProduct(ctx, filter.ProductID)
			if err != nil {
				return err
			}
			if err := sameOrganization(filter.OrganizationID, product.OrganizationID, "product", product.ID); err != nil {
				return err
			}
		}
		if filter.WarehouseID != "" {
			warehouse, err := tx.GetWarehouse(ctx, filter.WarehouseID)
			if err != nil {
				return err
			}
			if err := sameOrganization(filter.OrganizationID, warehouse.OrganizationID, "warehouse", warehouse.ID); err != nil {
				return err
			}
		}
		var err error
		movements, err = tx.ListMovements(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movements, nil
}

// Reconcile сверяет остаток пары с суммой движений журнала.
func (s *Service) Reconcile(ctx context.Context, organizationID, productID, warehouseID string) (domain.Reconciliation, error) {
	if err := requireIDs(organizationID, productID, warehouseID); err != nil {
		return domain.Reconciliation{}, err
	}

	rec := domain.Reconciliation{ProductID: productID, WarehouseID: warehouseID}
	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if _, _, err := loadPair(ctx, tx, organizationID, productID, warehouseID, true); err != nil {
			return err
		}
		stock, err := tx.GetStock(ctx, productID, warehouseID)
		if err != nil {
			return err
		}
		sum, err := tx.SumMovements(ctx, productID, warehouseID)
		if err != nil {
			return err
		}
		rec.Balance = stock.Quantity
		rec.MovementSum = sum
		return nil
	})
	if err != nil {
		return domain.Reconciliation{}, err
	}

	if drift := rec.Drift(); drift != 0 {
		s.logger.WithFields(log.Fields{
			"product_id":   productID,
			"warehouse_id": warehouseID,
			"balance":      rec.Balance,
			"movement_sum": rec.MovementSum,
		}).Error("stock balance drifted from ledger")
	}
	return rec, nil
}

type movementRef struct {
	referenceType domain.ReferenceType
	reference     string
	note          string
	userID        string
}

func (s *Service) increment(ctx context.Context, tx domain.Tx, product domain.Product, warehouseID string, qty int64, ref movementRef) (MutationResult, error) {
	stock, err := s.lockOrCreate(ctx, tx, product, warehouseID)
	if err != nil {
		return MutationResult{}, err
	}
	return s.apply(ctx, tx, stock, s.newMovement(product, warehouseID, domain.MovementIn, qty, ref))
}

func (s *Service) decrement(ctx context.Context, tx domain.Tx, product domain.Product, warehouseID string, qty int64, ref movementRef) (MutationResult, error) {
	stock, err := tx.LockStock(ctx, product.ID, warehouseID)
	if err != nil {
		return MutationResult{}, err
	}
	if stock.Quantity < qty {
		s.metrics.RecordInsufficientStock()
		return MutationResult{}, &domain.InsufficientStockError{
			SKU:       product.SKU,
			Available: stock.Quantity,
			Requested: qty,
		}
	}

	result, err := s.apply(ctx, tx, stock, s.newMovement(product, warehouseID, domain.MovementOut, -qty, ref))
	if err != nil {
		return MutationResult{}, err
	}
	if err := s.checkLowStock(ctx, tx, product, result.Stock); err != nil {
		return MutationResult{}, err
	}
	return result, nil
}

func (s *Service) lockOrCreate(ctx context.Context, tx domain.Tx, product domain.Product, warehouseID string) (domain.Stock, error) {
	if err := tx.EnsureStock(ctx, domain.Stock{
		ID:             uuid.NewString(),
		OrganizationID: product.OrganizationID,
		ProductID:      product.ID,
		WarehouseID:    warehouseID,
		UpdatedAt:      s.now().UTC(),
	}); err != nil {
		return domain.Stock{}, err
	}
	return tx.LockStock(ctx, product.ID, warehouseID)
}

// apply пишет движение и только после этого меняет баланс.
func (s *Service) apply(ctx context.Context, tx domain.Tx, stock domain.Stock, movement domain.StockMovement) (MutationResult, error) {
	next := stock.Quantity + movement.Delta
	if next < 0 {
		return MutationResult{}, &domain.InsufficientStockError{Available: stock.Quantity, Requested: -movement.Delta}
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return MutationResult{}, err
	}

	stock.Quantity = next
	stock.UpdatedAt = movement.CreatedAt
	if err := tx.UpdateStock(ctx, stock); err != nil {
		return MutationResult{}, err
	}
	return MutationResult{Stock: stock, Movement: &movement}, nil
}

func (s *Service) newMovement(product domain.Product, warehouseID string, kind domain.MovementType, delta int64, ref movementRef) domain.StockMovement {
	qty := delta
	if qty < 0 {
		qty = -qty
	}
	refType := ref.referenceType
	if refType == "" {
		refType = domain.ReferenceManual
	}
	return domain.StockMovement{
		ID:             uuid.NewString(),
		OrganizationID: product.OrganizationID,
		ProductID:      product.ID,
		WarehouseID:    warehouseID,
		Type:           kind,
		Quantity:       qty,
		Delta:          delta,
		ReferenceType:  refType,
		Reference:      ref.reference,
		Note:           ref.note,
		CreatedBy:      ref.userID,
		CreatedAt:      s.now().UTC(),
	}
}

// checkLowStock пишет LOW_STOCK не чаще раза в минуту на пару.
func (s *Service) checkLowStock(ctx context.Context, tx domain.Tx, product domain.Product, stock domain.Stock) error {
	if !stock.IsLow() {
		return nil
	}
	now := s.now().UTC()
	inserted, err := outbox.Publish(ctx, tx, domain.EventLowStock, domain.LowStockPayload{
		OrganizationID: stock.OrganizationID,
		ProductID:      stock.ProductID,
		WarehouseID:    stock.WarehouseID,
		SKU:            product.SKU,
		Quantity:       stock.Quantity,
		MinQuantity:    stock.MinQuantity,
	}, outbox.WithIdempotencyKey(domain.LowStockKey(stock.ProductID, stock.WarehouseID, now)), outbox.WithCreatedAt(now))
	if err != nil {
		return err
	}
	if inserted {
		s.metrics.RecordLowStock()
		s.logger.WithFields(log.Fields{
			"sku":          product.SKU,
			"warehouse_id": stock.WarehouseID,
			"quantity":     stock.Quantity,
			"min_quantity": stock.MinQuantity,
		}).Info("low stock event queued")
	}
	return nil
}

func (s *Service) observe(operation string, started time.Time, errp *error) {
	err := *errp
	result := "ok"
	if err != nil {
		result = string(domain.KindOf(err))
	}
	s.metrics.ObserveOperation(operation, result, time.Since(started))

	switch domain.KindOf(err) {
	case "":
	case domain.KindInternal:
		s.logger.WithError(err).WithField("operation", operation).Error("ledger operation failed")
	case domain.KindRetryable:
		s.logger.WithError(err).WithField("operation", operation).Warn("ledger operation aborted, retry")
	default:
		s.logger.WithError(err).WithField("operation", operation).Debug("ledger operation rejected")
	}
}

// loadPair проверяет, что товар и склад существуют и принадлежат организации.
func loadPair(ctx context.Context, tx domain.CatalogTx, organizationID, productID, warehouseID string, allowDeleted bool) (domain.Product, domain.Warehouse, error) {
	product, err := tx.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, domain.Warehouse{}, err
	}
	if err := sameOrganization(organizationID, product.OrganizationID, "product", productID); err != nil {
		return domain.Product{}, domain.Warehouse{}, err
	}
	if product.IsDeleted() && !allowDeleted {
		return domain.Product{}, domain.Warehouse{}, domain.NotFoundf("product %s", productID)
	}

	warehouse, err := tx.GetWarehouse(ctx, warehouseID)
	if err != nil {
		return domain.Product{}, domain.Warehouse{}, err
	}
	if err := sameOrganization(organizationID, warehouse.OrganizationID, "warehouse", warehouseID); err != nil {
		return domain.Product{}, domain.Warehouse{}, err
	}
	if !warehouse.Active && !allowDeleted {
		return domain.Product{}, domain.Warehouse{}, domain.NotFoundf("warehouse %s", warehouseID)
	}
	return product, warehouse, nil
}

func sameOrganization(expected, actual, entity, id string) error {
	if expected != actual {
		return fmt.Errorf("%w: %s %s", domain.ErrOrganizationMismatch, entity, id)
	}
	return nil
}

func requireIDs(organizationID, productID, warehouseID string) error {
	switch {
	case strings.TrimSpace(organizationID) == "":
		return domain.Validationf("organization_id is required")
	case strings.TrimSpace(productID) == "":
		return domain.Validationf("product_id is required")
	case strings.TrimSpace(warehouseID) == "":
		return domain.Validationf("warehouse_id is required")
	}
	return nil
}

func validateChange(change StockChange) error {
	if err := requireIDs(change.OrganizationID, change.ProductID, change.WarehouseID); err != nil {
		return err
	}
	if change.Quantity <= 0 {
		return domain.Validationf("quantity must be positive, got %d", change.Quantity)
	}
	if change.ReferenceType != "" && !change.ReferenceType.Valid() {
		return domain.Validationf("unknown reference type %q", change.ReferenceType)
	}
	return nil
}

func validateBatch(organizationID, warehouseID string, items []Item) error {
	if strings.TrimSpace(organizationID) == "" {
		return domain.Validationf("organization_id is required")
	}
	if strings.TrimSpace(warehouseID) == "" {
		return domain.Validationf("warehouse_id is required")
	}
	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return domain.Validationf("item %d: product_id is required", i)
		}
		if item.Quantity <= 0 {
			return domain.Validationf("item %d: quantity must be positive, got %d", i, item.Quantity)
		}
	}
	return nil
}
