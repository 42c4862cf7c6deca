// Package catalog ведёт справочники организации: товары и склады.
// Создание товара или склада сразу заводит нулевые остатки для всех активных пар.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/erp-ledger/internal/domain"
	"github.com/vladislavdragonenkov/erp-ledger/internal/service/outbox"
)

// NewProduct - входные данные для создания товара.
type NewProduct struct {
	OrganizationID string `validate:"required"`
	SKU            string `validate:"required,max=64"`
	Name           string `validate:"required,max=255"`
	Unit           string `validate:"omitempty,max=16"`
	Price          decimal.Decimal
}

// NewWarehouse - входные данные для создания склада.
type NewWarehouse struct {
	OrganizationID string `validate:"required"`
	Code           string `validate:"required,max=32"`
	Name           string `validate:"required,max=255"`
}

// NewUser - пользователь, заведённый внешним слоем идентификации.
type NewUser struct {
	OrganizationID string `validate:"required"`
	Email          string `validate:"required,email,max=254"`
}

// Service управляет справочниками.
type Service struct {
	txm    domain.TxManager
	logger *log.Entry
	now    func() time.Time
}

// NewService создаёт сервис справочников.
func NewService(txm domain.TxManager, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "catalog")
	}
	return &Service{txm: txm, logger: logger, now: time.Now}
}

// CreateOrganization заводит организацию.
func (s *Service) CreateOrganization(ctx context.Context, name string) (domain.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Organization{}, domain.Validationf("organization name is required")
	}

	org := domain.Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.InsertOrganization(ctx, org)
	}); err != nil {
		return domain.Organization{}, err
	}

	s.logger.WithField("organization_id", org.ID).Info("organization created")
	return org, nil
}

// CreateProduct заводит товар и нулевые остатки на всех активных складах организации.
func (s *Service) CreateProduct(ctx context.Context, in NewProduct) (domain.Product, error) {
	in.OrganizationID = strings.TrimSpace(in.OrganizationID)
	in.SKU = strings.TrimSpace(in.SKU)
	in.Name = strings.TrimSpace(in.Name)
	in.Unit = strings.TrimSpace(in.Unit)
	if err := validateInput(in); err != nil {
		return domain.Product{}, err
	}
	if in.Unit == "" {
		in.Unit = "pcs"
	}
	product := domain.Product{
		ID:             uuid.NewString(),
		OrganizationID: in.OrganizationID,
		SKU:            in.SKU,
		Name:           in.Name,
		Unit:           in.Unit,
		Price:          in.Price,
		CreatedAt:      s.now().UTC(),
	}
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}

	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := lockActiveOrganization(ctx, tx, product.OrganizationID); err != nil {
			return err
		}
		if err := tx.InsertProduct(ctx, product); err != nil {
			return err
		}
		warehouses, err := tx.ListActiveWarehouses(ctx, product.OrganizationID)
		if err != nil {
			return err
		}
		for _, w := range warehouses {
			if err := s.ensureStock(ctx, tx, product.OrganizationID, product.ID, w.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logger.WithFields(log.Fields{
		"organization_id": product.OrganizationID,
		"product_id":      product.ID,
		"sku":             product.SKU,
	}).Info("product created")
	return product, nil
}

// CreateWarehouse заводит склад и нулевые остатки для всех действующих товаров.
func (s *Service) CreateWarehouse(ctx context.Context, in NewWarehouse) (domain.Warehouse, error) {
	in.OrganizationID = strings.TrimSpace(in.OrganizationID)
	in.Code = strings.TrimSpace(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	if err := validateInput(in); err != nil {
		return domain.Warehouse{}, err
	}
	warehouse := domain.Warehouse{
		ID:             uuid.NewString(),
		OrganizationID: in.OrganizationID,
		Code:           in.Code,
		Name:           in.Name,
		Active:         true,
		CreatedAt:      s.now().UTC(),
	}
	if err := warehouse.Validate(); err != nil {
		return domain.Warehouse{}, err
	}

	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := lockActiveOrganization(ctx, tx, warehouse.OrganizationID); err != nil {
			return err
		}
		if err := tx.InsertWarehouse(ctx, warehouse); err != nil {
			return err
		}
		products, err := tx.ListActiveProducts(ctx, warehouse.OrganizationID)
		if err != nil {
			return err
		}
		for _, p := range products {
			if err := s.ensureStock(ctx, tx, warehouse.OrganizationID, p.ID, warehouse.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Warehouse{}, err
	}

	s.logger.WithFields(log.Fields{
		"organization_id": warehouse.OrganizationID,
		"warehouse_id":    warehouse.ID,
		"code":            warehouse.Code,
	}).Info("warehouse created")
	return warehouse, nil
}

// DeleteProduct помечает товар удалённым. Остатки и журнал сохраняются.
func (s *Service) DeleteProduct(ctx context.Context, organizationID, productID string) error {
	return s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		product, err := tx.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		if product.OrganizationID != organizationID {
			return fmt.Errorf("%w: product %s", domain.ErrOrganizationMismatch, productID)
		}
		if product.IsDeleted() {
			return domain.NotFoundf("product %s", productID)
		}
		deletedAt := s.now().UTC()
		product.DeletedAt = &deletedAt
		return tx.UpdateProduct(ctx, product)
	})
}

// SetMinQuantity задаёт порог LOW_STOCK для пары (товар, склад).
func (s *Service) SetMinQuantity(ctx context.Context, organizationID, productID, warehouseID string, minQuantity int64) (domain.Stock, error) {
	if minQuantity < 0 {
		return domain.Stock{}, domain.Validationf("min quantity must be non-negative, got %d", minQuantity)
	}

	var stock domain.Stock
	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		warehouse, err := tx.GetWarehouse(ctx, warehouseID)
		if err != nil {
			return err
		}
		if product.OrganizationID != organizationID || warehouse.OrganizationID != organizationID {
			return fmt.Errorf("%w: stock %s/%s", domain.ErrOrganizationMismatch, productID, warehouseID)
		}
		if product.IsDeleted() {
			return domain.NotFoundf("product %s", productID)
		}
		if err := s.ensureStock(ctx, tx, organizationID, productID, warehouseID); err != nil {
			return err
		}
		stock, err = tx.LockStock(ctx, productID, warehouseID)
		if err != nil {
			return err
		}
		stock.MinQuantity = minQuantity
		stock.UpdatedAt = s.now().UTC()
		return tx.UpdateStock(ctx, stock)
	})
	if err != nil {
		return domain.Stock{}, err
	}
	return stock, nil
}

// ListProducts возвращает действующие товары организации.
func (s *Service) ListProducts(ctx context.Context, organizationID string) ([]domain.Product, error) {
	var products []domain.Product
	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		products, err = tx.ListActiveProducts(ctx, organizationID)
		return err
	})
	return products, err
}

// ListWarehouses возвращает активные склады организации.
func (s *Service) ListWarehouses(ctx context.Context, organizationID string) ([]domain.Warehouse, error) {
	var warehouses []domain.Warehouse
	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		warehouses, err = tx.ListActiveWarehouses(ctx, organizationID)
		return err
	})
	return warehouses, err
}

// RegisterUser публикует USER_CREATED для пользователя, заведённого слоем идентификации.
// Повторная регистрация того же адреса в организации событие не дублирует.
func (s *Service) RegisterUser(ctx context.Context, in NewUser) (string, error) {
	in.OrganizationID = strings.TrimSpace(in.OrganizationID)
	in.Email = strings.TrimSpace(in.Email)
	if err := validateInput(in); err != nil {
		return "", err
	}
	email := strings.ToLower(in.Email)
	userID := uuid.NewString()

	err := s.txm.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := requireActiveOrganization(ctx, tx, in.OrganizationID); err != nil {
			return err
		}
		_, err := outbox.Publish(ctx, tx, domain.EventUserCreated, domain.UserCreatedPayload{
			UserID:         userID,
			OrganizationID: in.OrganizationID,
			Email:          email,
		}, outbox.WithIdempotencyKey(fmt.Sprintf("user_created:%s:%s", in.OrganizationID, email)))
		return err
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *Service) ensureStock(ctx context.Context, tx domain.StockTx, organizationID, productID, warehouseID string) error {
	return tx.EnsureStock(ctx, domain.Stock{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		ProductID:      productID,
		WarehouseID:    warehouseID,
		UpdatedAt:      s.now().UTC(),
	})
}

func requireActiveOrganization(ctx context.Context, tx domain.CatalogTx, organizationID string) error {
	org, err := tx.GetOrganization(ctx, organizationID)
	if err != nil {
		return err
	}
	return checkActive(org)
}

// lockActiveOrganization сериализует изменение набора товаров и складов организации.
func lockActiveOrganization(ctx context.Context, tx domain.CatalogTx, organizationID string) error {
	org, err := tx.LockOrganization(ctx, organizationID)
	if err != nil {
		return err
	}
	return checkActive(org)
}

func checkActive(org domain.Organization) error {
	if !org.Active {
		return domain.NotFoundf("organization %s", org.ID)
	}
	return nil
}
