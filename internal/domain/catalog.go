package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Organization - граница арендатора; все строки принадлежат ровно одной организации.
type Organization struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// Product - товар организации, уникальный по паре (organization_id, sku).
type Product struct {
	ID             string
	OrganizationID string
	SKU            string
	Name           string
	Unit           string
	Price          decimal.Decimal
	CreatedAt      time.Time
	// DeletedAt != nil означает soft delete: товар скрыт, история сохраняется.
	DeletedAt *time.Time
}

// IsDeleted сообщает, удалён ли товар.
func (p Product) IsDeleted() bool {
	return p.DeletedAt != nil
}

// Validate проверяет обязательные поля товара.
func (p Product) Validate() error {
	if strings.TrimSpace(p.OrganizationID) == "" {
		return Validationf("organization_id is required")
	}
	if strings.TrimSpace(p.SKU) == "" {
		return Validationf("sku is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return Validationf("product name is required")
	}
	if p.Price.IsNegative() {
		return Validationf("product price must be non-negative")
	}
	return nil
}

// Warehouse - склад организации, уникальный по паре (organization_id, code).
type Warehouse struct {
	ID             string
	OrganizationID string
	Code           string
	Name           string
	Active         bool
	CreatedAt      time.Time
}

// Validate проверяет обязательные поля склада.
func (w Warehouse) Validate() error {
	if strings.TrimSpace(w.OrganizationID) == "" {
		return Validationf("organization_id is required")
	}
	if strings.TrimSpace(w.Code) == "" {
		return Validationf("warehouse code is required")
	}
	if strings.TrimSpace(w.Name) == "" {
		return Validationf("warehouse name is required")
	}
	return nil
}

// Role - роль пользователя внутри организации.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleViewer  Role = "viewer"
)

// Actor - аутентифицированный вызывающий, передаётся внешним слоем.
type Actor struct {
	UserID         string
	OrganizationID string
	Role           Role
}

// CanMutate сообщает, может ли роль менять данные.
func (a Actor) CanMutate() bool {
	return a.Role == RoleAdmin || a.Role == RoleManager
}
