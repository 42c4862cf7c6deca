package domain

import "time"

// MovementType задаёт направление складского движения.
type MovementType string

const (
	MovementIn         MovementType = "IN"
	MovementOut        MovementType = "OUT"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// ReferenceType описывает источник движения.
type ReferenceType string

const (
	ReferenceSale     ReferenceType = "SALE"
	ReferencePurchase ReferenceType = "PURCHASE"
	ReferenceOrder    ReferenceType = "ORDER"
	ReferenceManual   ReferenceType = "MANUAL"
)

// Valid проверяет, что тип ссылки из закрытого набора.
func (r ReferenceType) Valid() bool {
	switch r {
	case ReferenceSale, ReferencePurchase, ReferenceOrder, ReferenceManual:
		return true
	}
	return false
}

// Stock - денормализованный остаток пары (товар, склад).
// Меняется только через складской журнал.
type Stock struct {
	ID             string
	OrganizationID string
	ProductID      string
	WarehouseID    string
	Quantity       int64
	MinQuantity    int64
	UpdatedAt      time.Time
}

// IsLow сообщает, достигнут ли порог пополнения.
func (s Stock) IsLow() bool {
	return s.MinQuantity > 0 && s.Quantity <= s.MinQuantity
}

// StockMovement - неизменяемая запись журнала.
// Quantity всегда неотрицательна, Delta хранит знак изменения остатка.
type StockMovement struct {
	ID             string
	OrganizationID string
	ProductID      string
	WarehouseID    string
	Type           MovementType
	Quantity       int64
	Delta          int64
	ReferenceType  ReferenceType
	Reference      string
	Note           string
	CreatedBy      string
	CreatedAt      time.Time
}

// Signed возвращает вклад движения в остаток.
func (m StockMovement) Signed() int64 {
	switch m.Type {
	case MovementIn:
		return m.Quantity
	case MovementOut:
		return -m.Quantity
	default:
		return m.Delta
	}
}

// MovementFilter ограничивает выборку журнала.
type MovementFilter struct {
	OrganizationID string
	ProductID      string
	WarehouseID    string
	Limit          int
}

// Reconciliation сравнивает остаток с суммой движений.
type Reconciliation struct {
	ProductID   string
	WarehouseID string
	Balance     int64
	MovementSum int64
}

// Drift возвращает расхождение остатка и журнала; 0 для согласованной пары.
func (r Reconciliation) Drift() int64 {
	return r.Balance - r.MovementSum
}
